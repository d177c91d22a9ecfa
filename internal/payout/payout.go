// Package payout settles a closed order against the user's wallet.
//
// One settlement is one database transaction: lock the user row, append the
// ledger rows (commission debit, then signed profit or loss), and write the
// final balance. The ledger invariant is
//
//	profit_loss_amount - commission == net_profit
//
// so replaying the rows reproduces the balance. Settlement is guarded by the
// caller's idempotency claim (close_payout_applied); this package assumes it
// runs at most once per close.
package payout

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/dbstore"
	"tradecore/internal/ids"
	"tradecore/pkg/types"
)

// LedgerEntry is one row to append, before transaction ids are minted.
type LedgerEntry struct {
	Type          types.TransactionType
	Amount        decimal.Decimal // signed: debits negative, credits positive
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// Settlement is the input to one payout: the close numbers for one order.
type Settlement struct {
	OrderID    string
	UserType   types.UserType
	UserID     string
	NetProfit  decimal.Decimal
	Commission decimal.Decimal
}

// buildLedger derives the ledger rows for a settlement from the opening
// balance. Commission is debited first when present; the profit or loss row
// carries net_profit + commission so the two rows net out to net_profit.
func buildLedger(s Settlement, balance decimal.Decimal) []LedgerEntry {
	var entries []LedgerEntry

	if s.Commission.IsPositive() {
		after := types.Round8(balance.Sub(s.Commission))
		entries = append(entries, LedgerEntry{
			Type:          types.TxnCommission,
			Amount:        s.Commission.Neg(),
			BalanceBefore: balance,
			BalanceAfter:  after,
		})
		balance = after
	}

	gross := types.Round8(s.NetProfit.Add(s.Commission))
	entryType := types.TxnProfit
	if gross.IsNegative() {
		entryType = types.TxnLoss
	}
	entries = append(entries, LedgerEntry{
		Type:          entryType,
		Amount:        gross,
		BalanceBefore: balance,
		BalanceAfter:  types.Round8(balance.Add(gross)),
	})
	return entries
}

// Service applies settlements.
type Service struct {
	db     *dbstore.Store
	ids    *ids.Generator
	logger *slog.Logger
}

// NewService creates the payout service.
func NewService(db *dbstore.Store, gen *ids.Generator, logger *slog.Logger) *Service {
	return &Service{db: db, ids: gen, logger: logger.With("component", "payout")}
}

// Apply settles one close and returns the user's final balance. Runs inside
// a retried transaction; the user row lock serializes concurrent settlements
// for the same user.
func (s *Service) Apply(ctx context.Context, settlement Settlement) (decimal.Decimal, error) {
	var final decimal.Decimal

	err := s.db.WithTxRetry(ctx, func(tx dbstore.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, settlement.UserType, settlement.UserID)
		if err != nil {
			return err
		}

		entries := buildLedger(settlement, user.WalletBalance)
		for _, e := range entries {
			txnID, err := s.ids.Next(ctx, ids.Transaction)
			if err != nil {
				return err
			}
			row := &types.WalletTransaction{
				TransactionID: txnID,
				UserType:      settlement.UserType,
				UserID:        settlement.UserID,
				OrderID:       settlement.OrderID,
				Type:          e.Type,
				Amount:        types.Round8(e.Amount),
				BalanceBefore: types.Round8(e.BalanceBefore),
				BalanceAfter:  types.Round8(e.BalanceAfter),
				Status:        "completed",
				CreatedAt:     time.Now().UTC(),
			}
			if err := tx.InsertWalletTransaction(ctx, row); err != nil {
				return err
			}
		}

		final = entries[len(entries)-1].BalanceAfter
		return tx.UpdateUserWallet(ctx, settlement.UserType, settlement.UserID, final)
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Info("payout applied",
		"order_id", settlement.OrderID,
		"user", string(settlement.UserType)+":"+settlement.UserID,
		"net_profit", settlement.NetProfit.String(),
		"balance", final.String())
	return final, nil
}
