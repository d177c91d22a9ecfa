package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// UserRow is the slice of the users table the core reads and writes:
// the wallet and the derived aggregates.
type UserRow struct {
	UserType      types.UserType  `db:"user_type"`
	UserID        string          `db:"user_id"`
	WalletBalance decimal.Decimal `db:"wallet_balance"`
	NetProfit     decimal.Decimal `db:"net_profit"`
	Margin        decimal.Decimal `db:"margin"`
}

// GetUserForUpdate row-locks the user. Wallet balance and aggregate margin
// are only ever written while this lock is held.
func (t Tx) GetUserForUpdate(ctx context.Context, userType types.UserType, userID string) (*UserRow, error) {
	var u UserRow
	err := t.tx.GetContext(ctx, &u,
		`SELECT user_type, user_id, wallet_balance, net_profit, margin
		 FROM users WHERE user_type = $1 AND user_id = $2 FOR UPDATE`,
		userType, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "user %s:%s not found", userType, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock user %s:%s: %w", userType, userID, err)
	}
	return &u, nil
}

// UpdateUserWallet sets the wallet balance (payout commit, row already locked).
func (t Tx) UpdateUserWallet(ctx context.Context, userType types.UserType, userID string, balance decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET wallet_balance = $1, updated_at = now()
		 WHERE user_type = $2 AND user_id = $3`,
		types.Round8(balance), userType, userID)
	if err != nil {
		return fmt.Errorf("update wallet %s:%s: %w", userType, userID, err)
	}
	return nil
}

// AdjustUserAggregates applies deltas to the user's aggregate margin and net
// profit (row already locked).
func (t Tx) AdjustUserAggregates(ctx context.Context, userType types.UserType, userID string, marginDelta, netProfitDelta decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE users SET margin = margin + $1, net_profit = net_profit + $2, updated_at = now()
		 WHERE user_type = $3 AND user_id = $4`,
		types.Round8(marginDelta), types.Round8(netProfitDelta), userType, userID)
	if err != nil {
		return fmt.Errorf("adjust aggregates %s:%s: %w", userType, userID, err)
	}
	return nil
}

// GetUser reads the user row outside a transaction.
func (s *Store) GetUser(ctx context.Context, userType types.UserType, userID string) (*UserRow, error) {
	var u UserRow
	err := s.db.GetContext(ctx, &u,
		`SELECT user_type, user_id, wallet_balance, net_profit, margin
		 FROM users WHERE user_type = $1 AND user_id = $2`,
		userType, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "user %s:%s not found", userType, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s:%s: %w", userType, userID, err)
	}
	return &u, nil
}
