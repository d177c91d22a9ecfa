package dbstore

import (
	"context"
	"fmt"

	"tradecore/pkg/types"
)

// InsertWalletTransaction appends one immutable ledger row.
func (t Tx) InsertWalletTransaction(ctx context.Context, txn *types.WalletTransaction) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO wallet_transactions
			(transaction_id, user_type, user_id, order_id, type, amount,
			 balance_before, balance_after, status, metadata, created_at)
		VALUES
			(:transaction_id, :user_type, :user_id, :order_id, :type, :amount,
			 :balance_before, :balance_after, :status, :metadata, :created_at)`, txn)
	if err != nil {
		return fmt.Errorf("insert wallet transaction %s: %w", txn.TransactionID, err)
	}
	return nil
}

// TransactionsForOrder lists the ledger rows attributable to one order.
func (s *Store) TransactionsForOrder(ctx context.Context, orderID string) ([]types.WalletTransaction, error) {
	var txns []types.WalletTransaction
	err := s.db.SelectContext(ctx, &txns, `
		SELECT transaction_id, user_type, user_id, order_id, type, amount,
		       balance_before, balance_after, status, metadata, created_at
		FROM wallet_transactions WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("transactions for order %s: %w", orderID, err)
	}
	return txns, nil
}
