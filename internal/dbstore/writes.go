package dbstore

import (
	"context"

	"github.com/shopspring/decimal"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// CreateOrder inserts the durable row in its own retried transaction.
func (s *Store) CreateOrder(ctx context.Context, o *types.Order) error {
	return s.WithTxRetry(ctx, func(tx Tx) error {
		return tx.InsertOrder(ctx, o)
	})
}

// ApplyOrderUpdate updates order columns in its own retried transaction,
// row-locking the order first.
func (s *Store) ApplyOrderUpdate(ctx context.Context, orderID string, set map[string]any) error {
	return s.WithTxRetry(ctx, func(tx Tx) error {
		if _, err := tx.GetOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, orderID, set)
	})
}

// ApplyOrderAndAggregates commits an order update together with a change to
// the owner's aggregate margin and net profit, in one transaction. The user
// row lock serializes concurrent aggregate writers.
func (s *Store) ApplyOrderAndAggregates(ctx context.Context, orderID string, set map[string]any,
	userType types.UserType, userID string, marginDelta, netProfitDelta decimal.Decimal) error {
	return s.WithTxRetry(ctx, func(tx Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, userType, userID); err != nil {
			return err
		}
		if _, err := tx.GetOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, orderID, set); err != nil {
			return err
		}
		if marginDelta.IsZero() && netProfitDelta.IsZero() {
			return nil
		}
		return tx.AdjustUserAggregates(ctx, userType, userID, marginDelta, netProfitDelta)
	})
}

// ReconcileMutation is computed from the row-locked order during a
// reconciliation transaction.
type ReconcileMutation struct {
	Set            map[string]any
	MarginDelta    decimal.Decimal
	NetProfitDelta decimal.Decimal
}

// ReconcileOrder runs one reconciliation commit: lock the user, lock the
// order row (backfilling it from the canonical record when the durable row
// is missing), apply the mutation derived from the locked row, adjust the
// user aggregates, and return the committed row. The mutate callback sees
// the authoritative pre-image, so update sets can depend on current state.
func (s *Store) ReconcileOrder(ctx context.Context, userType types.UserType, userID, orderID string,
	backfill *types.Order, mutate func(current *types.Order) (ReconcileMutation, error)) (*types.Order, error) {

	var final *types.Order
	err := s.WithTxRetry(ctx, func(tx Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, userType, userID); err != nil {
			return err
		}

		row, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if row == nil {
			if backfill == nil {
				return apperr.Newf(apperr.NotFound, "order %s has no durable row and no canonical record", orderID)
			}
			if err := tx.BackfillOrder(ctx, backfill); err != nil {
				return err
			}
			if row, err = tx.GetOrderForUpdate(ctx, orderID); err != nil {
				return err
			}
			if row == nil {
				return apperr.Newf(apperr.NotFound, "order %s missing after backfill", orderID)
			}
		}

		m, err := mutate(row)
		if err != nil {
			return err
		}
		if len(m.Set) > 0 {
			if err := tx.UpdateOrder(ctx, orderID, m.Set); err != nil {
				return err
			}
		}
		if !m.MarginDelta.IsZero() || !m.NetProfitDelta.IsZero() {
			if err := tx.AdjustUserAggregates(ctx, userType, userID, m.MarginDelta, m.NetProfitDelta); err != nil {
				return err
			}
		}

		if final, err = tx.GetOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}
