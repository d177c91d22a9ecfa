package dbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Tx is a domain-scoped view over one open transaction. Handed to
// WithTxRetry callbacks; never retained past the callback.
type Tx struct {
	tx *sqlx.Tx
}

const orderColumns = `order_id, user_type, user_id, symbol, order_type,
	order_price, order_quantity, contract_value, margin, commission,
	order_status, status, stop_loss, take_profit,
	close_price, net_profit, swap, close_message,
	close_id, cancel_id, modify_id, stoploss_id, stoploss_cancel_id,
	takeprofit_id, takeprofit_cancel_id, created_at, updated_at`

// InsertOrder writes the initial durable row for a new order.
func (t Tx) InsertOrder(ctx context.Context, o *types.Order) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:order_id, :user_type, :user_id, :symbol, :order_type,
			:order_price, :order_quantity, :contract_value, :margin, :commission,
			:order_status, :status, :stop_loss, :take_profit,
			:close_price, :net_profit, :swap, :close_message,
			:close_id, :cancel_id, :modify_id, :stoploss_id, :stoploss_cancel_id,
			:takeprofit_id, :takeprofit_cancel_id, :created_at, :updated_at)`, o)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.OrderID, err)
	}
	return nil
}

// BackfillOrder inserts a row recovered from the canonical cache record when
// the durable row is missing. ON CONFLICT keeps replays harmless.
func (t Tx) BackfillOrder(ctx context.Context, o *types.Order) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:order_id, :user_type, :user_id, :symbol, :order_type,
			:order_price, :order_quantity, :contract_value, :margin, :commission,
			:order_status, :status, :stop_loss, :take_profit,
			:close_price, :net_profit, :swap, :close_message,
			:close_id, :cancel_id, :modify_id, :stoploss_id, :stoploss_cancel_id,
			:takeprofit_id, :takeprofit_cancel_id, :created_at, :updated_at)
		ON CONFLICT (order_id) DO NOTHING`, o)
	if err != nil {
		return fmt.Errorf("backfill order %s: %w", o.OrderID, err)
	}
	return nil
}

// GetOrderForUpdate row-locks and returns the order. Returns nil, nil when no
// row exists (caller decides whether to backfill).
func (t Tx) GetOrderForUpdate(ctx context.Context, orderID string) (*types.Order, error) {
	var o types.Order
	err := t.tx.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return &o, nil
}

// allowedOrderColumns whitelists the columns the reconciliation update set may
// touch. Anything else in an update map is a programming error.
var allowedOrderColumns = map[string]bool{
	"order_price": true, "order_quantity": true, "contract_value": true,
	"margin": true, "commission": true,
	"order_status": true, "status": true,
	"stop_loss": true, "take_profit": true,
	"close_price": true, "net_profit": true, "swap": true, "close_message": true,
	"close_id": true, "cancel_id": true, "modify_id": true,
	"stoploss_id": true, "stoploss_cancel_id": true,
	"takeprofit_id": true, "takeprofit_cancel_id": true,
}

// UpdateOrder applies a column update set to one order row. Columns are
// whitelisted and rendered in sorted order so statements are deterministic.
func (t Tx) UpdateOrder(ctx context.Context, orderID string, set map[string]any) error {
	if len(set) == 0 {
		return nil
	}

	cols := make([]string, 0, len(set))
	for col := range set {
		if !allowedOrderColumns[col] {
			return fmt.Errorf("update order %s: column %q not updatable", orderID, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, len(set)+1)
	sb.WriteString("UPDATE orders SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, set[col])
		fmt.Fprintf(&sb, "%s = $%d", col, len(args))
	}
	sb.WriteString(", updated_at = now()")
	args = append(args, orderID)
	fmt.Fprintf(&sb, " WHERE order_id = $%d", len(args))

	res, err := t.tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "order %s not found", orderID)
	}
	return nil
}

// GetOrder reads one order outside a transaction. Returns nil, nil when absent.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var o types.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &o, nil
}

// FindOrderOwner resolves (user_type, user_id) from the orders table. Used by
// the reconciler as the last backfill when a message carries no owner and the
// cache has evicted the canonical record.
func (s *Store) FindOrderOwner(ctx context.Context, orderID string) (types.UserType, string, error) {
	var row struct {
		UserType types.UserType `db:"user_type"`
		UserID   string         `db:"user_id"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT user_type, user_id FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", apperr.Newf(apperr.NotFound, "order %s has no durable row", orderID)
	}
	if err != nil {
		return "", "", fmt.Errorf("find order owner %s: %w", orderID, err)
	}
	return row.UserType, row.UserID, nil
}

// ActiveOrdersByUser lists the user's non-terminal orders (admin rebuilds).
func (s *Store) ActiveOrdersByUser(ctx context.Context, userType types.UserType, userID string) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_type = $1 AND user_id = $2
		   AND order_status NOT IN ('CLOSED', 'CANCELLED', 'REJECTED')
		 ORDER BY created_at`, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("active orders %s:%s: %w", userType, userID, err)
	}
	return orders, nil
}

// OpenOrdersBySymbol lists OPEN orders on a symbol (symbol-holder rebuilds).
func (s *Store) OpenOrdersBySymbol(ctx context.Context, symbol string) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND order_status = 'OPEN'
		 ORDER BY created_at`, symbol)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	return orders, nil
}
