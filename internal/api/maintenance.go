package api

import (
	"context"
	"log/slog"

	"tradecore/internal/cache"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Durable is the read surface the repair operations verify against. The
// relational store is the source of truth; every repair re-derives cache
// state from it.
type Durable interface {
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	ActiveOrdersByUser(ctx context.Context, userType types.UserType, userID string) ([]types.Order, error)
	OpenOrdersBySymbol(ctx context.Context, symbol string) ([]types.Order, error)
}

// Maintenance implements the operator cache-repair operations.
type Maintenance struct {
	cache  *cache.Store
	db     Durable
	logger *slog.Logger
}

// NewMaintenance wires the repair operations.
func NewMaintenance(cacheStore *cache.Store, db Durable, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		cache:  cacheStore,
		db:     db,
		logger: logger.With("component", "maintenance"),
	}
}

// RebuildUserIndices re-mirrors every active durable order of the user into
// the cache and drops holdings the durable store no longer considers active.
// Returns the number of orders mirrored. The pending trigger index is not
// touched: compare prices are not derivable from the durable row alone.
func (m *Maintenance) RebuildUserIndices(ctx context.Context, userType types.UserType, userID string) (int, error) {
	active, err := m.db.ActiveOrdersByUser(ctx, userType, userID)
	if err != nil {
		return 0, err
	}
	activeSet := make(map[string]bool, len(active))
	for i := range active {
		activeSet[active[i].OrderID] = true
	}

	cached, err := m.cache.UserOrderIDs(ctx, userType, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "list cached holdings", err)
	}
	for _, orderID := range cached {
		if activeSet[orderID] {
			continue
		}
		if err := m.cache.RemoveHolding(ctx, userType, userID, orderID); err != nil {
			m.logger.Warn("drop stale holding", "order_id", orderID, "error", err)
		}
		if err := m.cache.DeleteCanonical(ctx, orderID); err != nil {
			m.logger.Warn("drop stale canonical", "order_id", orderID, "error", err)
		}
	}

	for i := range active {
		o := &active[i]
		if err := m.cache.PutHolding(ctx, o); err != nil {
			return 0, apperr.Wrap(apperr.Transient, "mirror holding", err)
		}
		if err := m.cache.PutCanonical(ctx, o); err != nil {
			return 0, apperr.Wrap(apperr.Transient, "mirror canonical", err)
		}
		if err := m.cache.AddSymbolHolder(ctx, o.Symbol, userType, userID); err != nil {
			m.logger.Warn("mirror symbol holder", "order_id", o.OrderID, "error", err)
		}
	}

	m.logger.Info("user indices rebuilt",
		"user_type", userType, "user_id", userID,
		"mirrored", len(active), "dropped", len(cached)-len(active))
	return len(active), nil
}

// PruneStaleCache drops cached holdings whose durable row is terminal or
// missing. Returns the number of entries removed.
func (m *Maintenance) PruneStaleCache(ctx context.Context, userType types.UserType, userID string) (int, error) {
	cached, err := m.cache.UserOrderIDs(ctx, userType, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "list cached holdings", err)
	}

	removed := 0
	symbols := map[string]bool{}
	for _, orderID := range cached {
		holding, err := m.cache.GetHolding(ctx, userType, userID, orderID)
		if err != nil || holding == nil {
			continue
		}
		row, err := m.db.GetOrder(ctx, orderID)
		if err != nil && !apperr.Is(err, apperr.NotFound) {
			return removed, err
		}
		if row != nil && !row.OrderStatus.Terminal() {
			continue
		}

		if _, err := m.cache.RemovePending(ctx, holding.Symbol, holding.Kind, orderID); err != nil {
			m.logger.Warn("prune pending member", "order_id", orderID, "error", err)
		}
		if err := m.cache.RemoveHolding(ctx, userType, userID, orderID); err != nil {
			m.logger.Warn("prune holding", "order_id", orderID, "error", err)
		}
		if err := m.cache.DeleteCanonical(ctx, orderID); err != nil {
			m.logger.Warn("prune canonical", "order_id", orderID, "error", err)
		}
		symbols[holding.Symbol] = true
		removed++
	}

	// With no holdings left the user drops out of the holder sets too.
	remaining, err := m.cache.UserOrderIDs(ctx, userType, userID)
	if err == nil && len(remaining) == 0 {
		for symbol := range symbols {
			if err := m.cache.RemoveSymbolHolder(ctx, symbol, userType, userID); err != nil {
				m.logger.Warn("prune symbol holder", "symbol", symbol, "error", err)
			}
		}
	}
	if removed > 0 {
		m.logger.Info("stale cache pruned",
			"user_type", userType, "user_id", userID, "removed", removed)
	}
	return removed, nil
}

// EnsureHolding forces one order's cache state to match its durable row:
// active rows are mirrored, terminal ones evicted.
func (m *Maintenance) EnsureHolding(ctx context.Context, orderID string) error {
	row, err := m.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if row == nil {
		return apperr.Newf(apperr.NotFound, "order %s has no durable row", orderID)
	}

	if row.OrderStatus.Terminal() {
		if _, err := m.cache.RemovePending(ctx, row.Symbol, row.Kind, orderID); err != nil {
			m.logger.Warn("evict pending member", "order_id", orderID, "error", err)
		}
		if err := m.cache.RemoveHolding(ctx, row.UserType, row.UserID, orderID); err != nil {
			return apperr.Wrap(apperr.Transient, "evict holding", err)
		}
		return m.cache.DeleteCanonical(ctx, orderID)
	}

	if err := m.cache.PutHolding(ctx, row); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror holding", err)
	}
	if err := m.cache.PutCanonical(ctx, row); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror canonical", err)
	}
	return m.cache.AddSymbolHolder(ctx, row.Symbol, row.UserType, row.UserID)
}

// EnsureSymbolHolders rebuilds the per-symbol holder sets from the durable
// open orders. Returns the number of holders registered.
func (m *Maintenance) EnsureSymbolHolders(ctx context.Context, symbol string) (int, error) {
	rows, err := m.db.OpenOrdersBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	for i := range rows {
		o := &rows[i]
		key := string(o.UserType) + ":" + o.UserID
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := m.cache.AddSymbolHolder(ctx, symbol, o.UserType, o.UserID); err != nil {
			return len(seen), apperr.Wrap(apperr.Transient, "register symbol holder", err)
		}
	}
	m.logger.Info("symbol holders rebuilt", "symbol", symbol, "holders", len(seen))
	return len(seen), nil
}
