// Package pending runs the trigger worker over the resting-order index.
//
// On every tick for a symbol the worker reads the current ask and scans the
// four per-kind sorted indices. BUY_LIMIT and SELL_STOP fire when
// ask <= compare_price; SELL_LIMIT and BUY_STOP fire when
// ask >= compare_price. Fired members are removed from the index before
// dispatch; the removal result is the idempotency gate, so a replayed tick
// never dispatches the same order twice.
package pending

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/internal/marketdata"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Trigger executes a fired resting order.
type Trigger interface {
	TriggerPending(ctx context.Context, orderID string) error
}

// Worker scans the pending indices on market ticks.
type Worker struct {
	cache   *cache.Store
	trigger Trigger
	logger  *slog.Logger
}

// NewWorker creates the trigger worker.
func NewWorker(cacheStore *cache.Store, trigger Trigger, logger *slog.Logger) *Worker {
	return &Worker{
		cache:   cacheStore,
		trigger: trigger,
		logger:  logger.With("component", "pending_worker"),
	}
}

// Run consumes ticks until ctx is cancelled. One worker consumes the whole
// feed; scans per symbol are cheap range reads.
func (w *Worker) Run(ctx context.Context, ticks <-chan marketdata.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			w.Scan(ctx, tick.Symbol, tick.Ask)
		}
	}
}

// Fire directions: kinds that trigger when the ask falls to or below the
// compare price, and kinds that trigger when it rises to or above it.
var (
	fireOnFall = []types.OrderKind{types.BuyLimit, types.SellStop}
	fireOnRise = []types.OrderKind{types.SellLimit, types.BuyStop}
)

// Scan evaluates all resting orders for one symbol against the current ask.
func (w *Worker) Scan(ctx context.Context, symbol string, ask decimal.Decimal) {
	askStr := ask.String()

	for _, kind := range fireOnFall {
		// compare_price >= ask means the market reached the level.
		w.fire(ctx, symbol, kind, askStr, "+inf")
	}
	for _, kind := range fireOnRise {
		w.fire(ctx, symbol, kind, "-inf", askStr)
	}
}

func (w *Worker) fire(ctx context.Context, symbol string, kind types.OrderKind, min, max string) {
	members, err := w.cache.PendingInRange(ctx, symbol, kind, min, max)
	if err != nil {
		w.logger.Error("scan pending index", "symbol", symbol, "kind", kind, "error", err)
		return
	}

	for _, orderID := range members {
		removed, err := w.cache.RemovePending(ctx, symbol, kind, orderID)
		if err != nil {
			w.logger.Error("remove pending member", "order_id", orderID, "error", err)
			continue
		}
		if !removed {
			// Another scan already claimed this member.
			continue
		}

		if err := w.trigger.TriggerPending(ctx, orderID); err != nil {
			if apperr.Is(err, apperr.Precondition) {
				// Already cancelled or triggered elsewhere; nothing to do.
				w.logger.Info("skipping stale pending member", "order_id", orderID)
				continue
			}
			w.logger.Error("trigger pending order", "order_id", orderID, "error", err)
			continue
		}
		w.logger.Info("pending order triggered",
			"order_id", orderID, "symbol", symbol, "kind", kind)
	}
}
