// Package reconcile applies provider confirmations to the durable store and
// the cache. It is the write-behind half of the dual-path execution model:
// everything the intake path left staged (QUEUED, PENDING-QUEUED, in-flight
// lifecycle ids) is committed here when the provider's answer arrives on the
// partitioned bus.
//
// Ordering: the partitioner puts all of one user's messages on one queue, so
// one consumer sees them in order; the per-order processing lock additionally
// serializes mutation per order across processes.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/internal/dbstore"
	"tradecore/internal/events"
	"tradecore/internal/lock"
	"tradecore/internal/payout"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

const orderProcessingTTL = 60 * time.Second

// Durable is the relational-store surface the worker commits through.
type Durable interface {
	ReconcileOrder(ctx context.Context, userType types.UserType, userID, orderID string,
		backfill *types.Order, mutate func(current *types.Order) (dbstore.ReconcileMutation, error)) (*types.Order, error)
	FindOrderOwner(ctx context.Context, orderID string) (types.UserType, string, error)
	InsertRejection(ctx context.Context, r *types.RejectionRecord) error
}

// Payouts settles confirmed closes.
type Payouts interface {
	Apply(ctx context.Context, s payout.Settlement) (decimal.Decimal, error)
}

// Worker processes confirmation messages for one or more partitions.
type Worker struct {
	cache  *cache.Store
	db     Durable
	pay    Payouts
	locks  *lock.Manager
	bus    *events.Bus
	logger *slog.Logger
}

// NewWorker wires a reconciliation worker.
func NewWorker(cacheStore *cache.Store, db Durable, pay Payouts,
	locks *lock.Manager, bus *events.Bus, logger *slog.Logger) *Worker {
	return &Worker{
		cache:  cacheStore,
		db:     db,
		pay:    pay,
		locks:  locks,
		bus:    bus,
		logger: logger.With("component", "reconcile"),
	}
}

// Handle adapts Process to the bus consumer contract: nil acks, Transient
// requeues, anything else dead-letters.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) error {
	var msg types.ConfirmationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return apperr.Wrap(apperr.Poison, "unmarshal confirmation", err)
	}
	return w.Process(ctx, &msg)
}

// Process applies one confirmation message end to end.
func (w *Worker) Process(ctx context.Context, msg *types.ConfirmationMessage) error {
	if msg.Type == "" || msg.OrderID == "" {
		return apperr.New(apperr.Poison, "confirmation missing type or order_id")
	}

	userType, userID, canonical, err := w.resolveOwner(ctx, msg)
	if err != nil {
		return err
	}

	// Serialize mutation per order. A held lock means another worker is mid
	// commit; requeue and let it finish.
	procLock, err := w.locks.AcquireKey(ctx, cache.KeyOrderProcessing(msg.OrderID), orderProcessingTTL)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "acquire order-processing lock", err)
	}
	if procLock == nil {
		return apperr.Newf(apperr.Transient, "order %s is being processed elsewhere", msg.OrderID)
	}
	defer func() {
		if err := w.locks.Release(ctx, procLock); err != nil {
			w.logger.Warn("release order-processing lock", "order_id", msg.OrderID, "error", err)
		}
	}()

	switch msg.Type {
	case types.MsgRejectionRecord:
		return w.applyRejectionRecord(ctx, msg, userType, userID)
	case types.MsgMAMAggregate:
		return w.applyMAMAggregate(ctx, msg, userType, userID)
	case types.MsgAutocutoff:
		return w.applyAutocutoffNotice(ctx, msg, userType, userID)
	default:
		return w.applyOrderMessage(ctx, msg, userType, userID, canonical)
	}
}

// resolveOwner derives (user_type, user_id): from the message when present,
// else from the canonical record, else from the durable order row.
func (w *Worker) resolveOwner(ctx context.Context, msg *types.ConfirmationMessage) (types.UserType, string, *types.Order, error) {
	canonical, err := w.cache.GetCanonical(ctx, msg.OrderID)
	if err != nil {
		return "", "", nil, apperr.Wrap(apperr.Transient, "read canonical record", err)
	}

	if msg.UserType != "" && msg.UserID != "" {
		return msg.UserType, msg.UserID, canonical, nil
	}
	if canonical != nil {
		return canonical.UserType, canonical.UserID, canonical, nil
	}

	userType, userID, err := w.db.FindOrderOwner(ctx, msg.OrderID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return "", "", nil, apperr.Wrap(apperr.Poison, "confirmation owner unresolvable", err)
		}
		return "", "", nil, err
	}
	return userType, userID, canonical, nil
}

func (w *Worker) applyOrderMessage(ctx context.Context, msg *types.ConfirmationMessage,
	userType types.UserType, userID string, canonical *types.Order) error {

	// Payout must be settled before the durable close commit and the cache
	// mirror; the claim key keeps replays from paying twice.
	var settledBalance *decimal.Decimal
	if msg.Type == types.MsgCloseConfirmed {
		balance, applied, err := w.settleClose(ctx, msg, userType, userID)
		if err != nil {
			return err
		}
		if applied {
			settledBalance = &balance
		}
	}

	final, err := w.db.ReconcileOrder(ctx, userType, userID, msg.OrderID, canonical,
		func(current *types.Order) (dbstore.ReconcileMutation, error) {
			return buildMutation(msg, current)
		})
	if err != nil {
		if apperr.Is(err, apperr.Precondition) {
			w.logger.Info("ignoring confirmation for terminal order",
				"order_id", msg.OrderID, "type", msg.Type)
			return nil
		}
		return err
	}

	w.mirror(ctx, msg, final)
	w.emit(ctx, msg, final, settledBalance)
	return nil
}

// settleClose runs the payout under the idempotency claim. Returns the new
// balance and whether this call applied it.
func (w *Worker) settleClose(ctx context.Context, msg *types.ConfirmationMessage,
	userType types.UserType, userID string) (decimal.Decimal, bool, error) {

	claimed, err := w.cache.ClaimPayout(ctx, msg.OrderID)
	if err != nil {
		return decimal.Zero, false, apperr.Wrap(apperr.Transient, "claim payout", err)
	}
	if !claimed {
		return decimal.Zero, false, nil
	}

	netProfit := decimal.Zero
	if msg.NetProfit != nil {
		netProfit = types.Round8(*msg.NetProfit)
	}
	commission := decimal.Zero
	if msg.Commission != nil {
		commission = types.Round8(*msg.Commission)
	}

	balance, err := w.pay.Apply(ctx, payout.Settlement{
		OrderID:    msg.OrderID,
		UserType:   userType,
		UserID:     userID,
		NetProfit:  netProfit,
		Commission: commission,
	})
	if err != nil {
		// Give the claim back so the redelivered message settles the payout.
		if relErr := w.cache.ReleasePayoutClaim(ctx, msg.OrderID); relErr != nil {
			w.logger.Error("release payout claim", "order_id", msg.OrderID, "error", relErr)
		}
		return decimal.Zero, false, err
	}
	return balance, true, nil
}

// mirror applies the committed row to the cache: two phases, holdings and
// index in one same-slot pipeline, canonical and symbol holders as separate
// operations. Terminal orders are evicted instead.
func (w *Worker) mirror(ctx context.Context, msg *types.ConfirmationMessage, o *types.Order) {
	if o.OrderStatus.Terminal() {
		if _, err := w.cache.RemovePending(ctx, o.Symbol, o.Kind, o.OrderID); err != nil {
			w.logger.Warn("remove pending member", "order_id", o.OrderID, "error", err)
		}
		if err := w.cache.DeleteCanonical(ctx, o.OrderID); err != nil {
			w.logger.Warn("evict canonical", "order_id", o.OrderID, "error", err)
		}
		if err := w.cache.RemoveHolding(ctx, o.UserType, o.UserID, o.OrderID); err != nil {
			w.logger.Warn("evict holding", "order_id", o.OrderID, "error", err)
		}
		remaining, err := w.cache.UserOrderIDs(ctx, o.UserType, o.UserID)
		if err == nil && len(remaining) == 0 {
			if err := w.cache.RemoveSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID); err != nil {
				w.logger.Warn("evict symbol holder", "order_id", o.OrderID, "error", err)
			}
		}
		return
	}

	if err := w.cache.PutHolding(ctx, o); err != nil {
		w.logger.Warn("mirror holding", "order_id", o.OrderID, "error", err)
	}
	if err := w.cache.PutCanonical(ctx, o); err != nil {
		w.logger.Warn("mirror canonical", "order_id", o.OrderID, "error", err)
	}
	if err := w.cache.AddSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID); err != nil {
		w.logger.Warn("mirror symbol holder", "order_id", o.OrderID, "error", err)
	}
}

// emit publishes the user-facing events for the applied message.
func (w *Worker) emit(ctx context.Context, msg *types.ConfirmationMessage, o *types.Order, balance *decimal.Decimal) {
	w.bus.EmitUserUpdate(ctx, events.KindOrderUpdate, o.UserType, o.UserID, map[string]any{
		"order_id":     o.OrderID,
		"order_status": o.OrderStatus,
	})

	switch msg.Type {
	case types.MsgOpenConfirmed, types.MsgPendingTriggered:
		// Both confirm an OPEN with a fresh durable margin; the cache
		// aggregate must move with it.
		newMargin, err := w.cache.AdjustUserMargin(ctx, o.UserType, o.UserID, o.Margin)
		if err != nil {
			w.logger.Warn("adjust cached margin", "order_id", o.OrderID, "error", err)
		}
		w.bus.EmitUserUpdate(ctx, events.KindOrderOpened, o.UserType, o.UserID, map[string]any{
			"order_id":   o.OrderID,
			"symbol":     o.Symbol,
			"exec_price": o.OrderPrice.String(),
			"margin":     o.Margin.String(),
		})
		w.bus.EmitUserUpdate(ctx, events.KindUserMarginUpdate, o.UserType, o.UserID, map[string]any{
			"margin": newMargin.String(),
		})

	case types.MsgCloseConfirmed:
		newMargin, err := w.cache.AdjustUserMargin(ctx, o.UserType, o.UserID, o.Margin.Neg())
		if err != nil {
			w.logger.Warn("adjust cached margin", "order_id", o.OrderID, "error", err)
		}
		payload := map[string]any{
			"order_id":      o.OrderID,
			"symbol":        o.Symbol,
			"close_message": o.CloseMessage,
		}
		if o.ClosePrice != nil {
			payload["close_price"] = o.ClosePrice.String()
		}
		if o.NetProfit != nil {
			payload["net_profit"] = o.NetProfit.String()
		}
		w.bus.EmitUserUpdate(ctx, events.KindOrderClosed, o.UserType, o.UserID, payload)
		w.bus.EmitUserUpdate(ctx, events.KindUserMarginUpdate, o.UserType, o.UserID, map[string]any{
			"margin": newMargin.String(),
		})
		if balance != nil {
			if err := w.cache.SetUserConfigFields(ctx, o.UserType, o.UserID,
				map[string]any{"wallet_balance": balance.String()}); err != nil {
				w.logger.Warn("mirror wallet balance", "order_id", o.OrderID, "error", err)
			}
			w.bus.EmitUserUpdate(ctx, events.KindWalletBalanceUpdate, o.UserType, o.UserID, map[string]any{
				"wallet_balance": balance.String(),
			})
		}

	case types.MsgPendingCancel:
		w.bus.EmitUserUpdate(ctx, events.KindOrderPendingCancelled, o.UserType, o.UserID, map[string]any{
			"order_id": o.OrderID,
			"symbol":   o.Symbol,
		})

	case types.MsgRejected:
		w.bus.EmitUserUpdate(ctx, events.KindOrderRejectionCreated, o.UserType, o.UserID, map[string]any{
			"canonical_order_id": o.OrderID,
			"reason":             msg.Reason,
			"symbol":             o.Symbol,
		})
	}
}

func (w *Worker) applyRejectionRecord(ctx context.Context, msg *types.ConfirmationMessage,
	userType types.UserType, userID string) error {

	rec := &types.RejectionRecord{
		CanonicalOrderID: msg.OrderID,
		RejectionType:    msg.RejectionType,
		Reason:           msg.Reason,
		Symbol:           msg.Symbol,
		UserType:         userType,
		UserID:           userID,
		CreatedAt:        time.Now().UTC(),
	}
	if msg.UsedMarginExecuted != nil {
		rec.ReleasedMargin = types.Round8(*msg.UsedMarginExecuted)
	}
	if err := w.db.InsertRejection(ctx, rec); err != nil {
		return err
	}
	w.bus.EmitUserUpdate(ctx, events.KindOrderRejectionCreated, userType, userID, map[string]any{
		"canonical_order_id": msg.OrderID,
		"rejection_type":     msg.RejectionType,
		"reason":             msg.Reason,
		"symbol":             msg.Symbol,
	})
	return nil
}

// applyAutocutoffNotice records a provider-side liquidation sweep. The swept
// orders arrive as their own close confirmations; the notice itself only
// refreshes the aggregate margin when it carries one.
func (w *Worker) applyAutocutoffNotice(ctx context.Context, msg *types.ConfirmationMessage,
	userType types.UserType, userID string) error {

	w.logger.Warn("provider autocutoff sweep",
		"user_type", userType, "user_id", userID, "order_id", msg.OrderID)
	if msg.UsedMarginAll != nil {
		return w.applyMAMAggregate(ctx, msg, userType, userID)
	}
	return nil
}

// applyMAMAggregate mirrors a provider-computed aggregate margin for a MAM
// master account and notifies subscribers.
func (w *Worker) applyMAMAggregate(ctx context.Context, msg *types.ConfirmationMessage,
	userType types.UserType, userID string) error {

	if msg.UsedMarginAll == nil {
		return apperr.New(apperr.Poison, "mam aggregate without used_margin_all")
	}
	margin := types.Round8(*msg.UsedMarginAll)
	if err := w.cache.SetUserConfigFields(ctx, userType, userID,
		map[string]any{"margin": margin.String()}); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror mam aggregate", err)
	}
	w.bus.EmitUserUpdate(ctx, events.KindUserMarginUpdate, userType, userID, map[string]any{
		"margin": margin.String(),
	})
	return nil
}
