package intake

import (
	"context"

	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// TriggerSourcePending marks executions dispatched by the trigger worker.
const TriggerSourcePending = "pending_trigger"

// TriggerPending converts a fired resting order into an instant execution at
// its stored user price. Called by the trigger worker after it has removed
// the order from the index; verifying the order is still PENDING makes index
// replays harmless.
func (s *Service) TriggerPending(ctx context.Context, orderID string) error {
	order, err := s.lookupOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OrderStatus != types.StatusPending {
		return apperr.Newf(apperr.Precondition, "order %s is %s, not PENDING", orderID, order.OrderStatus)
	}
	cfg, err := s.cache.GetUserConfig(ctx, order.UserType, order.UserID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "load user config", err)
	}
	if cfg == nil {
		return apperr.Newf(apperr.NotFound, "user %s:%s not found", order.UserType, order.UserID)
	}

	l, err := s.lockUser(ctx, order.UserType, order.UserID)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, l)

	order.OrderStatus = types.StatusQueued
	order.Status = types.StatusQueued
	if err := s.stageLifecycle(ctx, order, map[string]any{
		"order_status": types.StatusQueued,
		"status":       types.StatusQueued,
	}); err != nil {
		return err
	}

	s.bus.EmitUserUpdate(ctx, events.KindOrderPendingTriggered, order.UserType, order.UserID, map[string]any{
		"order_id":    orderID,
		"symbol":      order.Symbol,
		"order_type":  order.Kind,
		"order_price": order.OrderPrice.String(),
	})

	res, err := s.exec.Instant(ctx, execution.InstantRequest{
		OrderID:       orderID,
		UserType:      order.UserType,
		UserID:        order.UserID,
		Symbol:        order.Symbol,
		OrderType:     order.Kind.Side(),
		OrderPrice:    order.OrderPrice,
		OrderQuantity: order.OrderQuantity,
		Leverage:      cfg.Leverage,
		Group:         cfg.Group,
		TriggerSource: TriggerSourcePending,
	})
	if err != nil {
		s.rejectOrder(ctx, order, "pending_trigger", err)
		return err
	}
	if res.Flow == types.FlowProvider {
		s.logger.Info("triggered order queued on provider", "order_id", orderID)
		return nil
	}
	_, err = s.commitLocalOpen(ctx, order, res)
	return err
}
