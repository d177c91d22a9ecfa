package intake

import (
	"context"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/ids"
	"tradecore/internal/payout"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Close requests a full close of an OPEN order. Local flow settles the close
// immediately; provider flow stages the close id and waits for the
// confirmation on the bus.
func (s *Service) Close(ctx context.Context, userType types.UserType, userID, orderID string) (order *types.Order, err error) {
	defer func() { s.recordAudit("order_close", userType, userID, orderID, err) }()
	if _, err := s.loadUser(ctx, userType, userID); err != nil {
		return nil, err
	}
	return s.closeOrder(ctx, userType, userID, orderID, types.TriggerManual, true)
}

// CloseTriggered closes an order on behalf of an automated trigger. Account
// gates and market hours do not apply: a liquidation sweep must run even for
// suspended accounts, and it only ever fires off live ticks.
func (s *Service) CloseTriggered(ctx context.Context, userType types.UserType, userID, orderID string, trigger types.TriggerKind) (*types.Order, error) {
	return s.closeOrder(ctx, userType, userID, orderID, trigger, false)
}

func (s *Service) closeOrder(ctx context.Context, userType types.UserType, userID, orderID string,
	trigger types.TriggerKind, enforceHours bool) (*types.Order, error) {

	order, err := s.lookupOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(order, userType, userID); err != nil {
		return nil, err
	}
	if order.OrderStatus != types.StatusOpen {
		return nil, apperr.Newf(apperr.Precondition, "order %s is %s, not OPEN", orderID, order.OrderStatus)
	}
	if order.CloseID != "" {
		return nil, apperr.Newf(apperr.Precondition, "order %s is closing; close already in flight", orderID)
	}
	if enforceHours {
		if err := s.requireMarketOpen(order.Symbol); err != nil {
			return nil, err
		}
	}

	l, err := s.lockUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	closeID, err := s.ids.Next(ctx, ids.Close)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "mint close id", err)
	}
	order.CloseID = closeID
	order.Status = types.StatusClosed // engine-intended; order_status stays OPEN
	if err := s.stageLifecycle(ctx, order, map[string]any{
		"close_id": closeID,
		"status":   types.StatusClosed,
	}); err != nil {
		return nil, err
	}

	res, err := s.exec.Close(ctx, execution.LifecycleRequest{
		OrderID:     orderID,
		UserType:    userType,
		UserID:      userID,
		LifecycleID: closeID,
		TriggerKind: trigger,
	})
	if err != nil {
		s.revertLifecycle(ctx, order, map[string]any{
			"close_id": "",
			"status":   types.StatusOpen,
		}, func(o *types.Order) {
			o.CloseID = ""
			o.Status = types.StatusOpen
		})
		return nil, err
	}
	if res.Flow == types.FlowProvider {
		s.logger.Info("close queued on provider", "order_id", orderID, "close_id", closeID)
		return order, nil
	}
	return s.commitLocalClose(ctx, order, res, trigger)
}

// commitLocalClose settles an authoritative close: payout under the
// idempotency claim, durable commit with margin release, cache eviction,
// and the close events.
func (s *Service) commitLocalClose(ctx context.Context, order *types.Order, res *execution.Result, trigger types.TriggerKind) (*types.Order, error) {
	netProfit := decimal.Zero
	if res.NetProfit != nil {
		netProfit = types.Round8(*res.NetProfit)
	}
	closePrice := decimal.Zero
	if res.ClosePrice != nil {
		closePrice = types.Round8(*res.ClosePrice)
	}
	commission := order.Commission
	if res.CommissionEntry != nil {
		commission = types.Round8(*res.CommissionEntry)
	}

	var balance decimal.Decimal
	claimed, err := s.cache.ClaimPayout(ctx, order.OrderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "claim payout", err)
	}
	if claimed {
		balance, err = s.pay.Apply(ctx, payout.Settlement{
			OrderID:    order.OrderID,
			UserType:   order.UserType,
			UserID:     order.UserID,
			NetProfit:  netProfit,
			Commission: commission,
		})
		if err != nil {
			// Give the claim back so a retried settlement is not skipped.
			if relErr := s.cache.ReleasePayoutClaim(ctx, order.OrderID); relErr != nil {
				s.logger.Error("release payout claim", "order_id", order.OrderID, "error", relErr)
			}
			return nil, err
		}
	}

	order.OrderStatus = types.StatusClosed
	order.Status = types.StatusClosed
	order.ClosePrice = &closePrice
	order.NetProfit = &netProfit
	order.CloseMessage = trigger.CloseMessage()
	order.UpdatedAt = s.now().UTC()

	set := map[string]any{
		"order_status":  types.StatusClosed,
		"status":        types.StatusClosed,
		"close_price":   closePrice,
		"net_profit":    netProfit,
		"close_message": order.CloseMessage,
	}
	if err := s.db.ApplyOrderAndAggregates(ctx, order.OrderID, set,
		order.UserType, order.UserID, order.Margin.Neg(), netProfit); err != nil {
		return nil, err
	}

	s.evictOrder(ctx, order)
	newMargin, err := s.cache.AdjustUserMargin(ctx, order.UserType, order.UserID, order.Margin.Neg())
	if err != nil {
		s.logger.Error("adjust cached margin", "order_id", order.OrderID, "error", err)
	}
	if claimed {
		if err := s.cache.SetUserConfigFields(ctx, order.UserType, order.UserID,
			map[string]any{"wallet_balance": balance.String()}); err != nil {
			s.logger.Warn("mirror wallet balance", "order_id", order.OrderID, "error", err)
		}
		s.bus.EmitUserUpdate(ctx, events.KindWalletBalanceUpdate, order.UserType, order.UserID, map[string]any{
			"wallet_balance": balance.String(),
		})
	}

	s.bus.EmitUserUpdate(ctx, events.KindOrderClosed, order.UserType, order.UserID, map[string]any{
		"order_id":      order.OrderID,
		"symbol":        order.Symbol,
		"close_price":   closePrice.String(),
		"net_profit":    netProfit.String(),
		"close_message": order.CloseMessage,
	})
	s.bus.EmitUserUpdate(ctx, events.KindUserMarginUpdate, order.UserType, order.UserID, map[string]any{
		"margin": newMargin.String(),
	})

	s.logger.Info("order closed",
		"order_id", order.OrderID, "close_price", closePrice.String(),
		"net_profit", netProfit.String(), "close_message", order.CloseMessage)
	return order, nil
}

// CancelPending cancels a resting order. Local-path orders are disarmed and
// terminal immediately; provider-path orders stage PENDING-CANCEL and wait
// for confirmation.
func (s *Service) CancelPending(ctx context.Context, userType types.UserType, userID, orderID string) (result *types.Order, err error) {
	defer func() { s.recordAudit("order_pending_cancel", userType, userID, orderID, err) }()
	if _, err := s.loadUser(ctx, userType, userID); err != nil {
		return nil, err
	}
	order, err := s.lookupOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(order, userType, userID); err != nil {
		return nil, err
	}

	l, err := s.lockUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	switch order.OrderStatus {
	case types.StatusPending:
		// Local path: disarm the trigger and finish here.
		if _, err := s.cache.RemovePending(ctx, order.Symbol, order.Kind, orderID); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "disarm pending trigger", err)
		}
		order.OrderStatus = types.StatusCancelled
		order.Status = types.StatusCancelled
		if err := s.db.ApplyOrderUpdate(ctx, orderID, map[string]any{
			"order_status": types.StatusCancelled,
			"status":       types.StatusCancelled,
		}); err != nil {
			return nil, err
		}
		s.evictOrder(ctx, order)
		s.bus.EmitUserUpdate(ctx, events.KindOrderPendingCancelled, userType, userID, map[string]any{
			"order_id": orderID,
			"symbol":   order.Symbol,
		})
		s.logger.Info("pending order cancelled", "order_id", orderID)
		return order, nil

	case types.StatusPendingQueued:
		cancelID := order.CancelID
		if cancelID == "" {
			cancelID, err = s.ids.Next(ctx, ids.Cancel)
			if err != nil {
				return nil, apperr.Wrap(apperr.Transient, "mint cancel id", err)
			}
			order.CancelID = cancelID
			if err := s.exec.RegisterLifecycleID(ctx, orderID, cancelID); err != nil {
				return nil, err
			}
		}
		order.OrderStatus = types.StatusPendingCancel
		order.Status = types.StatusPendingCancel
		if err := s.stageLifecycle(ctx, order, map[string]any{
			"cancel_id":    cancelID,
			"order_status": types.StatusPendingCancel,
			"status":       types.StatusPendingCancel,
		}); err != nil {
			return nil, err
		}
		if _, err := s.exec.PendingCancel(ctx, execution.LifecycleRequest{
			OrderID:     orderID,
			UserType:    userType,
			UserID:      userID,
			LifecycleID: cancelID,
		}); err != nil {
			// The cancel id stays: it is registered with the engine and a
			// retry reuses it. Only the staged status rolls back.
			s.revertLifecycle(ctx, order, map[string]any{
				"order_status": types.StatusPendingQueued,
				"status":       types.StatusPendingQueued,
			}, func(o *types.Order) {
				o.OrderStatus = types.StatusPendingQueued
				o.Status = types.StatusPendingQueued
			})
			return nil, err
		}
		s.logger.Info("pending cancel queued on provider", "order_id", orderID, "cancel_id", cancelID)
		return order, nil

	case types.StatusPendingCancel:
		return nil, apperr.Newf(apperr.Precondition, "order %s cancel already in flight", orderID)
	default:
		return nil, apperr.Newf(apperr.Precondition, "order %s is %s, not pending", orderID, order.OrderStatus)
	}
}

// ModifyPending changes a resting order's price. Local path re-scores the
// trigger index in place; provider path stages MODIFY and dispatches.
func (s *Service) ModifyPending(ctx context.Context, userType types.UserType, userID, orderID string, newPrice decimal.Decimal) (result *types.Order, err error) {
	defer func() { s.recordAudit("order_pending_modify", userType, userID, orderID, err) }()
	if !newPrice.IsPositive() {
		return nil, apperr.New(apperr.Validation, "order_price must be positive")
	}
	cfg, err := s.loadUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	order, err := s.lookupOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(order, userType, userID); err != nil {
		return nil, err
	}

	l, err := s.lockUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	newPrice = types.Round8(newPrice)

	switch order.OrderStatus {
	case types.StatusPending:
		compare, err := s.comparePrice(ctx, cfg.Group, order.Symbol, newPrice)
		if err != nil {
			return nil, err
		}
		if err := s.cache.UpdatePendingPrice(ctx, &types.PendingRecord{
			OrderID:      orderID,
			UserType:     userType,
			UserID:       userID,
			Symbol:       order.Symbol,
			Kind:         order.Kind,
			UserPrice:    newPrice,
			ComparePrice: compare,
			Quantity:     order.OrderQuantity,
		}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "rescore pending trigger", err)
		}
		order.OrderPrice = newPrice
		if err := s.db.ApplyOrderUpdate(ctx, orderID, map[string]any{"order_price": newPrice}); err != nil {
			return nil, err
		}
		if err := s.mirrorOrder(ctx, order); err != nil {
			s.logger.Error("mirror modified order", "order_id", orderID, "error", err)
		}
		s.bus.EmitUserUpdate(ctx, events.KindOrderUpdate, userType, userID, map[string]any{
			"order_id":    orderID,
			"order_price": newPrice.String(),
		})
		s.logger.Info("pending order modified", "order_id", orderID, "order_price", newPrice.String())
		return order, nil

	case types.StatusPendingQueued:
		modifyID, err := s.ids.Next(ctx, ids.Modify)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "mint modify id", err)
		}
		order.ModifyID = modifyID
		order.Status = types.StatusModify
		if err := s.stageLifecycle(ctx, order, map[string]any{
			"modify_id": modifyID,
			"status":    types.StatusModify,
		}); err != nil {
			return nil, err
		}
		if _, err := s.exec.PendingModify(ctx, execution.LifecycleRequest{
			OrderID:     orderID,
			UserType:    userType,
			UserID:      userID,
			LifecycleID: modifyID,
			Price:       &newPrice,
		}); err != nil {
			s.revertLifecycle(ctx, order, map[string]any{
				"modify_id": "",
				"status":    order.OrderStatus,
			}, func(o *types.Order) {
				o.ModifyID = ""
				o.Status = o.OrderStatus
			})
			return nil, err
		}
		s.logger.Info("pending modify queued on provider", "order_id", orderID, "modify_id", modifyID)
		return order, nil

	default:
		return nil, apperr.Newf(apperr.Precondition, "order %s is %s, not pending", orderID, order.OrderStatus)
	}
}

// stageLifecycle persists a staged lifecycle id (and any status change) to
// the durable row and the canonical mirror before the RPC dispatch.
func (s *Service) stageLifecycle(ctx context.Context, order *types.Order, set map[string]any) error {
	if err := s.db.ApplyOrderUpdate(ctx, order.OrderID, set); err != nil {
		return err
	}
	if err := s.cache.PutCanonical(ctx, order); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror staged lifecycle", err)
	}
	return nil
}

// revertLifecycle best-effort undoes a staged lifecycle id after a failed
// dispatch so the order is not stuck with a dangling in-flight id.
func (s *Service) revertLifecycle(ctx context.Context, order *types.Order, set map[string]any, apply func(*types.Order)) {
	apply(order)
	if err := s.db.ApplyOrderUpdate(ctx, order.OrderID, set); err != nil {
		s.logger.Error("revert staged lifecycle", "order_id", order.OrderID, "error", err)
	}
	if err := s.cache.PutCanonical(ctx, order); err != nil {
		s.logger.Error("revert canonical mirror", "order_id", order.OrderID, "error", err)
	}
}
