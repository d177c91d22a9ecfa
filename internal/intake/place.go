package intake

import (
	"context"

	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/ids"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// PlaceRequest is one place intent, instant or pending depending on Kind.
type PlaceRequest struct {
	UserType types.UserType
	UserID   string
	Symbol   string
	Kind     types.OrderKind
	Price    decimal.Decimal
	Quantity decimal.Decimal

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	// TriggerSource marks internal dispatches (pending trigger, autocutoff);
	// empty for user intents.
	TriggerSource string
}

func (r *PlaceRequest) validate(pending bool) error {
	if r.Symbol == "" {
		return apperr.New(apperr.Validation, "symbol required")
	}
	if pending != r.Kind.IsPending() {
		if pending {
			return apperr.Newf(apperr.Validation, "order_type %s is not a pending kind", r.Kind)
		}
		if r.Kind != types.Buy && r.Kind != types.Sell {
			return apperr.Newf(apperr.Validation, "order_type %s is not an instant kind", r.Kind)
		}
	}
	if !r.Price.IsPositive() {
		return apperr.New(apperr.Validation, "order_price must be positive")
	}
	if !r.Quantity.IsPositive() {
		return apperr.New(apperr.Validation, "order_quantity must be positive")
	}
	return validateTriggers(r.Kind, r.Price, r.StopLoss, r.TakeProfit)
}

func (s *Service) newOrder(req PlaceRequest, orderID string, status types.OrderStatus) *types.Order {
	now := s.now().UTC()
	return &types.Order{
		OrderID:       orderID,
		UserType:      req.UserType,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Kind:          req.Kind,
		OrderPrice:    types.Round8(req.Price),
		OrderQuantity: types.Round8(req.Quantity),
		OrderStatus:   status,
		Status:        status,
		StopLoss:      types.Round8p(req.StopLoss),
		TakeProfit:    types.Round8p(req.TakeProfit),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PlaceInstant executes a market BUY/SELL. On the local flow the returned
// order is already OPEN with the fill numbers; on the provider flow it is
// QUEUED and will be promoted by the reconciliation worker.
func (s *Service) PlaceInstant(ctx context.Context, req PlaceRequest) (order *types.Order, err error) {
	defer func() {
		id := ""
		if order != nil {
			id = order.OrderID
		}
		s.recordAudit("order_place", req.UserType, req.UserID, id, err)
	}()
	if err := req.validate(false); err != nil {
		return nil, err
	}
	cfg, err := s.loadUser(ctx, req.UserType, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMarketOpen(req.Symbol); err != nil {
		return nil, err
	}

	l, err := s.lockUser(ctx, req.UserType, req.UserID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	orderID, err := s.ids.Next(ctx, ids.Order)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "mint order id", err)
	}
	order = s.newOrder(req, orderID, types.StatusQueued)

	if err := s.db.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.mirrorOrder(ctx, order); err != nil {
		return nil, err
	}

	res, err := s.exec.Instant(ctx, execution.InstantRequest{
		OrderID:       orderID,
		UserType:      req.UserType,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		OrderType:     req.Kind,
		OrderPrice:    order.OrderPrice,
		OrderQuantity: order.OrderQuantity,
		Leverage:      cfg.Leverage,
		Group:         cfg.Group,
		TriggerSource: req.TriggerSource,
	})
	if err != nil {
		s.rejectOrder(ctx, order, "instant_execute", err)
		return nil, err
	}

	if res.Flow == types.FlowProvider {
		s.logger.Info("instant order queued on provider", "order_id", orderID)
		return order, nil
	}
	return s.commitLocalOpen(ctx, order, res)
}

// commitLocalOpen promotes a QUEUED order to OPEN with the engine's fill
// numbers, updates the user's aggregate margin, and emits order_opened.
func (s *Service) commitLocalOpen(ctx context.Context, order *types.Order, res *execution.Result) (*types.Order, error) {
	if res.ExecPrice != nil {
		order.OrderPrice = types.Round8(*res.ExecPrice)
	}
	if res.MarginUSD != nil {
		order.Margin = types.Round8(*res.MarginUSD)
	}
	if res.ContractValue != nil {
		order.ContractValue = types.Round8(*res.ContractValue)
	}
	if res.CommissionEntry != nil {
		order.Commission = types.Round8(*res.CommissionEntry)
	}
	order.OrderStatus = types.StatusOpen
	order.Status = types.StatusOpen
	order.UpdatedAt = s.now().UTC()

	set := map[string]any{
		"order_status":   order.OrderStatus,
		"status":         order.Status,
		"order_price":    order.OrderPrice,
		"margin":         order.Margin,
		"contract_value": order.ContractValue,
		"commission":     order.Commission,
	}
	if err := s.db.ApplyOrderAndAggregates(ctx, order.OrderID, set,
		order.UserType, order.UserID, order.Margin, decimal.Zero); err != nil {
		return nil, err
	}

	if err := s.mirrorOrder(ctx, order); err != nil {
		s.logger.Error("mirror open order", "order_id", order.OrderID, "error", err)
	}
	newMargin, err := s.cache.AdjustUserMargin(ctx, order.UserType, order.UserID, order.Margin)
	if err != nil {
		s.logger.Error("adjust cached margin", "order_id", order.OrderID, "error", err)
	}

	s.bus.EmitUserUpdate(ctx, events.KindOrderOpened, order.UserType, order.UserID, map[string]any{
		"order_id":   order.OrderID,
		"symbol":     order.Symbol,
		"order_type": order.Kind,
		"exec_price": order.OrderPrice.String(),
		"margin":     order.Margin.String(),
	})
	s.bus.EmitUserUpdate(ctx, events.KindUserMarginUpdate, order.UserType, order.UserID, map[string]any{
		"margin": newMargin.String(),
	})

	s.logger.Info("order opened",
		"order_id", order.OrderID, "symbol", order.Symbol,
		"exec_price", order.OrderPrice.String(), "margin", order.Margin.String())
	return order, nil
}

// PlacePending registers a resting order. Local flow arms the trigger index;
// provider flow dispatches the order to the provider with a pre-minted
// cancel id.
func (s *Service) PlacePending(ctx context.Context, req PlaceRequest) (order *types.Order, err error) {
	defer func() {
		id := ""
		if order != nil {
			id = order.OrderID
		}
		s.recordAudit("order_pending_place", req.UserType, req.UserID, id, err)
	}()
	if err := req.validate(true); err != nil {
		return nil, err
	}
	cfg, err := s.loadUser(ctx, req.UserType, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMarketOpen(req.Symbol); err != nil {
		return nil, err
	}
	if _, err := s.liveQuote(ctx, req.Symbol); err != nil {
		return nil, err
	}
	compare, err := s.comparePrice(ctx, cfg.Group, req.Symbol, req.Price)
	if err != nil {
		return nil, err
	}

	l, err := s.lockUser(ctx, req.UserType, req.UserID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	orderID, err := s.ids.Next(ctx, ids.Order)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "mint order id", err)
	}

	providerFlow := cfg.SendingOrders == types.SendProvider
	status := types.StatusPending
	flow := types.FlowLocal
	if providerFlow {
		status = types.StatusPendingQueued
		flow = types.FlowProvider
	}
	order = s.newOrder(req, orderID, status)

	if err := s.db.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	// Minimal mirror for immediate visibility on both paths.
	if err := s.mirrorOrder(ctx, order); err != nil {
		return nil, err
	}

	if providerFlow {
		cancelID, err := s.ids.Next(ctx, ids.Cancel)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "mint cancel id", err)
		}
		order.CancelID = cancelID
		if err := s.db.ApplyOrderUpdate(ctx, orderID, map[string]any{"cancel_id": cancelID}); err != nil {
			return nil, err
		}
		if err := s.cache.PutCanonical(ctx, order); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "mirror cancel id", err)
		}
		if err := s.exec.RegisterLifecycleID(ctx, orderID, cancelID); err != nil {
			s.rejectOrder(ctx, order, "pending_place", err)
			return nil, err
		}
		if _, err := s.exec.PendingPlace(ctx, execution.PendingPlaceRequest{
			OrderID:       orderID,
			UserType:      req.UserType,
			UserID:        req.UserID,
			Symbol:        req.Symbol,
			OrderType:     req.Kind,
			OrderPrice:    order.OrderPrice,
			OrderQuantity: order.OrderQuantity,
			CancelID:      cancelID,
		}); err != nil {
			s.rejectOrder(ctx, order, "pending_place", err)
			return nil, err
		}
	} else {
		if err := s.cache.AddPending(ctx, &types.PendingRecord{
			OrderID:      orderID,
			UserType:     req.UserType,
			UserID:       req.UserID,
			Symbol:       req.Symbol,
			Kind:         req.Kind,
			UserPrice:    order.OrderPrice,
			ComparePrice: compare,
			Quantity:     order.OrderQuantity,
		}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "arm pending trigger", err)
		}
	}

	s.bus.EmitUserUpdate(ctx, events.KindOrderPendingPlaced, req.UserType, req.UserID, map[string]any{
		"order_id":      orderID,
		"symbol":        req.Symbol,
		"order_type":    req.Kind,
		"order_price":   order.OrderPrice.String(),
		"compare_price": compare.String(),
	})

	s.logger.Info("pending order placed",
		"order_id", orderID, "symbol", req.Symbol, "kind", req.Kind,
		"flow", flow)
	return order, nil
}

// mirrorOrder writes the canonical record, the user holding projection, and
// symbol-holder membership. Canonical and holdings live in different slots,
// so the writes are sequential.
func (s *Service) mirrorOrder(ctx context.Context, o *types.Order) error {
	if err := s.cache.PutCanonical(ctx, o); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror canonical", err)
	}
	if err := s.cache.PutHolding(ctx, o); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror holding", err)
	}
	if err := s.cache.AddSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID); err != nil {
		return apperr.Wrap(apperr.Transient, "mirror symbol holder", err)
	}
	return nil
}

// evictOrder removes every cache trace of a terminal order.
func (s *Service) evictOrder(ctx context.Context, o *types.Order) {
	if err := s.cache.DeleteCanonical(ctx, o.OrderID); err != nil {
		s.logger.Warn("evict canonical", "order_id", o.OrderID, "error", err)
	}
	if err := s.cache.RemoveHolding(ctx, o.UserType, o.UserID, o.OrderID); err != nil {
		s.logger.Warn("evict holding", "order_id", o.OrderID, "error", err)
	}
	remaining, err := s.cache.UserOrderIDs(ctx, o.UserType, o.UserID)
	if err == nil && len(remaining) == 0 {
		if err := s.cache.RemoveSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID); err != nil {
			s.logger.Warn("evict symbol holder", "order_id", o.OrderID, "error", err)
		}
	}
}

// rejectOrder records an engine failure: durable row goes REJECTED with the
// structured reason, the cache mirror is evicted, and the rejection is
// persisted and announced. Business rejections (Remote) keep their kind so
// callers answer 400/409; everything else surfaces as the original error.
func (s *Service) rejectOrder(ctx context.Context, o *types.Order, rejType string, cause error) {
	reason := apperr.ReasonOf(cause)
	if reason == "" {
		reason = cause.Error()
	}
	o.OrderStatus = types.StatusRejected
	o.Status = types.StatusRejected

	if err := s.db.ApplyOrderUpdate(ctx, o.OrderID, map[string]any{
		"order_status": types.StatusRejected,
		"status":       types.StatusRejected,
	}); err != nil {
		s.logger.Error("mark order rejected", "order_id", o.OrderID, "error", err)
	}
	s.evictOrder(ctx, o)
	s.recordRejection(ctx, o, rejType, reason, o.Margin)
}
