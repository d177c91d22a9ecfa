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

// triggerSpec parameterizes the four SL/TP operations over their lifecycle-id
// class, column names, and RPC method.
type triggerSpec struct {
	name     string
	action   string // audit log action name
	idClass  ids.Class
	idColumn string
	column   string
	dispatch func(*Service, context.Context, execution.LifecycleRequest) (*execution.Result, error)

	inFlightID func(*types.Order) string
	setID      func(*types.Order, string)
	level      func(*types.Order) *decimal.Decimal
	setLevel   func(*types.Order, *decimal.Decimal)
}

var stopLossAdd = triggerSpec{
	name:     "stoploss add",
	action:   "stoploss_add",
	idClass:  ids.StopLoss,
	idColumn: "stoploss_id",
	column:   "stop_loss",
	dispatch: func(s *Service, ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error) {
		return s.exec.StopLossAdd(ctx, req)
	},
	inFlightID: func(o *types.Order) string { return o.StopLossID },
	setID:      func(o *types.Order, id string) { o.StopLossID = id },
	level:      func(o *types.Order) *decimal.Decimal { return o.StopLoss },
	setLevel:   func(o *types.Order, d *decimal.Decimal) { o.StopLoss = d },
}

var stopLossCancel = triggerSpec{
	name:     "stoploss cancel",
	action:   "stoploss_cancel",
	idClass:  ids.StopLossCancel,
	idColumn: "stoploss_cancel_id",
	column:   "stop_loss",
	dispatch: func(s *Service, ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error) {
		return s.exec.StopLossCancel(ctx, req)
	},
	inFlightID: func(o *types.Order) string { return o.StopLossCancelID },
	setID:      func(o *types.Order, id string) { o.StopLossCancelID = id },
	level:      func(o *types.Order) *decimal.Decimal { return o.StopLoss },
	setLevel:   func(o *types.Order, d *decimal.Decimal) { o.StopLoss = d },
}

var takeProfitAdd = triggerSpec{
	name:     "takeprofit add",
	action:   "takeprofit_add",
	idClass:  ids.TakeProfit,
	idColumn: "takeprofit_id",
	column:   "take_profit",
	dispatch: func(s *Service, ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error) {
		return s.exec.TakeProfitAdd(ctx, req)
	},
	inFlightID: func(o *types.Order) string { return o.TakeProfitID },
	setID:      func(o *types.Order, id string) { o.TakeProfitID = id },
	level:      func(o *types.Order) *decimal.Decimal { return o.TakeProfit },
	setLevel:   func(o *types.Order, d *decimal.Decimal) { o.TakeProfit = d },
}

var takeProfitCancel = triggerSpec{
	name:     "takeprofit cancel",
	action:   "takeprofit_cancel",
	idClass:  ids.TakeProfitCancel,
	idColumn: "takeprofit_cancel_id",
	column:   "take_profit",
	dispatch: func(s *Service, ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error) {
		return s.exec.TakeProfitCancel(ctx, req)
	},
	inFlightID: func(o *types.Order) string { return o.TakeProfitCancelID },
	setID:      func(o *types.Order, id string) { o.TakeProfitCancelID = id },
	level:      func(o *types.Order) *decimal.Decimal { return o.TakeProfit },
	setLevel:   func(o *types.Order, d *decimal.Decimal) { o.TakeProfit = d },
}

// StopLossAdd attaches or replaces the stop-loss level on an OPEN order.
func (s *Service) StopLossAdd(ctx context.Context, userType types.UserType, userID, orderID string, level decimal.Decimal) (*types.Order, error) {
	return s.addTrigger(ctx, stopLossAdd, userType, userID, orderID, level)
}

// StopLossCancel removes the stop-loss from an OPEN order.
func (s *Service) StopLossCancel(ctx context.Context, userType types.UserType, userID, orderID string) (*types.Order, error) {
	return s.cancelTrigger(ctx, stopLossCancel, userType, userID, orderID)
}

// TakeProfitAdd attaches or replaces the take-profit level on an OPEN order.
func (s *Service) TakeProfitAdd(ctx context.Context, userType types.UserType, userID, orderID string, level decimal.Decimal) (*types.Order, error) {
	return s.addTrigger(ctx, takeProfitAdd, userType, userID, orderID, level)
}

// TakeProfitCancel removes the take-profit from an OPEN order.
func (s *Service) TakeProfitCancel(ctx context.Context, userType types.UserType, userID, orderID string) (*types.Order, error) {
	return s.cancelTrigger(ctx, takeProfitCancel, userType, userID, orderID)
}

// loadOpenOrder shares the precondition gate for trigger operations: owner
// match, OPEN status, and no close in flight.
func (s *Service) loadOpenOrder(ctx context.Context, userType types.UserType, userID, orderID string) (*types.Order, error) {
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
	if order.OrderStatus != types.StatusOpen {
		return nil, apperr.Newf(apperr.Precondition, "order %s is %s, not OPEN", orderID, order.OrderStatus)
	}
	if order.CloseID != "" {
		return nil, apperr.Newf(apperr.Precondition, "order %s is closing; cannot modify triggers", orderID)
	}
	return order, nil
}

func (s *Service) addTrigger(ctx context.Context, spec triggerSpec, userType types.UserType, userID, orderID string, level decimal.Decimal) (result *types.Order, err error) {
	defer func() { s.recordAudit(spec.action, userType, userID, orderID, err) }()
	order, err := s.loadOpenOrder(ctx, userType, userID, orderID)
	if err != nil {
		return nil, err
	}
	level = types.Round8(level)

	sl, tp := order.StopLoss, order.TakeProfit
	if spec.column == "stop_loss" {
		sl = &level
	} else {
		tp = &level
	}
	if err := validateTriggers(order.Kind, order.OrderPrice, sl, tp); err != nil {
		return nil, err
	}
	if spec.inFlightID(order) != "" {
		return nil, apperr.Newf(apperr.Precondition, "order %s has a %s in flight", orderID, spec.name)
	}

	l, err := s.lockUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	lifecycleID, err := s.ids.Next(ctx, spec.idClass)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "mint lifecycle id", err)
	}
	spec.setID(order, lifecycleID)
	if err := s.stageLifecycle(ctx, order, map[string]any{spec.idColumn: lifecycleID}); err != nil {
		return nil, err
	}

	res, err := spec.dispatch(s, ctx, execution.LifecycleRequest{
		OrderID:     orderID,
		UserType:    userType,
		UserID:      userID,
		LifecycleID: lifecycleID,
		Price:       &level,
	})
	if err != nil {
		s.revertLifecycle(ctx, order, map[string]any{spec.idColumn: ""},
			func(o *types.Order) { spec.setID(o, "") })
		return nil, err
	}
	if res.Flow == types.FlowProvider {
		s.logger.Info(spec.name+" queued on provider", "order_id", orderID, "lifecycle_id", lifecycleID)
		return order, nil
	}

	// Local flow: commit the level and retire the lifecycle id.
	spec.setLevel(order, &level)
	spec.setID(order, "")
	if err := s.db.ApplyOrderUpdate(ctx, orderID, map[string]any{
		spec.column:   level,
		spec.idColumn: "",
	}); err != nil {
		return nil, err
	}
	if err := s.mirrorOrder(ctx, order); err != nil {
		s.logger.Error("mirror trigger update", "order_id", orderID, "error", err)
	}
	s.bus.EmitUserUpdate(ctx, events.KindOrderUpdate, userType, userID, map[string]any{
		"order_id":  orderID,
		spec.column: level.String(),
	})
	s.logger.Info(spec.name+" committed", "order_id", orderID, spec.column, level.String())
	return order, nil
}

func (s *Service) cancelTrigger(ctx context.Context, spec triggerSpec, userType types.UserType, userID, orderID string) (result *types.Order, err error) {
	defer func() { s.recordAudit(spec.action, userType, userID, orderID, err) }()
	order, err := s.loadOpenOrder(ctx, userType, userID, orderID)
	if err != nil {
		return nil, err
	}
	if spec.level(order) == nil {
		return nil, apperr.Newf(apperr.Precondition, "order %s has no %s to cancel", orderID, spec.column)
	}
	if spec.inFlightID(order) != "" {
		return nil, apperr.Newf(apperr.Precondition, "order %s has a %s in flight", orderID, spec.name)
	}

	l, err := s.lockUser(ctx, userType, userID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, l)

	lifecycleID, err := s.ids.Next(ctx, spec.idClass)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "mint lifecycle id", err)
	}
	spec.setID(order, lifecycleID)
	if err := s.stageLifecycle(ctx, order, map[string]any{spec.idColumn: lifecycleID}); err != nil {
		return nil, err
	}

	res, err := spec.dispatch(s, ctx, execution.LifecycleRequest{
		OrderID:     orderID,
		UserType:    userType,
		UserID:      userID,
		LifecycleID: lifecycleID,
	})
	if err != nil {
		s.revertLifecycle(ctx, order, map[string]any{spec.idColumn: ""},
			func(o *types.Order) { spec.setID(o, "") })
		return nil, err
	}
	if res.Flow == types.FlowProvider {
		s.logger.Info(spec.name+" queued on provider", "order_id", orderID, "lifecycle_id", lifecycleID)
		return order, nil
	}

	spec.setLevel(order, nil)
	spec.setID(order, "")
	if err := s.db.ApplyOrderUpdate(ctx, orderID, map[string]any{
		spec.column:   nil,
		spec.idColumn: "",
	}); err != nil {
		return nil, err
	}
	if err := s.mirrorOrder(ctx, order); err != nil {
		s.logger.Error("mirror trigger update", "order_id", orderID, "error", err)
	}
	s.bus.EmitUserUpdate(ctx, events.KindOrderUpdate, userType, userID, map[string]any{
		"order_id":  orderID,
		spec.column: nil,
	})
	s.logger.Info(spec.name+" committed", "order_id", orderID)
	return order, nil
}
