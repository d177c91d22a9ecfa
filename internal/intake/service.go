// Package intake implements the order intent handlers: place (instant and
// pending), close, cancel, and the stop-loss/take-profit trigger operations.
//
// Every intent shares the same skeleton: validate, authorize, acquire the
// per-user lock, mint ids, write the durable row, mirror to the cache, call
// the execution engine, and commit immediately only when the engine answers
// flow=local. Provider-flow intents stay staged until the reconciliation
// worker applies the confirmation from the bus.
package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/audit"
	"tradecore/internal/cache"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/ids"
	"tradecore/internal/lock"
	"tradecore/internal/payout"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Lock scope for intent critical sections.
const userOpsScope = "node_user_ops"

// Default for how old a mirrored quote may be before pending placement
// refuses it, when market_data.stale_after is unset.
const defaultQuoteStaleAfter = 30 * time.Second

// Durable is the slice of the relational store the intake path writes.
type Durable interface {
	CreateOrder(ctx context.Context, o *types.Order) error
	ApplyOrderUpdate(ctx context.Context, orderID string, set map[string]any) error
	ApplyOrderAndAggregates(ctx context.Context, orderID string, set map[string]any,
		userType types.UserType, userID string, marginDelta, netProfitDelta decimal.Decimal) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	InsertRejection(ctx context.Context, r *types.RejectionRecord) error
}

// Executor is the engine RPC surface the handlers dispatch to.
type Executor interface {
	Instant(ctx context.Context, req execution.InstantRequest) (*execution.Result, error)
	Close(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	StopLossAdd(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	StopLossCancel(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	TakeProfitAdd(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	TakeProfitCancel(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	PendingPlace(ctx context.Context, req execution.PendingPlaceRequest) (*execution.Result, error)
	PendingModify(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	PendingCancel(ctx context.Context, req execution.LifecycleRequest) (*execution.Result, error)
	RegisterLifecycleID(ctx context.Context, orderID, lifecycleID string) error
}

// Payouts settles closes committed on the local flow.
type Payouts interface {
	Apply(ctx context.Context, s payout.Settlement) (decimal.Decimal, error)
}

// Recorder receives one entry per intent outcome, accepted or rejected.
type Recorder interface {
	Record(e audit.Entry) error
}

// Service holds the dependencies shared by all intent handlers.
type Service struct {
	cache *cache.Store
	db    Durable
	exec  Executor
	pay   Payouts
	locks *lock.Manager
	ids   *ids.Generator
	bus   *events.Bus
	audit Recorder // optional; nil disables intent auditing

	lockTTL    time.Duration
	staleAfter time.Duration
	crypto     map[string]bool // symbols exempt from market-hours checks

	now    func() time.Time
	logger *slog.Logger
}

// NewService wires the intake handlers.
func NewService(cacheStore *cache.Store, db Durable, exec Executor, pay Payouts,
	locks *lock.Manager, gen *ids.Generator, bus *events.Bus,
	lockTTL, staleAfter time.Duration, cryptoSymbols []string, logger *slog.Logger) *Service {
	crypto := make(map[string]bool, len(cryptoSymbols))
	for _, s := range cryptoSymbols {
		crypto[s] = true
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = defaultQuoteStaleAfter
	}
	return &Service{
		cache:      cacheStore,
		db:         db,
		exec:       exec,
		pay:        pay,
		locks:      locks,
		ids:        gen,
		bus:        bus,
		lockTTL:    lockTTL,
		staleAfter: staleAfter,
		crypto:     crypto,
		now:        time.Now,
		logger:     logger.With("component", "intake"),
	}
}

// SetAudit attaches the intent audit log.
func (s *Service) SetAudit(r Recorder) {
	s.audit = r
}

// recordAudit appends the intent outcome to the audit log. Audit failures
// never fail the intent.
func (s *Service) recordAudit(action string, userType types.UserType, userID, orderID string, err error) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{
		Action:   action,
		OrderID:  orderID,
		UserType: userType,
		UserID:   userID,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if rerr := s.audit.Record(e); rerr != nil {
		s.logger.Warn("audit record", "action", action, "error", rerr)
	}
}

// loadUser fetches the user config and applies the authorization gates common
// to every intent.
func (s *Service) loadUser(ctx context.Context, userType types.UserType, userID string) (*types.UserConfig, error) {
	if !userType.Valid() || userID == "" {
		return nil, apperr.New(apperr.Validation, "invalid user reference")
	}
	cfg, err := s.cache.GetUserConfig(ctx, userType, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "load user config", err)
	}
	if cfg == nil {
		return nil, apperr.Newf(apperr.NotFound, "user %s:%s not found", userType, userID)
	}
	if !cfg.IsActive {
		return nil, apperr.New(apperr.Auth, "account inactive")
	}
	if cfg.Status != "" && cfg.Status != "active" {
		return nil, apperr.Newf(apperr.Auth, "account status %q", cfg.Status)
	}
	if !cfg.IsSelfTrading {
		return nil, apperr.New(apperr.Auth, "self-trading disabled")
	}
	return cfg, nil
}

// requireMarketOpen rejects non-crypto intents outside weekday hours.
func (s *Service) requireMarketOpen(symbol string) error {
	if s.crypto[symbol] {
		return nil
	}
	switch s.now().UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return apperr.Newf(apperr.Auth, "market closed for %s", symbol)
	}
	return nil
}

// lockUser acquires the per-user intent lock. A held lock means a concurrent
// intent is in its critical section.
func (s *Service) lockUser(ctx context.Context, userType types.UserType, userID string) (*lock.Lock, error) {
	l, err := s.locks.Acquire(ctx, userOpsScope, userType, userID, s.lockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "acquire user lock", err)
	}
	if l == nil {
		return nil, apperr.New(apperr.Precondition, "another operation is in progress for this user")
	}
	return l, nil
}

func (s *Service) unlock(ctx context.Context, l *lock.Lock) {
	if err := s.locks.Release(ctx, l); err != nil {
		s.logger.Warn("release user lock", "error", err)
	}
}

// lookupOrder resolves an order by id: canonical cache first, durable store
// as the fallback (canonical is absent after terminal states).
func (s *Service) lookupOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if orderID == "" {
		return nil, apperr.New(apperr.Validation, "order_id required")
	}
	o, err := s.cache.GetCanonical(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read canonical order", err)
	}
	if o != nil {
		return o, nil
	}
	o, err = s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.Newf(apperr.NotFound, "order %s not found", orderID)
	}
	return o, nil
}

// requireOwner guards against cross-user order access.
func requireOwner(o *types.Order, userType types.UserType, userID string) error {
	if o.UserType != userType || o.UserID != userID {
		return apperr.Newf(apperr.NotFound, "order %s not found", o.OrderID)
	}
	return nil
}

// recordRejection persists the rejection and notifies the user's session.
func (s *Service) recordRejection(ctx context.Context, o *types.Order, rejType, reason string, releasedMargin decimal.Decimal) {
	rec := &types.RejectionRecord{
		CanonicalOrderID: o.OrderID,
		RejectionType:    rejType,
		Reason:           reason,
		Symbol:           o.Symbol,
		UserType:         o.UserType,
		UserID:           o.UserID,
		ReleasedMargin:   types.Round8(releasedMargin),
		CreatedAt:        s.now().UTC(),
	}
	if err := s.db.InsertRejection(ctx, rec); err != nil {
		s.logger.Error("insert rejection", "order_id", o.OrderID, "error", err)
	}
	s.bus.EmitUserUpdate(ctx, events.KindOrderRejectionCreated, o.UserType, o.UserID, map[string]any{
		"canonical_order_id": o.OrderID,
		"rejection_type":     rejType,
		"reason":             reason,
		"symbol":             o.Symbol,
	})
}

// comparePrice derives the trigger compare price for a pending order:
// user_price - half_spread, ask-based for all four kinds. Trigger polarity
// is the worker's job.
func (s *Service) comparePrice(ctx context.Context, group, symbol string, userPrice decimal.Decimal) (decimal.Decimal, error) {
	spread, err := s.cache.GetGroupSpread(ctx, group, symbol)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.Transient, "load group spread", err)
	}
	half := decimal.Zero
	if spread != nil {
		half = spread.HalfSpread()
	}
	return types.Round8(userPrice.Sub(half)), nil
}

// liveQuote reads the mirrored market price and refuses stale or missing data.
func (s *Service) liveQuote(ctx context.Context, symbol string) (*types.MarketPrice, error) {
	q, err := s.cache.GetMarketPrice(ctx, symbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read market price", err)
	}
	if q == nil {
		return nil, apperr.Newf(apperr.Transient, "no market price for %s", symbol)
	}
	if s.now().UTC().Sub(q.UpdatedAt) > s.staleAfter {
		return nil, apperr.Newf(apperr.Transient, "market price for %s is stale", symbol)
	}
	return q, nil
}

// validateTriggers enforces SL/TP polarity against the order price:
// BUY requires stop_loss < price < take_profit, SELL the reverse.
func validateTriggers(kind types.OrderKind, price decimal.Decimal, sl, tp *decimal.Decimal) error {
	if sl != nil && !sl.IsPositive() {
		return apperr.New(apperr.Validation, "stop_loss must be positive")
	}
	if tp != nil && !tp.IsPositive() {
		return apperr.New(apperr.Validation, "take_profit must be positive")
	}
	side := kind.Side()
	if sl != nil {
		if side == types.Buy && sl.GreaterThanOrEqual(price) {
			return apperr.New(apperr.Validation, "stop_loss must be below order price for BUY")
		}
		if side == types.Sell && sl.LessThanOrEqual(price) {
			return apperr.New(apperr.Validation, "stop_loss must be above order price for SELL")
		}
	}
	if tp != nil {
		if side == types.Buy && tp.LessThanOrEqual(price) {
			return apperr.New(apperr.Validation, "take_profit must be above order price for BUY")
		}
		if side == types.Sell && tp.GreaterThanOrEqual(price) {
			return apperr.New(apperr.Validation, "take_profit must be below order price for SELL")
		}
	}
	return nil
}
