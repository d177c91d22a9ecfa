// Package risk runs the autocutoff monitor: a margin-level liquidation sweep
// driven by price ticks.
//
// On every tick the monitor re-marks the equity of each user holding the
// ticked symbol. When equity falls below cutoff_level of the user's aggregate
// used margin, every open order the user holds is closed with the autocutoff
// trigger. A per-user cooldown keeps the sweep from re-firing while the
// dispatched closes settle through the reconciliation bus.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
	"tradecore/internal/config"
	"tradecore/internal/marketdata"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Closer dispatches a triggered close for one order.
type Closer interface {
	CloseTriggered(ctx context.Context, userType types.UserType, userID, orderID string, trigger types.TriggerKind) (*types.Order, error)
}

// Quotes serves the latest market quote per symbol.
type Quotes interface {
	Get(symbol string) (types.MarketPrice, bool)
}

// Monitor evaluates margin levels off the tick stream and sweeps accounts
// that fall below the cutoff.
type Monitor struct {
	cfg    config.AutocutoffConfig
	cache  *cache.Store
	quotes Quotes
	closer Closer
	logger *slog.Logger

	mu       sync.Mutex
	cooldown map[string]time.Time // "type:id" until

	tickCh chan marketdata.Tick
	now    func() time.Time
}

// NewMonitor creates the autocutoff monitor.
func NewMonitor(cfg config.AutocutoffConfig, cacheStore *cache.Store, quotes Quotes,
	closer Closer, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		cache:    cacheStore,
		quotes:   quotes,
		closer:   closer,
		logger:   logger.With("component", "autocutoff"),
		cooldown: make(map[string]time.Time),
		tickCh:   make(chan marketdata.Tick, 100),
		now:      time.Now,
	}
}

// Notify submits a tick for evaluation (non-blocking). Registered as a price
// mirror listener; sweeps run on the monitor's own goroutine so the RPC
// round-trips never stall the tick pipeline.
func (m *Monitor) Notify(tick marketdata.Tick) {
	if !m.cfg.Enabled {
		return
	}
	select {
	case m.tickCh <- tick:
	default:
		// A newer tick for the symbol will arrive; dropping is safe.
	}
}

// Run evaluates queued ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-m.tickCh:
			m.Scan(ctx, tick.Symbol)
		}
	}
}

// Scan evaluates every holder of the symbol, both account types.
func (m *Monitor) Scan(ctx context.Context, symbol string) {
	for _, userType := range []types.UserType{types.UserLive, types.UserDemo} {
		holders, err := m.cache.SymbolHolders(ctx, symbol, userType)
		if err != nil {
			m.logger.Warn("list symbol holders", "symbol", symbol, "error", err)
			continue
		}
		for _, userID := range holders {
			m.evaluate(ctx, userType, userID)
		}
	}
}

// evaluate re-marks one account and sweeps it when the margin level is below
// the cutoff.
func (m *Monitor) evaluate(ctx context.Context, userType types.UserType, userID string) {
	key := string(userType) + ":" + userID
	now := m.now()

	m.mu.Lock()
	until, held := m.cooldown[key]
	if held && now.Before(until) {
		m.mu.Unlock()
		return
	}
	delete(m.cooldown, key)
	m.mu.Unlock()

	cfg, err := m.cache.GetUserConfig(ctx, userType, userID)
	if err != nil || cfg == nil {
		return
	}
	if !cfg.Margin.IsPositive() {
		return
	}

	open, unrealized, complete := m.markOpenOrders(ctx, userType, userID)
	if len(open) == 0 || !complete {
		// A missing quote understates equity; never liquidate on a partial mark.
		return
	}

	equity := cfg.WalletBalance.Add(unrealized)
	cutoff := cfg.Margin.Mul(decimal.NewFromFloat(m.cfg.CutoffLevel))
	if equity.GreaterThanOrEqual(cutoff) {
		return
	}

	m.logger.Warn("margin level below cutoff, sweeping account",
		"user_type", userType, "user_id", userID,
		"equity", equity.String(), "margin", cfg.Margin.String(),
		"cutoff_level", m.cfg.CutoffLevel)

	m.mu.Lock()
	m.cooldown[key] = now.Add(m.cfg.Cooldown)
	m.mu.Unlock()

	for _, o := range open {
		if _, err := m.closer.CloseTriggered(ctx, userType, userID, o.OrderID, types.TriggerAutocutoff); err != nil {
			// Precondition means a close is already in flight for the order.
			if apperr.Is(err, apperr.Precondition) {
				continue
			}
			m.logger.Error("autocutoff close", "order_id", o.OrderID, "error", err)
		}
	}
}

// markOpenOrders loads the user's open holdings and marks them against the
// latest quotes. complete is false when any open order lacks a quote.
func (m *Monitor) markOpenOrders(ctx context.Context, userType types.UserType, userID string) (open []*types.Order, unrealized decimal.Decimal, complete bool) {
	ids, err := m.cache.UserOrderIDs(ctx, userType, userID)
	if err != nil {
		m.logger.Warn("list user holdings", "user_id", userID, "error", err)
		return nil, decimal.Zero, false
	}

	complete = true
	for _, orderID := range ids {
		o, err := m.cache.GetHolding(ctx, userType, userID, orderID)
		if err != nil || o == nil || o.OrderStatus != types.StatusOpen {
			continue
		}
		open = append(open, o)

		quote, ok := m.quotes.Get(o.Symbol)
		if !ok {
			complete = false
			continue
		}
		// Marked at the exit price: buys close at the bid, sells at the ask.
		var pnl decimal.Decimal
		if o.Kind.Side() == types.Buy {
			pnl = quote.Bid.Sub(o.OrderPrice).Mul(o.OrderQuantity)
		} else {
			pnl = o.OrderPrice.Sub(quote.Ask).Mul(o.OrderQuantity)
		}
		unrealized = unrealized.Add(types.Round8(pnl))
	}
	return open, unrealized, complete
}
