package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/cache"
	"tradecore/pkg/types"
)

// Listener receives every applied tick. Callbacks must not block; they run
// on the mirror's consume goroutine.
type Listener func(tick Tick)

// Prices holds the latest quote per symbol. In-memory reads serve the hot
// paths (trigger scans, autocutoff equity); every update is also mirrored
// into Redis so other processes and the operator API can read it.
type Prices struct {
	mu     sync.RWMutex
	quotes map[string]types.MarketPrice

	listenerMu sync.RWMutex
	listeners  []Listener

	store  *cache.Store
	logger *slog.Logger
}

// NewPrices creates an empty price mirror.
func NewPrices(store *cache.Store, logger *slog.Logger) *Prices {
	return &Prices{
		quotes: make(map[string]types.MarketPrice),
		store:  store,
		logger: logger.With("component", "prices"),
	}
}

// OnTick registers a listener called for every applied tick.
func (p *Prices) OnTick(l Listener) {
	p.listenerMu.Lock()
	p.listeners = append(p.listeners, l)
	p.listenerMu.Unlock()
}

// Get returns the latest quote for a symbol, or false when none seen yet.
func (p *Prices) Get(symbol string) (types.MarketPrice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[symbol]
	return q, ok
}

// Symbols returns all symbols with a known quote.
func (p *Prices) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.quotes))
	for s := range p.quotes {
		out = append(out, s)
	}
	return out
}

// Run consumes the feed's ticks until ctx is cancelled.
func (p *Prices) Run(ctx context.Context, ticks <-chan Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			p.Apply(ctx, tick)
		}
	}
}

// Apply stores one tick and fans it out to listeners. Stale ticks (older
// than the held quote) are dropped.
func (p *Prices) Apply(ctx context.Context, tick Tick) {
	now := time.Now().UTC()
	quote := types.MarketPrice{
		Symbol:    tick.Symbol,
		Bid:       tick.Bid,
		Ask:       tick.Ask,
		UpdatedAt: now,
	}

	p.mu.Lock()
	prev, seen := p.quotes[tick.Symbol]
	if seen && tick.Timestamp > 0 && tick.Timestamp < prev.UpdatedAt.UnixMilli()-1000 {
		p.mu.Unlock()
		return
	}
	p.quotes[tick.Symbol] = quote
	p.mu.Unlock()

	if err := p.store.SetMarketPrice(ctx, &quote); err != nil {
		p.logger.Warn("mirror market price", "symbol", tick.Symbol, "error", err)
	}

	p.listenerMu.RLock()
	listeners := p.listeners
	p.listenerMu.RUnlock()
	for _, l := range listeners {
		l(tick)
	}
}
