package marketdata

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/internal/cache"
)

func newTestPrices(t *testing.T) *Prices {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPrices(cache.NewStore(rdb), logger)
}

func TestApplyAndGet(t *testing.T) {
	t.Parallel()
	p := newTestPrices(t)
	ctx := context.Background()

	p.Apply(ctx, Tick{
		Symbol: "EURUSD",
		Bid:    decimal.RequireFromString("1.09998"),
		Ask:    decimal.RequireFromString("1.10002"),
	})

	q, ok := p.Get("EURUSD")
	if !ok {
		t.Fatal("quote not stored")
	}
	if !q.Ask.Equal(decimal.RequireFromString("1.10002")) {
		t.Errorf("ask = %s", q.Ask)
	}

	// Mirrored into the cache too.
	mirrored, err := p.store.GetMarketPrice(ctx, "EURUSD")
	if err != nil {
		t.Fatalf("GetMarketPrice: %v", err)
	}
	if mirrored == nil || !mirrored.Bid.Equal(q.Bid) {
		t.Errorf("mirrored = %+v", mirrored)
	}
}

func TestListenersReceiveTicks(t *testing.T) {
	t.Parallel()
	p := newTestPrices(t)

	var got []Tick
	p.OnTick(func(tick Tick) { got = append(got, tick) })

	p.Apply(context.Background(), Tick{Symbol: "XAUUSD", Bid: decimal.NewFromInt(2400), Ask: decimal.NewFromInt(2401)})

	if len(got) != 1 || got[0].Symbol != "XAUUSD" {
		t.Errorf("listener received %+v", got)
	}
}

func TestSymbols(t *testing.T) {
	t.Parallel()
	p := newTestPrices(t)
	ctx := context.Background()

	p.Apply(ctx, Tick{Symbol: "EURUSD", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1)})
	p.Apply(ctx, Tick{Symbol: "GBPUSD", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1)})

	if n := len(p.Symbols()); n != 2 {
		t.Errorf("symbols = %d, want 2", n)
	}
}
