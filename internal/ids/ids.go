// Package ids mints the typed identifiers used throughout the order core.
//
// Every id has the shape <prefix>_<YYYYMMDD>_<seq>, e.g. ord_20250930_0001.
// The sequence is a Redis INCR on a per-prefix, per-day key, so ids stay
// monotonic within a calendar day across process restarts and concurrent
// callers. Callers treat ids as opaque strings; only ordering within a day
// is guaranteed.
package ids

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class is the id prefix identifying what the id names. Lifecycle-id classes
// identify exactly one round trip with the provider.
type Class string

const (
	Order            Class = "ord"
	Close            Class = "cls"
	Cancel           Class = "cxl"
	Modify           Class = "mod"
	StopLoss         Class = "sl"
	StopLossCancel   Class = "sl_cxl"
	TakeProfit       Class = "tp"
	TakeProfitCancel Class = "tp_cxl"
	Transaction      Class = "txn"
)

// seqTTL keeps yesterday's counters around long enough for any stragglers,
// then lets them expire.
const seqTTL = 48 * time.Hour

// Generator mints ids backed by Redis sequences.
type Generator struct {
	rdb redis.Cmdable
	now func() time.Time
}

// New creates a generator. now defaults to time.Now when nil (tests inject a
// fixed clock).
func New(rdb redis.Cmdable, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{rdb: rdb, now: now}
}

// Next mints the next id of the given class for today.
func (g *Generator) Next(ctx context.Context, class Class) (string, error) {
	day := g.now().UTC().Format("20060102")
	key := fmt.Sprintf("id_seq:%s:%s", class, day)

	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("id sequence %s: %w", key, err)
	}
	if n == 1 {
		// First id of the day owns the expiry.
		g.rdb.Expire(ctx, key, seqTTL)
	}

	return fmt.Sprintf("%s_%s_%04d", class, day, n), nil
}
