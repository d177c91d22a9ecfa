// ratelimit.go implements token-bucket rate limiting for the pricing-engine RPC.
//
// The engine enforces per-category limits on internal callers. This file
// provides a smooth token-bucket implementation that refills continuously to
// avoid hitting hard limits in bursts.
//
// Three buckets are maintained:
//   - Execute: instant executions and pending triggers
//   - Close:   closes, SL/TP adds and cancels
//   - Pending: pending place/modify/cancel and lifecycle-id registration
package execution

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by engine RPC category.
type RateLimiter struct {
	Execute *TokenBucket // instant executions, pending triggers
	Close   *TokenBucket // closes, SL/TP round trips
	Pending *TokenBucket // pending place/modify/cancel, id registration
}

// NewRateLimiter creates rate limiters tuned to the engine's internal limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Execute: NewTokenBucket(200, 40),
		Close:   NewTokenBucket(200, 40),
		Pending: NewTokenBucket(100, 20),
	}
}
