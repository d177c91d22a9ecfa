// Package events fans order lifecycle events out to per-user subscribers.
//
// Events are delivered in-process to subscribed channels and also published
// onto the portfolio_events channel in Redis so sibling processes can re-emit
// to their own subscribers. Published messages carry the emitting process's
// source tag; receivers drop self-published messages.
//
// Ordering is best-effort: the bus is fan-out, not a queue. End-to-end
// ordering comes from the reconciliation worker ordering upstream.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecore/pkg/types"
)

// Event kinds emitted by the core.
const (
	KindOrderOpened           = "order_opened"
	KindOrderClosed           = "order_closed"
	KindOrderUpdate           = "order_update"
	KindOrderPendingPlaced    = "order_pending_placed"
	KindOrderPendingTriggered = "order_pending_triggered"
	KindOrderPendingCancelled = "order_pending_cancelled"
	KindWalletBalanceUpdate   = "wallet_balance_update"
	KindUserMarginUpdate      = "user_margin_update"
	KindOrderRejectionCreated = "order_rejection_created"
)

// Event is one user-scoped lifecycle notification.
type Event struct {
	Kind      string         `json:"kind"`
	UserType  types.UserType `json:"user_type"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source"` // emitting process tag
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	ch chan Event
}

// Bus is the in-process fan-out hub. One long-lived value per process; the
// pub/sub bridge (bridge.go) attaches at startup.
type Bus struct {
	source string // this process's tag, set once

	mu   sync.RWMutex
	subs map[string][]*subscriber // user key -> subscribers

	publish func(ctx context.Context, ev Event) // nil until a bridge attaches

	logger *slog.Logger
}

// NewBus creates an event bus with a fresh process source tag.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		source: uuid.NewString(),
		subs:   make(map[string][]*subscriber),
		logger: logger.With("component", "events"),
	}
}

// Source returns this process's tag.
func (b *Bus) Source() string { return b.source }

func userKey(userType types.UserType, userID string) string {
	return string(userType) + ":" + userID
}

// Subscribe attaches a per-user subscriber. The returned cancel function
// detaches it and closes the channel.
func (b *Bus) Subscribe(userType types.UserType, userID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 64)}
	key := userKey(userType, userID)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[key]
		for i, s := range list {
			if s == sub {
				b.subs[key] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	return sub.ch, cancel
}

// EmitUserUpdate delivers an event to local subscribers and publishes it for
// sibling processes. Slow subscribers are skipped, never blocked on.
func (b *Bus) EmitUserUpdate(ctx context.Context, kind string, userType types.UserType, userID string, payload map[string]any) {
	ev := Event{
		Kind:      kind,
		UserType:  userType,
		UserID:    userID,
		Payload:   payload,
		Source:    b.source,
		Timestamp: time.Now().UTC(),
	}

	b.deliverLocal(ev)

	if b.publish != nil {
		b.publish(ctx, ev)
	}
}

// deliverLocal hands the event to this process's subscribers.
func (b *Bus) deliverLocal(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[userKey(ev.UserType, ev.UserID)] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"kind", ev.Kind, "user", userKey(ev.UserType, ev.UserID))
		}
	}
}
