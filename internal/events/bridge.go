package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel carrying cross-process portfolio events.
const Channel = "portfolio_events"

// Bridge relays events between sibling processes over Redis pub/sub.
// It owns its subscription goroutine; initialise once at startup.
type Bridge struct {
	bus    *Bus
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewBridge attaches a pub/sub bridge to the bus. From this point every
// emitted event is also published on the portfolio_events channel.
func NewBridge(bus *Bus, rdb redis.UniversalClient, logger *slog.Logger) *Bridge {
	br := &Bridge{
		bus:    bus,
		rdb:    rdb,
		logger: logger.With("component", "events_bridge"),
	}
	bus.publish = br.publishEvent
	return br
}

// Run subscribes to the channel and re-emits sibling events to local
// subscribers. Blocks until ctx is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	sub := br.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			br.handleMessage([]byte(msg.Payload))
		}
	}
}

func (br *Bridge) publishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		br.logger.Error("marshal event", "error", err)
		return
	}
	if err := br.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		br.logger.Warn("publish event", "error", err, "kind", ev.Kind)
	}
}

func (br *Bridge) handleMessage(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		br.logger.Warn("ignoring malformed portfolio event", "error", err)
		return
	}
	// Drop our own publications; local subscribers already got them.
	if ev.Source == br.bus.source {
		return
	}
	br.bus.deliverLocal(ev)
}
