package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradecore/pkg/apperr"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func newTestConsumer(handler Handler) *Consumer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewConsumer(&Conn{partitions: 4}, 0, 1, handler, logger)
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	t.Parallel()

	c := newTestConsumer(func(ctx context.Context, d amqp.Delivery) error { return nil })
	acker := &fakeAcker{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: acker})

	if !acker.acked || acker.nacked {
		t.Errorf("acked=%v nacked=%v, want ack only", acker.acked, acker.nacked)
	}
}

func TestDispatchRequeuesTransient(t *testing.T) {
	t.Parallel()

	c := newTestConsumer(func(ctx context.Context, d amqp.Delivery) error {
		return apperr.New(apperr.Transient, "db unavailable")
	})
	acker := &fakeAcker{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: acker})

	if !acker.nacked || !acker.requeue {
		t.Errorf("nacked=%v requeue=%v, want requeue", acker.nacked, acker.requeue)
	}
}

func TestDispatchDeadLettersPoison(t *testing.T) {
	t.Parallel()

	c := newTestConsumer(func(ctx context.Context, d amqp.Delivery) error {
		return apperr.New(apperr.Poison, "unparseable body")
	})
	acker := &fakeAcker{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: acker})

	if !acker.nacked || acker.requeue {
		t.Errorf("nacked=%v requeue=%v, want dead-letter without requeue", acker.nacked, acker.requeue)
	}
}

func TestDispatchRequeuesUnclassified(t *testing.T) {
	t.Parallel()

	// Plain errors default to Transient; losing a message is worse than a
	// redundant retry.
	c := newTestConsumer(func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("something broke")
	})
	acker := &fakeAcker{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: acker})

	if !acker.nacked || !acker.requeue {
		t.Errorf("nacked=%v requeue=%v, want requeue", acker.nacked, acker.requeue)
	}
}
