package bus

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradecore/pkg/apperr"
)

// Handler processes one delivery. The consumer acks on nil, nacks with
// requeue on Transient errors, and dead-letters everything else.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer reads one partition queue with manual acknowledgement.
type Consumer struct {
	partition int
	prefetch  int
	conn      *Conn
	handler   Handler
	logger    *slog.Logger
}

// NewConsumer creates a consumer for one partition.
func NewConsumer(conn *Conn, partition, prefetch int, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		partition: partition,
		prefetch:  prefetch,
		conn:      conn,
		handler:   handler,
		logger:    logger.With("component", "bus_consumer", "partition", partition),
	}
}

// Run consumes until ctx is cancelled or the channel dies. The caller is
// responsible for restarting on error.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.conn.Channel()
	if err != nil {
		return apperr.Wrap(apperr.Transient, "amqp consumer channel", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return apperr.Wrap(apperr.Transient, "set qos", err)
	}

	deliveries, err := ch.Consume(QueueName(c.partition),
		fmt.Sprintf("core-partition-%d", c.partition), false, false, false, false, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "consume", err)
	}

	c.logger.Info("consumer started", "prefetch", c.prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return apperr.New(apperr.Transient, "delivery channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	err := c.handler(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", "error", ackErr)
		}
	case apperr.Is(err, apperr.Transient):
		c.logger.Warn("transient handler failure, requeueing", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("nack failed", "error", nackErr)
		}
	default:
		// Poison or permanently failed message; dead-letter it.
		c.logger.Error("dead-lettering message", "error", err, "kind", apperr.KindOf(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("nack failed", "error", nackErr)
		}
	}
}
