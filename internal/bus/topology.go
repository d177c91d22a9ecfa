// Package bus owns the RabbitMQ transport for order update messages.
//
// Topology:
//
//	exchange  order_updates_exchange   (direct, durable)
//	queues    order_db_update_queue_partition_<k>   k in [0, partitions)
//	binding   routing key partition_<k>
//
// Each queue is durable with per-message priority (x-max-priority 10), a
// 5 minute message TTL, and a dead-letter exchange for poison messages.
// Messages for one user always hash to the same partition, so one consumer
// sees one user's updates in order.
package bus

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradecore/pkg/apperr"
)

const (
	Exchange           = "order_updates_exchange"
	DeadLetterExchange = "order_updates_dlx"
	DeadLetterQueue    = "order_db_update_dead_letters"

	queuePrefix      = "order_db_update_queue_partition_"
	routingKeyPrefix = "partition_"

	maxPriority  = 10
	messageTTLMs = 300000 // 5 minutes
)

// QueueName returns the queue for a partition.
func QueueName(partition int) string {
	return fmt.Sprintf("%s%d", queuePrefix, partition)
}

// RoutingKey returns the routing key for a partition.
func RoutingKey(partition int) string {
	return fmt.Sprintf("%s%d", routingKeyPrefix, partition)
}

// Conn wraps one AMQP connection plus the declared topology.
type Conn struct {
	conn       *amqp.Connection
	partitions int
	logger     *slog.Logger
}

// Dial connects and declares the full topology. Declaration is idempotent;
// every process declares on startup.
func Dial(url string, partitions int, logger *slog.Logger) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "amqp dial", err)
	}

	c := &Conn{conn: conn, partitions: partitions, logger: logger.With("component", "bus")}
	if err := c.declare(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Partitions returns the configured partition count.
func (c *Conn) Partitions() int { return c.partitions }

// Close tears down the connection and all channels on it.
func (c *Conn) Close() error { return c.conn.Close() }

// NotifyClose registers a listener for connection loss.
func (c *Conn) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Conn) declare() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return apperr.Wrap(apperr.Transient, "amqp channel", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return apperr.Wrap(apperr.Transient, "declare exchange", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return apperr.Wrap(apperr.Transient, "declare dlx", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return apperr.Wrap(apperr.Transient, "declare dead letter queue", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return apperr.Wrap(apperr.Transient, "bind dead letter queue", err)
	}

	args := amqp.Table{
		"x-max-priority":         int32(maxPriority),
		"x-message-ttl":          int32(messageTTLMs),
		"x-dead-letter-exchange": DeadLetterExchange,
	}
	for k := 0; k < c.partitions; k++ {
		name := QueueName(k)
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return apperr.Wrap(apperr.Transient, fmt.Sprintf("declare queue %s", name), err)
		}
		if err := ch.QueueBind(name, RoutingKey(k), Exchange, false, nil); err != nil {
			return apperr.Wrap(apperr.Transient, fmt.Sprintf("bind queue %s", name), err)
		}
	}

	c.logger.Info("bus topology declared", "partitions", c.partitions)
	return nil
}
