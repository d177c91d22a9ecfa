package bus

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

// Publisher routes confirmation messages to their user's partition queue.
// Safe for concurrent use; one channel guarded by a mutex.
type Publisher struct {
	mu   sync.Mutex
	ch   *amqp.Channel
	conn *Conn
}

// NewPublisher opens a publishing channel on the connection.
func NewPublisher(conn *Conn) (*Publisher, error) {
	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "amqp publisher channel", err)
	}
	return &Publisher{ch: ch, conn: conn}, nil
}

// Publish sends one confirmation message to the partition owning its user.
// Delivery is persistent; priority follows the message type so closes
// overtake lower-value updates under backlog.
func (p *Publisher) Publish(ctx context.Context, msg *types.ConfirmationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return apperr.Wrap(apperr.Poison, "marshal confirmation", err)
	}

	partition := PartitionFor(msg.UserID, p.conn.partitions)

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, Exchange, RoutingKey(partition), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     msg.Type.Priority(),
			Body:         body,
		})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "publish confirmation", err)
	}
	return nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
