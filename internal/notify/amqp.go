package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier hands notifications to the delivery service through a
// durable RabbitMQ queue
type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewAMQPNotifier dials the broker and declares the queue
func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &AMQPNotifier{conn: conn, ch: ch, queue: queue}, nil
}

// Notify publishes the notification as a persistent JSON message
func (a *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// channels are not safe for concurrent publishing
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%d", n.EventID, n.UserID),
		Timestamp:    time.Now(),
		Type:         n.Category,
		Body:         body,
	})
}

// Close closes the channel and connection
func (a *AMQPNotifier) Close() error {
	if err := a.ch.Close(); err != nil {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}
