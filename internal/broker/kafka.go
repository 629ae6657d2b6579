package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"appointment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer, logger: util.GetLogger()}
}

// PublishEvent publishes an event to Kafka. Events with the same key land
// on the same partition, so per-appointment order is preserved.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event", zap.String("key", key), zap.String("topic", p.writer.Topic))
	return nil
}

// Forward copies a message that could not be handled onto this producer's
// topic, keeping its key and value and recording where it came from.
func (p *Producer) Forward(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "x-origin-topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "x-origin-partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "x-origin-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
	)
	out := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("failed to forward message to %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// DeadLetterWriter receives messages whose handler kept failing
type DeadLetterWriter interface {
	Forward(ctx context.Context, msg kafka.Message, cause error) error
}

// RetryPolicy bounds how often a failing message is handled again before it
// is dead-lettered. Backoff doubles after every attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used by NewConsumer
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Backoff: 200 * time.Millisecond, MaxDelay: 10 * time.Second}

func (r RetryPolicy) delay(attempt int) time.Duration {
	d := r.Backoff
	for i := 1; i < attempt && d < r.MaxDelay; i++ {
		d *= 2
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader     *kafka.Reader
	retry      RetryPolicy
	deadLetter DeadLetterWriter
	logger     *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{reader: reader, retry: DefaultRetryPolicy, logger: util.GetLogger()}
}

// WithRetry replaces the retry policy
func (c *Consumer) WithRetry(policy RetryPolicy) *Consumer {
	c.retry = policy
	return c
}

// WithDeadLetter sends messages that exhaust their retries to w
func (c *Consumer) WithDeadLetter(w DeadLetterWriter) *Consumer {
	c.deadLetter = w
	return c
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming starts consuming messages with a handler.
// A failing message is retried in place with backoff, so later offsets are
// never committed past it. Once retries run out it is dead-lettered, or
// dropped and counted when no dead-letter topic is configured, and then
// committed.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	topic := c.reader.Config().Topic
	c.logger.Info("Starting Kafka consumer", zap.String("topic", topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", topic))
				return ctx.Err()
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := c.process(ctx, msg, handler); err != nil {
			// stopping before the commit leaves the offset for the next owner
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("Error committing message", zap.Error(err))
		}
	}
}

// process handles msg until it succeeds or is dead-lettered. It returns an
// error only when ctx ends first, in which case msg must not be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	attempts := c.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		c.logger.Warn("Error handling message",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == attempts {
			break
		}
		if werr := sleepCtx(ctx, c.retry.delay(attempt)); werr != nil {
			return werr
		}
	}

	if c.deadLetter == nil {
		util.EventsDroppedTotal.WithLabelValues("kafka").Inc()
		c.logger.Error("Dropping message after retries",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	// the dead-letter write must land before the offset moves on
	for attempt := 1; ; attempt++ {
		ferr := c.deadLetter.Forward(ctx, msg, err)
		if ferr == nil {
			util.EventsDeadLetteredTotal.Inc()
			c.logger.Error("Message dead-lettered",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		c.logger.Warn("Error dead-lettering message", zap.Int64("offset", msg.Offset), zap.Error(ferr))
		if werr := sleepCtx(ctx, c.retry.delay(attempt)); werr != nil {
			return werr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
