package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"appointment-service/internal/models"
	"appointment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish publishes a domain event keyed by its appointment, or its doctor
// for schedule-wide events
func (ep *EventPublisher) Publish(ctx context.Context, event *models.DomainEvent) error {
	return ep.producer.PublishEvent(ctx, EventKey(event), event)
}

// EventKey is the partition key of an event
func EventKey(event *models.DomainEvent) string {
	if event.AppointmentID != "" {
		return fmt.Sprintf("appointment-%s", event.AppointmentID)
	}
	return fmt.Sprintf("doctor-%d", event.DoctorID)
}

// EventHandler handles incoming events
type EventHandler struct {
	handlers map[string]func(context.Context, *models.DomainEvent) error
	fallback func(context.Context, *models.DomainEvent) error
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]func(context.Context, *models.DomainEvent) error),
		logger:   util.GetLogger(),
	}
}

// On registers a handler for one event type
func (eh *EventHandler) On(eventType string, handler func(context.Context, *models.DomainEvent) error) {
	eh.handlers[eventType] = handler
}

// OnAny registers a handler for event types without a specific handler
func (eh *EventHandler) OnAny(handler func(context.Context, *models.DomainEvent) error) {
	eh.fallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.DomainEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// skipped and committed; it can never decode
		eh.logger.Error("Dropping undecodable event", zap.String("key", string(msg.Key)), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))

	if handler, ok := eh.handlers[event.EventType]; ok {
		return handler(ctx, &event)
	}
	if eh.fallback != nil {
		return eh.fallback(ctx, &event)
	}

	eh.logger.Debug("Unhandled event type", zap.String("event_type", event.EventType))
	return nil
}
