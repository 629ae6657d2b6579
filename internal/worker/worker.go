package worker

import (
	"context"
	"fmt"

	"appointment-service/internal/broker"
	"appointment-service/internal/models"
	"appointment-service/internal/notify"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

// EventLog records which domain events have already been delivered
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker turns domain events into user notifications
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	events       EventLog
	notifier     notify.Notifier
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker. consumer may be
// nil when events are delivered in process through Handle.
func NewNotificationWorker(
	consumer *broker.Consumer,
	events EventLog,
	notifier notify.Notifier,
) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		events:   events,
		notifier: notifier,
		logger:   util.GetLogger(),
	}

	w.eventHandler = broker.NewEventHandler()
	w.eventHandler.OnAny(w.Handle)
	return w
}

// Handle notifies every recipient of the event. A failed delivery is returned
// so the consumer retries it before moving on; the event is only marked
// processed after all recipients were reached, so a retry after a partial
// fan-out may notify some recipients twice.
func (w *NotificationWorker) Handle(ctx context.Context, event *models.DomainEvent) error {
	if event.EventID != "" {
		done, err := w.events.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event: %w", err)
		}
		if done {
			w.logger.Debug("Skipping delivered event", zap.String("event_id", event.EventID))
			return nil
		}
	}

	if err := notify.Fanout(ctx, w.notifier, event); err != nil {
		w.logger.Warn("Notification delivery failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return err
	}

	if event.EventID == "" {
		return nil
	}
	if err := w.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	if w.consumer == nil {
		return nil
	}
	return w.consumer.Close()
}
