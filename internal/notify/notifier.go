package notify

import (
	"context"
	"errors"

	"appointment-service/internal/models"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

// Notification is one message for one user
type Notification struct {
	EventID  string `json:"event_id"`
	UserID   int64  `json:"user_id"`
	Role     string `json:"role"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

// Notify logs the notification
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Info("Notification",
		zap.Int64("user_id", n.UserID),
		zap.String("role", n.Role),
		zap.String("category", n.Category),
		zap.String("title", n.Title),
		zap.String("message", n.Message))
	return nil
}

// Fanout sends the event to each of its recipients. Every recipient is
// attempted; the joined error reports the ones that failed.
func Fanout(ctx context.Context, notifier Notifier, event *models.DomainEvent) error {
	var errs []error
	for _, r := range event.Recipients {
		n := Notification{
			EventID:  event.EventID,
			UserID:   r.UserID,
			Role:     r.Role,
			Title:    event.Title,
			Message:  event.Message,
			Category: event.Category,
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		util.NotificationsSentTotal.WithLabelValues(event.Category).Inc()
	}
	return errors.Join(errs...)
}
