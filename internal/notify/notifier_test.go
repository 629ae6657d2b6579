package notify

import (
	"context"
	"errors"
	"testing"

	"appointment-service/internal/models"

	"github.com/stretchr/testify/assert"
)

type recordingNotifier struct {
	sent   []Notification
	failOn int64
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	if n.UserID == r.failOn {
		return errors.New("unreachable")
	}
	r.sent = append(r.sent, n)
	return nil
}

func TestFanoutReachesEveryRecipient(t *testing.T) {
	rec := &recordingNotifier{}
	event := &models.DomainEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1"},
		Recipients: []models.Recipient{
			{UserID: 1, Role: models.RolePatient},
			{UserID: 2, Role: models.RoleDoctor},
		},
		Title:    "Appointment booked",
		Message:  "APT123456 on 2025-06-01",
		Category: models.CategoryAppointment,
	}

	assert.NoError(t, Fanout(context.Background(), rec, event))
	assert.Len(t, rec.sent, 2)
	assert.Equal(t, "evt-1", rec.sent[0].EventID)
	assert.Equal(t, models.RoleDoctor, rec.sent[1].Role)
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	rec := &recordingNotifier{failOn: 1}
	event := &models.DomainEvent{Recipients: []models.Recipient{{UserID: 1}, {UserID: 2}}}

	err := Fanout(context.Background(), rec, event)
	assert.Error(t, err)
	assert.Len(t, rec.sent, 1)
	assert.Equal(t, int64(2), rec.sent[0].UserID)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier().Notify(context.Background(), Notification{UserID: 1, Title: "hi"}))
}
