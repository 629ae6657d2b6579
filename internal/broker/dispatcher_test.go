package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"appointment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversQueuedEvents(t *testing.T) {
	var mu sync.Mutex
	var got []string

	d := NewDispatcher("test", 10, time.Second, func(ctx context.Context, e *models.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.EventID)
		return nil
	})
	d.Start(1)

	for _, id := range []string{"a", "b", "c"} {
		d.Emit(context.Background(), &models.DomainEvent{BaseEvent: models.BaseEvent{EventID: id}})
	}
	d.Close()

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDispatcherEmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher("test", 1, time.Second, func(ctx context.Context, e *models.DomainEvent) error {
		<-release
		return nil
	})
	d.Start(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(context.Background(), &models.DomainEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(release)
	d.Close()
}

func TestDispatcherSurvivesDeliveryErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := NewDispatcher("test", 10, time.Second, func(ctx context.Context, e *models.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("sink down")
	})
	d.Start(2)

	d.Emit(context.Background(), &models.DomainEvent{})
	d.Emit(context.Background(), &models.DomainEvent{})
	d.Close()

	assert.Equal(t, 2, calls)

	// emitting after close is a silent drop
	d.Emit(context.Background(), &models.DomainEvent{})
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "appointment-APT123456", EventKey(&models.DomainEvent{AppointmentID: "APT123456", DoctorID: 3}))
	assert.Equal(t, "doctor-3", EventKey(&models.DomainEvent{DoctorID: 3}))
}

func TestEventHandlerRoutesByType(t *testing.T) {
	h := NewEventHandler()

	var specific, fallback []string
	h.On(models.EventTypeAppointmentBooked, func(ctx context.Context, e *models.DomainEvent) error {
		specific = append(specific, e.EventID)
		return nil
	})
	h.OnAny(func(ctx context.Context, e *models.DomainEvent) error {
		fallback = append(fallback, e.EventID)
		return nil
	})

	booked, err := json.Marshal(&models.DomainEvent{BaseEvent: models.BaseEvent{EventID: "1", EventType: models.EventTypeAppointmentBooked}})
	require.NoError(t, err)
	paid, err := json.Marshal(&models.DomainEvent{BaseEvent: models.BaseEvent{EventID: "2", EventType: models.EventTypePaymentReceived}})
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: booked}))
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: paid}))
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{broken")}))

	assert.Equal(t, []string{"1"}, specific)
	assert.Equal(t, []string{"2"}, fallback)
}
