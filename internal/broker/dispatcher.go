package broker

import (
	"context"
	"sync"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

// DeliverFunc hands one event to its destination
type DeliverFunc func(ctx context.Context, event *models.DomainEvent) error

// Dispatcher decouples event delivery from the caller. Emit never blocks:
// when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	name    string
	events  chan *models.DomainEvent
	deliver DeliverFunc
	timeout time.Duration
	logger  *zap.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given buffer size and per-event delivery timeout
func NewDispatcher(name string, buffer int, timeout time.Duration, deliver DeliverFunc) *Dispatcher {
	return &Dispatcher{
		name:    name,
		events:  make(chan *models.DomainEvent, buffer),
		deliver: deliver,
		timeout: timeout,
		logger:  util.GetLogger(),
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.deliver(ctx, event); err != nil {
			util.EventsDroppedTotal.WithLabelValues(d.name).Inc()
			d.logger.Warn("Event delivery failed",
				zap.String("sink", d.name),
				zap.String("event_type", event.EventType),
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
		cancel()
	}
}

// Emit queues an event for delivery
func (d *Dispatcher) Emit(ctx context.Context, event *models.DomainEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		util.EventsDroppedTotal.WithLabelValues(d.name).Inc()
		return
	}

	select {
	case d.events <- event:
	default:
		util.EventsDroppedTotal.WithLabelValues(d.name).Inc()
		d.logger.Warn("Event buffer full, dropping event",
			zap.String("sink", d.name),
			zap.String("event_type", event.EventType))
	}
}

// Close stops accepting events and waits for queued ones to drain
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
