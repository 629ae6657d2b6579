package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

// Entry is one auditable fact
type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	ActorID    int64
	Severity   string
	Detail     map[string]interface{}
}

// Writer persists audit rows
type Writer interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Recorder writes audit entries in the background. Record never blocks and
// never fails the caller; entries that cannot be queued are logged instead.
type Recorder struct {
	writer  Writer
	entries chan Entry
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// NewRecorder creates a recorder with the given queue size and starts its writer
func NewRecorder(writer Writer, buffer int) *Recorder {
	r := &Recorder{
		writer:  writer,
		entries: make(chan Entry, buffer),
		logger:  util.GetLogger(),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.entries {
		r.write(e)
	}
}

func (r *Recorder) write(e Entry) {
	detail := "{}"
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			detail = string(b)
		}
	}

	row := &models.AuditEntry{
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Severity:   e.Severity,
		Detail:     detail,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.writer.InsertAuditEntry(ctx, row); err != nil {
		util.EventsDroppedTotal.WithLabelValues("audit").Inc()
		r.logger.Error("Failed to write audit entry",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
	}
}

// Record queues an entry. Security and integrity entries are also logged
// immediately so they are visible even if the write is lost.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	if e.Severity != models.SeverityInfo {
		r.logger.Warn("Audit alert",
			zap.String("severity", e.Severity),
			zap.String("action", e.Action),
			zap.String("entity_type", e.EntityType),
			zap.String("entity_id", e.EntityID),
			zap.Any("detail", e.Detail))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		util.EventsDroppedTotal.WithLabelValues("audit").Inc()
		return
	}

	select {
	case r.entries <- e:
	default:
		util.EventsDroppedTotal.WithLabelValues("audit").Inc()
		r.logger.Warn("Audit queue full, dropping entry", zap.String("action", e.Action))
	}
}

// Close flushes queued entries and stops the writer
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
