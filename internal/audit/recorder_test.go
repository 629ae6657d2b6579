package audit

import (
	"context"
	"errors"
	"testing"

	"appointment-service/internal/models"
	"appointment-service/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderPersistsEntries(t *testing.T) {
	st := memstore.New()
	r := NewRecorder(st, 10)

	r.Record(context.Background(), Entry{
		Action:     "payment.signature_rejected",
		EntityType: "payment",
		EntityID:   "order_1",
		Severity:   models.SeveritySecurity,
		Detail:     map[string]interface{}{"source": "client"},
	})
	r.Record(context.Background(), Entry{Action: "appointment.booked", EntityType: "appointment", EntityID: "APT100000"})
	r.Close()

	entries := st.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, models.SeveritySecurity, entries[0].Severity)
	assert.JSONEq(t, `{"source":"client"}`, entries[0].Detail)
	assert.Equal(t, models.SeverityInfo, entries[1].Severity)
	assert.Equal(t, "{}", entries[1].Detail)
}

type failingWriter struct{}

func (failingWriter) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	return errors.New("db down")
}

func TestRecorderSwallowsWriteErrors(t *testing.T) {
	r := NewRecorder(failingWriter{}, 1)
	r.Record(context.Background(), Entry{Action: "x"})
	r.Close()

	// recording after close must not panic
	r.Record(context.Background(), Entry{Action: "y"})
}
