package store

import (
	"context"

	"appointment-service/internal/models"
)

// InsertAuditEntry appends an audit log row
func (s *Store) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_logs (action, entity_type, entity_id, actor_id, severity, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, entry, query,
		entry.Action, entry.EntityType, entry.EntityID, entry.ActorID, entry.Severity, entry.Detail)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
