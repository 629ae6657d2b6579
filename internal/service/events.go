package service

import (
	"context"
	"fmt"
	"strconv"

	"appointment-service/internal/audit"
	"appointment-service/internal/models"

	"github.com/google/uuid"
)

func (p Policy) newEvent(eventType, category, title, message string) *models.DomainEvent {
	return &models.DomainEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: p.now(),
		},
		Title:    title,
		Message:  message,
		Category: category,
	}
}

func appointmentEvent(p Policy, eventType, title, message string, appt *models.Appointment, to ...models.Recipient) *models.DomainEvent {
	e := p.newEvent(eventType, models.CategoryAppointment, title, message)
	e.AppointmentID = appt.ID
	e.DoctorID = appt.DoctorID
	e.Recipients = to
	e.Attributes = map[string]string{
		"start_at": appt.StartAt.Format("2006-01-02 15:04"),
		"status":   appt.Status,
	}
	return e
}

func patientOf(appt *models.Appointment) models.Recipient {
	return models.Recipient{UserID: appt.PatientID, Role: models.RolePatient}
}

func doctorOf(appt *models.Appointment) models.Recipient {
	return models.Recipient{UserID: appt.DoctorID, Role: models.RoleDoctor}
}

func formatAmount(amount int64) string {
	return fmt.Sprintf("Rs.%d", amount)
}

func integrityAlert(ctx context.Context, a Auditor, action, entityType, entityID string, detail map[string]interface{}) {
	a.Record(ctx, audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Severity:   models.SeverityIntegrity,
		Detail:     detail,
	})
}

func securityAlert(ctx context.Context, a Auditor, action, entityType, entityID string, detail map[string]interface{}) {
	a.Record(ctx, audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Severity:   models.SeveritySecurity,
		Detail:     detail,
	})
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
