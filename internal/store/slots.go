package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"appointment-service/internal/models"
)

// GetDoctor retrieves a doctor by ID
func (r reader) GetDoctor(ctx context.Context, id int64) (*models.Doctor, error) {
	var doctor models.Doctor
	if err := r.q.GetContext(ctx, &doctor, "SELECT * FROM doctors WHERE id = $1", id); err != nil {
		return nil, mapErr(err)
	}
	return &doctor, nil
}

// ListDoctorIDs returns every doctor ID
func (r reader) ListDoctorIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.q.SelectContext(ctx, &ids, "SELECT id FROM doctors ORDER BY id")
	return ids, err
}

// GetPatient retrieves a patient by ID
func (r reader) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	var patient models.Patient
	if err := r.q.GetContext(ctx, &patient, "SELECT * FROM patients WHERE id = $1", id); err != nil {
		return nil, mapErr(err)
	}
	return &patient, nil
}

// GetSlot retrieves a slot by ID
func (r reader) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	var slot models.Slot
	if err := r.q.GetContext(ctx, &slot, "SELECT * FROM slots WHERE id = $1", id); err != nil {
		return nil, mapErr(err)
	}
	return &slot, nil
}

// ListFreeSlots returns the assignable slots of one day starting after the given instant
func (r reader) ListFreeSlots(ctx context.Context, doctorID int64, day, after time.Time) ([]models.Slot, error) {
	var slots []models.Slot
	err := r.q.SelectContext(ctx, &slots, `
		SELECT * FROM slots
		WHERE doctor_id = $1 AND slot_date = $2 AND start_at > $3
		  AND NOT is_booked AND NOT is_blocked
		ORDER BY start_at`,
		doctorID, dateArg(day), after)
	return slots, err
}

// ListSlotsBetween returns every slot of a doctor between two dates (inclusive)
func (r reader) ListSlotsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Slot, error) {
	var slots []models.Slot
	err := r.q.SelectContext(ctx, &slots, `
		SELECT * FROM slots
		WHERE doctor_id = $1 AND slot_date BETWEEN $2 AND $3
		ORDER BY start_at`,
		doctorID, dateArg(from), dateArg(to))
	return slots, err
}

// EarliestFreeSlot finds the first assignable slot after the given instant
func (r reader) EarliestFreeSlot(ctx context.Context, doctorID int64, after time.Time) (*models.Slot, error) {
	var slot models.Slot
	err := r.q.GetContext(ctx, &slot, `
		SELECT * FROM slots
		WHERE doctor_id = $1 AND start_at > $2 AND NOT is_booked AND NOT is_blocked
		ORDER BY start_at
		LIMIT 1`,
		doctorID, after)
	if err != nil {
		return nil, mapErr(err)
	}
	return &slot, nil
}

// LockDoctor locks the doctor row (FOR UPDATE)
func (t *pgTx) LockDoctor(ctx context.Context, id int64) (*models.Doctor, error) {
	var doctor models.Doctor
	if err := t.tx.GetContext(ctx, &doctor, "SELECT * FROM doctors WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapErr(err)
	}
	return &doctor, nil
}

// LockSlot locks the slot row (FOR UPDATE)
func (t *pgTx) LockSlot(ctx context.Context, id int64) (*models.Slot, error) {
	var slot models.Slot
	if err := t.tx.GetContext(ctx, &slot, "SELECT * FROM slots WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapErr(err)
	}
	return &slot, nil
}

// UpdateDoctorAvailability toggles whether the doctor accepts bookings
func (t *pgTx) UpdateDoctorAvailability(ctx context.Context, doctorID int64, available bool) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE doctors SET is_available = $1, updated_at = NOW() WHERE id = $2",
		available, doctorID))
}

// UpdateDoctorNextAvailable writes the denormalized next-available pointer
func (t *pgTx) UpdateDoctorNextAvailable(ctx context.Context, doctorID int64, next sql.NullTime) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE doctors SET next_available_slot = $1, updated_at = NOW() WHERE id = $2",
		next, doctorID))
}

// IncrementDoctorConsultations bumps the lifetime consultation counter
func (t *pgTx) IncrementDoctorConsultations(ctx context.Context, doctorID int64) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE doctors SET total_consultations = total_consultations + 1, updated_at = NOW() WHERE id = $1",
		doctorID))
}

// InsertSlot creates a slot unless one already exists at the same start.
// Reports whether a row was created.
func (t *pgTx) InsertSlot(ctx context.Context, slot *models.Slot) (bool, error) {
	query := `
		INSERT INTO slots (doctor_id, slot_date, start_at, end_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doctor_id, start_at) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := t.tx.GetContext(ctx, slot, query,
		slot.DoctorID, dateArg(slot.SlotDate), slot.StartAt, slot.EndAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// MarkSlotBooked assigns the slot to an appointment
func (t *pgTx) MarkSlotBooked(ctx context.Context, slotID int64, appointmentID string) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE slots SET is_booked = TRUE, appointment_id = $1, updated_at = NOW() WHERE id = $2",
		appointmentID, slotID))
}

// ReleaseSlot frees a booked slot
func (t *pgTx) ReleaseSlot(ctx context.Context, slotID int64) error {
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE slots SET is_booked = FALSE, appointment_id = NULL, updated_at = NOW() WHERE id = $1",
		slotID))
}

// SetSlotBlocked blocks or unblocks a single slot
func (t *pgTx) SetSlotBlocked(ctx context.Context, slotID int64, blocked bool, reason string) error {
	if !blocked {
		reason = ""
	}
	return expectOne(t.tx.ExecContext(ctx,
		"UPDATE slots SET is_blocked = $1, block_reason = $2, updated_at = NOW() WHERE id = $3",
		blocked, reason, slotID))
}

// BlockFreeSlots blocks every free slot of the doctor between two dates (inclusive)
func (t *pgTx) BlockFreeSlots(ctx context.Context, doctorID int64, from, to time.Time, reason string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE slots SET is_blocked = TRUE, block_reason = $1, updated_at = NOW()
		WHERE doctor_id = $2 AND slot_date BETWEEN $3 AND $4
		  AND NOT is_booked AND NOT is_blocked`,
		reason, doctorID, dateArg(from), dateArg(to))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
