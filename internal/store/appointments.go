package store

import (
	"context"
	"fmt"
	"time"

	"appointment-service/internal/models"
)

// GetAppointment retrieves an appointment by ID
func (r reader) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var appt models.Appointment
	if err := r.q.GetContext(ctx, &appt, "SELECT * FROM appointments WHERE id = $1", id); err != nil {
		return nil, mapErr(err)
	}
	return &appt, nil
}

// AppointmentExists checks whether an appointment ID is taken
func (r reader) AppointmentExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.q.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM appointments WHERE id = $1)", id)
	return exists, err
}

// CountActiveAppointments counts the doctor's non-cancelled appointments on a date
func (r reader) CountActiveAppointments(ctx context.Context, doctorID int64, day time.Time, excludeID string) (int, error) {
	var count int
	err := r.q.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status <> $3 AND id <> $4`,
		doctorID, dateArg(day), models.AppointmentStatusCancelled, excludeID)
	return count, err
}

// ListActiveAppointmentsBetween lists pending and confirmed appointments between two dates (inclusive)
func (r reader) ListActiveAppointmentsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Appointment, error) {
	var appts []models.Appointment
	err := r.q.SelectContext(ctx, &appts, `
		SELECT * FROM appointments
		WHERE doctor_id = $1 AND appointment_date BETWEEN $2 AND $3
		  AND status IN ($4, $5)
		ORDER BY start_at`,
		doctorID, dateArg(from), dateArg(to),
		models.AppointmentStatusPaymentPending, models.AppointmentStatusConfirmed)
	return appts, err
}

// ListAppointments lists appointments matching filter, latest start first
func (r reader) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]models.Appointment, error) {
	query := "SELECT * FROM appointments WHERE 1=1"
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.PatientID != 0 {
		add("patient_id", filter.PatientID)
	}
	if filter.DoctorID != 0 {
		add("doctor_id", filter.DoctorID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	query += " ORDER BY start_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var appts []models.Appointment
	err := r.q.SelectContext(ctx, &appts, query, args...)
	return appts, err
}

// GetPaymentByOrderID retrieves a payment by its gateway order ID
func (r reader) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.q.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE gateway_order_id = $1", orderID); err != nil {
		return nil, mapErr(err)
	}
	return &payment, nil
}

// GetPaymentByAppointmentID retrieves the payment of an appointment
func (r reader) GetPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.q.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE appointment_id = $1", appointmentID); err != nil {
		return nil, mapErr(err)
	}
	return &payment, nil
}

// ListStalePendingPayments returns pending advance payments created before the cutoff
func (r reader) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.q.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE status = $1 AND method = $2 AND created_at < $3
		ORDER BY created_at
		LIMIT $4`,
		models.PaymentStatusPending, models.PaymentMethodAdvance, before, limit)
	return payments, err
}

// ListPaymentsByPatient lists a patient's payments, newest first. limit <= 0 returns all.
func (r reader) ListPaymentsByPatient(ctx context.Context, patientID int64, limit int) ([]models.Payment, error) {
	query := `
		SELECT p.* FROM payments p
		JOIN appointments a ON a.id = p.appointment_id
		WHERE a.patient_id = $1
		ORDER BY p.created_at DESC, p.id DESC`
	args := []interface{}{patientID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	var payments []models.Payment
	err := r.q.SelectContext(ctx, &payments, query, args...)
	return payments, err
}

// GetVerificationCode retrieves the check-in code of an appointment
func (r reader) GetVerificationCode(ctx context.Context, appointmentID string) (*models.VerificationCode, error) {
	var code models.VerificationCode
	if err := r.q.GetContext(ctx, &code,
		"SELECT * FROM verification_codes WHERE appointment_id = $1", appointmentID); err != nil {
		return nil, mapErr(err)
	}
	return &code, nil
}

// LockAppointment locks the appointment row (FOR UPDATE)
func (t *pgTx) LockAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var appt models.Appointment
	if err := t.tx.GetContext(ctx, &appt,
		"SELECT * FROM appointments WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapErr(err)
	}
	return &appt, nil
}

// LockPaymentByOrderID locks a payment row by gateway order ID
func (t *pgTx) LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	if err := t.tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE gateway_order_id = $1 FOR UPDATE", orderID); err != nil {
		return nil, mapErr(err)
	}
	return &payment, nil
}

// LockPaymentByAppointmentID locks the payment row of an appointment
func (t *pgTx) LockPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := t.tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE appointment_id = $1 FOR UPDATE", appointmentID); err != nil {
		return nil, mapErr(err)
	}
	return &payment, nil
}

// InsertAppointment creates an appointment
func (t *pgTx) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	query := `
		INSERT INTO appointments (
			id, patient_id, doctor_id, slot_id, appointment_date, start_at, end_at,
			status, consultation_type, is_emergency, reason, payment_method,
			total_amount, platform_fee, doctor_share)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	return mapErr(t.tx.GetContext(ctx, appt, query,
		appt.ID, appt.PatientID, appt.DoctorID, appt.SlotID, dateArg(appt.AppointmentDate),
		appt.StartAt, appt.EndAt, appt.Status, appt.ConsultationType, appt.IsEmergency,
		appt.Reason, appt.PaymentMethod, appt.TotalAmount, appt.PlatformFee, appt.DoctorShare))
}

// UpdateAppointment persists the mutable fields of an appointment.
// Money fields are fixed at creation and never written here.
func (t *pgTx) UpdateAppointment(ctx context.Context, appt *models.Appointment) error {
	query := `
		UPDATE appointments SET
			slot_id = $1, appointment_date = $2, start_at = $3, end_at = $4,
			status = $5, cancellation_reason = $6, cancelled_at = $7, completed_at = $8,
			updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`

	return mapErr(t.tx.GetContext(ctx, &appt.UpdatedAt, query,
		appt.SlotID, dateArg(appt.AppointmentDate), appt.StartAt, appt.EndAt,
		appt.Status, appt.CancellationReason, appt.CancelledAt, appt.CompletedAt,
		appt.ID))
}

// InsertPayment creates a payment record
func (t *pgTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (
			appointment_id, method, total_amount, platform_fee, doctor_share,
			gateway_order_id, order_synthesized, gateway_payment_id, signature, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	return mapErr(t.tx.GetContext(ctx, payment, query,
		payment.AppointmentID, payment.Method, payment.TotalAmount, payment.PlatformFee,
		payment.DoctorShare, payment.GatewayOrderID, payment.OrderSynthesized,
		payment.GatewayPaymentID, payment.Signature, payment.Status, payment.PaidAt))
}

// UpdatePayment persists status and gateway fields of a payment
func (t *pgTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		UPDATE payments SET
			gateway_order_id = $1, order_synthesized = $2, gateway_payment_id = $3,
			signature = $4, refund_id = $5, refund_amount = $6, status = $7,
			paid_at = $8, refunded_at = $9, updated_at = NOW()
		WHERE id = $10
		RETURNING updated_at`

	return mapErr(t.tx.GetContext(ctx, &payment.UpdatedAt, query,
		payment.GatewayOrderID, payment.OrderSynthesized, payment.GatewayPaymentID,
		payment.Signature, payment.RefundID, payment.RefundAmount, payment.Status,
		payment.PaidAt, payment.RefundedAt, payment.ID))
}

// InsertVerificationCode stores the check-in code of an appointment
func (t *pgTx) InsertVerificationCode(ctx context.Context, code *models.VerificationCode) error {
	query := `
		INSERT INTO verification_codes (appointment_id, token, qr_png, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	return mapErr(t.tx.GetContext(ctx, &code.CreatedAt, query,
		code.AppointmentID, code.Token, code.QRCode, code.ExpiresAt))
}
