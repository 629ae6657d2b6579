package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/util"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// PaymentView is what a patient sees of one payment
type PaymentView struct {
	AppointmentID       string     `json:"appointment_id"`
	OrderID             string     `json:"order_id"`
	PaymentID           string     `json:"payment_id,omitempty"`
	Method              string     `json:"method"`
	Status              string     `json:"status"`
	Amount              int64      `json:"amount"`
	RefundAmount        int64      `json:"refund_amount,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	RefundedAt          *time.Time `json:"refunded_at,omitempty"`
	VerificationAvailable bool       `json:"verification_available"`
}

func (s *SettlementService) paymentView(ctx context.Context, p *models.Payment) (*PaymentView, error) {
	v := &PaymentView{
		AppointmentID: p.AppointmentID,
		OrderID:       p.GatewayOrderID,
		PaymentID:     p.GatewayPaymentID.String,
		Method:        p.Method,
		Status:        p.Status,
		Amount:        p.TotalAmount,
		RefundAmount:  p.RefundAmount,
		CreatedAt:     p.CreatedAt,
	}
	if p.PaidAt.Valid {
		v.PaidAt = &p.PaidAt.Time
	}
	if p.RefundedAt.Valid {
		v.RefundedAt = &p.RefundedAt.Time
	}
	_, err := s.store.GetVerificationCode(ctx, p.AppointmentID)
	switch {
	case err == nil:
		v.VerificationAvailable = true
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to get verification code: %w", err)
	}
	return v, nil
}

// PaymentHistory lists a patient's payments, newest first
func (s *SettlementService) PaymentHistory(ctx context.Context, patientID int64, limit int) ([]PaymentView, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.PaymentHistory")
	defer span.End()

	payments, err := s.store.ListPaymentsByPatient(ctx, patientID, clampLimit(limit))
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	out := make([]PaymentView, 0, len(payments))
	for i := range payments {
		v, err := s.paymentView(ctx, &payments[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// PaymentStatus looks a payment up by processor order id, or by appointment id
// for orders that were never sent to the processor. Payments of appointments
// the caller is not part of are reported as not found.
func (s *SettlementService) PaymentStatus(ctx context.Context, orderID string, actor identity.Principal) (*PaymentView, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.PaymentStatus")
	defer span.End()

	p, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		p, err = s.store.GetPaymentByAppointmentID(ctx, orderID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	if actor.Role != models.RoleAdmin {
		appt, err := s.store.GetAppointment(ctx, p.AppointmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get appointment: %w", err)
		}
		if !isParticipant(appt, actor) {
			return nil, ErrPaymentNotFound
		}
	}
	return s.paymentView(ctx, p)
}

// ListAppointments returns the caller's own appointments, latest first.
// Patients see the ones they booked, doctors the ones booked with them.
func (s *BookingService) ListAppointments(ctx context.Context, actor identity.Principal, status string, limit int) ([]models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.ListAppointments")
	defer span.End()

	switch status {
	case "", models.AppointmentStatusPaymentPending, models.AppointmentStatusConfirmed,
		models.AppointmentStatusCompleted, models.AppointmentStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusFilter, status)
	}

	filter := store.AppointmentFilter{Status: status, Limit: clampLimit(limit)}
	switch actor.Role {
	case models.RolePatient:
		filter.PatientID = actor.UserID
	case models.RoleDoctor:
		filter.DoctorID = actor.UserID
	default:
		return nil, ErrForbidden
	}

	appts, err := s.store.ListAppointments(ctx, filter)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return appts, nil
}

// ScheduleSlot is one slot of a doctor's schedule and who holds it
type ScheduleSlot struct {
	SlotID            int64     `json:"slot_id"`
	StartAt           time.Time `json:"start_at"`
	EndAt             time.Time `json:"end_at"`
	Status            string    `json:"status"`
	BlockReason       string    `json:"block_reason,omitempty"`
	AppointmentID     string    `json:"appointment_id,omitempty"`
	AppointmentStatus string    `json:"appointment_status,omitempty"`
	PatientID         int64     `json:"patient_id,omitempty"`
	PatientName       string    `json:"patient_name,omitempty"`
	PatientPhone      string    `json:"patient_phone,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// ScheduleDay groups the slots of one calendar date
type ScheduleDay struct {
	Date    string         `json:"date"`
	Weekday string         `json:"weekday"`
	Slots   []ScheduleSlot `json:"slots"`
}

// Schedule slot states
const (
	ScheduleAvailable = "available"
	ScheduleBooked    = "booked"
	ScheduleBlocked   = "blocked"
)

const defaultScheduleSpan = 7 * 24 * time.Hour

// DoctorSchedule lists every slot of a doctor between two dates, grouped by
// day. A zero from means today and a zero to means a week after from.
func (s *SlotService) DoctorSchedule(ctx context.Context, doctorID int64, from, to time.Time) ([]ScheduleDay, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.DoctorSchedule")
	defer span.End()

	if from.IsZero() {
		from = s.policy.today()
	}
	if to.IsZero() {
		to = from.Add(defaultScheduleSpan)
	}
	from, to = store.CivilDate(from), store.CivilDate(to)
	if to.Before(from) || to.Sub(from) > maxBatchSpan {
		return nil, ErrInvalidDateRange
	}

	slots, err := s.store.ListSlotsBetween(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	appts, err := s.store.ListActiveAppointmentsBetween(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	bySlot := make(map[int64]*models.Appointment, len(appts))
	for i := range appts {
		bySlot[appts[i].SlotID] = &appts[i]
	}
	patients := map[int64]*models.Patient{}

	var days []ScheduleDay
	for _, slot := range slots {
		date := slot.SlotDate.Format(store.DateLayout)
		if len(days) == 0 || days[len(days)-1].Date != date {
			days = append(days, ScheduleDay{Date: date, Weekday: slot.SlotDate.Weekday().String()})
		}

		entry := ScheduleSlot{SlotID: slot.ID, StartAt: slot.StartAt, EndAt: slot.EndAt, Status: ScheduleAvailable}
		switch {
		case slot.IsBlocked:
			entry.Status = ScheduleBlocked
			entry.BlockReason = slot.BlockReason
		case slot.IsBooked:
			entry.Status = ScheduleBooked
		}
		if appt, ok := bySlot[slot.ID]; ok {
			entry.AppointmentID = appt.ID
			entry.AppointmentStatus = appt.Status
			entry.PatientID = appt.PatientID
			entry.Reason = appt.Reason
			p, seen := patients[appt.PatientID]
			if !seen {
				p, err = s.store.GetPatient(ctx, appt.PatientID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("failed to get patient: %w", err)
				}
				patients[appt.PatientID] = p
			}
			if p != nil {
				entry.PatientName = p.Name
				entry.PatientPhone = p.Phone
			}
		}

		day := &days[len(days)-1]
		day.Slots = append(day.Slots, entry)
	}
	return days, nil
}
