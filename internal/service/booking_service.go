package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appointment-service/internal/audit"
	"appointment-service/internal/gateway"
	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

// BookingService drives the appointment state machine
type BookingService struct {
	store     store.Ledger
	slots     *SlotService
	wallet    *WalletService
	processor gateway.Processor
	events    EventSink
	audit     Auditor
	idem      IdempotencyCache
	policy    Policy
	newID     IDGenerator
	logger    *zap.Logger
}

// BookingDeps groups the collaborators of the booking service
type BookingDeps struct {
	Store       store.Ledger
	Slots       *SlotService
	Wallet      *WalletService
	Processor   gateway.Processor
	Events      EventSink
	Audit       Auditor
	Idempotency IdempotencyCache
	IDGenerator IDGenerator
}

// NewBookingService creates a new booking service
func NewBookingService(deps BookingDeps, policy Policy) *BookingService {
	s := &BookingService{
		store:     deps.Store,
		slots:     deps.Slots,
		wallet:    deps.Wallet,
		processor: deps.Processor,
		events:    deps.Events,
		audit:     deps.Audit,
		idem:      deps.Idempotency,
		policy:    policy,
		newID:     deps.IDGenerator,
		logger:    util.GetLogger(),
	}
	if s.events == nil {
		s.events = noopSink{}
	}
	if s.audit == nil {
		s.audit = noopAuditor{}
	}
	return s
}

// BookingRequest represents a request to book a slot
type BookingRequest struct {
	PatientID        int64  `json:"-"`
	DoctorID         int64  `json:"doctor_id" binding:"required"`
	SlotID           int64  `json:"slot_id" binding:"required"`
	Date             string `json:"date" binding:"required,datetime=2006-01-02"`
	PaymentMethod    string `json:"payment_method" binding:"required,oneof=advance clinic"`
	ConsultationType string `json:"consultation_type" binding:"omitempty,oneof=in_person video"`
	IsEmergency      bool   `json:"is_emergency"`
	Reason           string `json:"reason" binding:"max=500"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

// BookingResult is returned after a booking, or a replay of one
type BookingResult struct {
	Appointment  *models.Appointment `json:"appointment"`
	PaymentOrder *PaymentOrder       `json:"payment_order,omitempty"`
	Replayed     bool                `json:"replayed"`
}

// CancelRequest asks to cancel an appointment
type CancelRequest struct {
	AppointmentID string             `json:"-"`
	Actor         identity.Principal `json:"-"`
	Reason        string             `json:"reason" binding:"max=500"`
}

// RescheduleRequest moves an appointment to another slot of the same doctor
type RescheduleRequest struct {
	AppointmentID string `json:"-"`
	PatientID     int64  `json:"-"`
	NewSlotID     int64  `json:"new_slot_id" binding:"required"`
	NewDate       string `json:"new_date" binding:"required,datetime=2006-01-02"`
}

// LeaveRequest blocks a doctor's schedule
type LeaveRequest struct {
	From   string `json:"from" binding:"required,datetime=2006-01-02"`
	To     string `json:"to" binding:"required,datetime=2006-01-02"`
	Reason string `json:"reason" binding:"required,max=200"`
}

// LeaveResult reports what a leave did to the schedule
type LeaveResult struct {
	BlockedSlots         int      `json:"blocked_slots"`
	AffectedAppointments []string `json:"affected_appointments"`
}

// AppointmentDetails is an appointment with its payment and check-in code
type AppointmentDetails struct {
	Appointment  *models.Appointment      `json:"appointment"`
	Payment      *models.Payment          `json:"payment,omitempty"`
	Verification *models.VerificationCode `json:"verification,omitempty"`
}

func parseDate(v string) (time.Time, error) {
	d, err := time.Parse(store.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateRange, v)
	}
	return d, nil
}

func (s *BookingService) idemKey(patientID int64, key string) string {
	return fmt.Sprintf("booking:%d:%s", patientID, key)
}

// checkLeadTime rejects slots in the past or closer than the minimum lead time
func (s *BookingService) checkLeadTime(slot *models.Slot) error {
	until := slot.StartAt.Sub(s.policy.now())
	if until <= 0 {
		return ErrSlotInPast
	}
	if until < s.policy.MinLeadTime {
		return ErrLeadTimeTooShort
	}
	return nil
}

func (s *BookingService) reject(reason string, err error) error {
	util.BookingsRejectedTotal.WithLabelValues(reason).Inc()
	return err
}

// Book reserves a slot for a patient. Advance bookings start as
// payment_pending with an open payment order; clinic bookings are confirmed.
func (s *BookingService) Book(ctx context.Context, req *BookingRequest) (*BookingResult, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Book")
	defer span.End()
	start := time.Now()

	if req.IdempotencyKey != "" && s.idem != nil {
		if res, ok := s.replay(ctx, req); ok {
			return res, nil
		}
	}

	if req.PaymentMethod != models.PaymentMethodAdvance && req.PaymentMethod != models.PaymentMethodClinic {
		return nil, s.reject("payment_method", ErrInvalidPaymentMethod)
	}
	if req.ConsultationType == "" {
		req.ConsultationType = models.ConsultationInPerson
	}
	if req.ConsultationType != models.ConsultationInPerson && req.ConsultationType != models.ConsultationVideo {
		return nil, s.reject("consultation_type", ErrInvalidConsultationType)
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return nil, s.reject("date", err)
	}

	if _, err := s.store.GetPatient(ctx, req.PatientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.reject("patient", ErrPatientNotFound)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	doctor, err := s.store.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.reject("doctor", ErrDoctorNotFound)
		}
		return nil, fmt.Errorf("failed to get doctor: %w", err)
	}
	if !doctor.IsAvailable {
		return nil, s.reject("doctor_unavailable", ErrDoctorUnavailable)
	}
	slot, err := s.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.reject("slot", ErrSlotNotFound)
		}
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	if slot.DoctorID != req.DoctorID {
		return nil, s.reject("slot_doctor", ErrSlotDoctorMismatch)
	}
	if !store.SameDate(slot.SlotDate, date) {
		return nil, s.reject("slot_date", ErrSlotDateMismatch)
	}
	if err := s.checkLeadTime(slot); err != nil {
		return nil, s.reject("lead_time", err)
	}
	if slot.IsBlocked {
		return nil, s.reject("slot_blocked", ErrSlotBlocked)
	}
	if slot.IsBooked {
		return nil, s.reject("slot_taken", ErrSlotAlreadyBooked)
	}

	id, err := newAppointmentID(ctx, s.store, s.policy.AppointmentIDPrefix, s.newID)
	if err != nil {
		return nil, err
	}

	fee, share := SplitFee(doctor.ConsultationFee, s.policy.PlatformFeeBps)
	appt := &models.Appointment{
		ID:               id,
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		SlotID:           slot.ID,
		AppointmentDate:  store.CivilDate(date),
		StartAt:          slot.StartAt,
		EndAt:            slot.EndAt,
		ConsultationType: req.ConsultationType,
		IsEmergency:      req.IsEmergency,
		Reason:           req.Reason,
		PaymentMethod:    req.PaymentMethod,
		TotalAmount:      doctor.ConsultationFee,
		PlatformFee:      fee,
		DoctorShare:      share,
		Status:           models.AppointmentStatusConfirmed,
	}

	var payment *models.Payment
	if req.PaymentMethod == models.PaymentMethodAdvance {
		appt.Status = models.AppointmentStatusPaymentPending
		payment = s.newAdvancePayment(ctx, appt)
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		d, err := tx.LockDoctor(ctx, req.DoctorID)
		if err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		if !d.IsAvailable {
			return ErrDoctorUnavailable
		}

		locked, err := s.slots.AcquireSlot(ctx, tx, req.SlotID)
		if err != nil {
			return err
		}
		if locked.DoctorID != req.DoctorID {
			return ErrSlotDoctorMismatch
		}
		if !store.SameDate(locked.SlotDate, date) {
			return ErrSlotDateMismatch
		}

		n, err := tx.CountActiveAppointments(ctx, req.DoctorID, appt.AppointmentDate, "")
		if err != nil {
			return fmt.Errorf("failed to count appointments: %w", err)
		}
		if n >= s.policy.DailyAppointmentCap {
			return ErrDailyCapacityReached
		}

		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("failed to create appointment: %w", err)
		}
		if payment != nil {
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}
		}
		if err := tx.MarkSlotBooked(ctx, locked.ID, appt.ID); err != nil {
			return fmt.Errorf("failed to book slot: %w", err)
		}
		if err := tx.IncrementDoctorConsultations(ctx, req.DoctorID); err != nil {
			return fmt.Errorf("failed to update doctor: %w", err)
		}
		return s.slots.RecomputeNextAvailable(ctx, tx, req.DoctorID)
	})
	if err != nil {
		util.RecordError(span, err)
		switch {
		case IsConcurrencyLoss(err):
			return nil, s.reject("slot_taken", err)
		case errors.Is(err, ErrDailyCapacityReached):
			return nil, s.reject("daily_cap", err)
		case errors.Is(err, ErrDoctorUnavailable):
			return nil, s.reject("doctor_unavailable", err)
		}
		return nil, err
	}

	util.AppointmentsBookedTotal.WithLabelValues(appt.PaymentMethod).Inc()
	util.BookingLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("Appointment booked",
		zap.String("appointment_id", appt.ID),
		zap.Int64("patient_id", appt.PatientID),
		zap.Int64("doctor_id", appt.DoctorID),
		zap.Int64("slot_id", appt.SlotID),
		zap.String("payment_method", appt.PaymentMethod))

	s.audit.Record(ctx, audit.Entry{
		Action:     "appointment.booked",
		EntityType: "appointment",
		EntityID:   appt.ID,
		ActorID:    appt.PatientID,
		Detail: map[string]interface{}{
			"slot_id":        appt.SlotID,
			"payment_method": appt.PaymentMethod,
			"total_amount":   appt.TotalAmount,
		},
	})

	msg := fmt.Sprintf("Appointment %s on %s is booked", appt.ID, appt.StartAt.In(s.policy.loc()).Format("02 Jan 15:04"))
	if payment != nil {
		msg += ", complete the payment to confirm it"
	}
	s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeAppointmentBooked, "Appointment booked", msg,
		appt, patientOf(appt), doctorOf(appt)))

	if req.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.SetIdempotencyKey(ctx, s.idemKey(req.PatientID, req.IdempotencyKey), appt.ID, s.policy.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key", zap.String("appointment_id", appt.ID), zap.Error(err))
		}
	}

	res := &BookingResult{Appointment: appt}
	if payment != nil {
		res.PaymentOrder = paymentOrder(s.policy, payment)
	}
	return res, nil
}

// newAdvancePayment opens a processor order, falling back to a local order id
// when the processor cannot be reached so the booking still goes through.
func (s *BookingService) newAdvancePayment(ctx context.Context, appt *models.Appointment) *models.Payment {
	payment := &models.Payment{
		AppointmentID: appt.ID,
		Method:        models.PaymentMethodAdvance,
		TotalAmount:   appt.TotalAmount,
		PlatformFee:   appt.PlatformFee,
		DoctorShare:   appt.DoctorShare,
		Status:        models.PaymentStatusPending,
	}

	order, err := s.policy.openOrder(ctx, s.processor, appt)
	if err != nil {
		util.GatewayOrderFallbackTotal.Inc()
		payment.GatewayOrderID = localOrderID(appt.ID, s.policy.now())
		payment.OrderSynthesized = true
		s.logger.Warn("Payment gateway unavailable, using local order id",
			zap.String("appointment_id", appt.ID),
			zap.String("order_id", payment.GatewayOrderID),
			zap.Error(err))
		return payment
	}
	payment.GatewayOrderID = order.ID
	return payment
}

func (s *BookingService) replay(ctx context.Context, req *BookingRequest) (*BookingResult, bool) {
	id, ok, err := s.idem.GetIdempotencyKey(ctx, s.idemKey(req.PatientID, req.IdempotencyKey))
	if err != nil {
		s.logger.Warn("Failed to read idempotency key", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil || appt.PatientID != req.PatientID {
		return nil, false
	}

	s.logger.Info("Duplicate booking request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("appointment_id", appt.ID))

	res := &BookingResult{Appointment: appt, Replayed: true}
	if payment, err := s.store.GetPaymentByAppointmentID(ctx, appt.ID); err == nil && payment.Status == models.PaymentStatusPending {
		res.PaymentOrder = paymentOrder(s.policy, payment)
	}
	return res, true
}

func (s *BookingService) loadAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return appt, nil
}

func isParticipant(appt *models.Appointment, p identity.Principal) bool {
	switch p.Role {
	case models.RolePatient:
		return appt.PatientID == p.UserID
	case models.RoleDoctor:
		return appt.DoctorID == p.UserID
	}
	return false
}

// Cancel cancels an active appointment and frees its slot. A payment that is
// still pending is marked failed so a late capture cannot confirm it.
func (s *BookingService) Cancel(ctx context.Context, req *CancelRequest) (*models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Cancel")
	defer span.End()

	cur, err := s.loadAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(cur, req.Actor) {
		return nil, ErrForbidden
	}

	var appt *models.Appointment
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, cur.DoctorID); err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		if _, err := tx.LockSlot(ctx, cur.SlotID); err != nil {
			return fmt.Errorf("failed to lock slot: %w", err)
		}
		appt, err = tx.LockAppointment(ctx, req.AppointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		if err := lockMovedSlot(ctx, tx, cur.SlotID, appt); err != nil {
			return err
		}
		if !appt.Active() {
			return ErrInvalidTransition
		}
		if appt.StartAt.Sub(s.policy.now()) < s.policy.CancellationWindow {
			return ErrCancellationWindowClosed
		}

		if err := cancelTx(ctx, tx, s.slots, appt, req.Reason, s.policy.now()); err != nil {
			return err
		}

		payment, err := tx.LockPaymentByAppointmentID(ctx, appt.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if payment.Status == models.PaymentStatusPending {
			payment.Status = models.PaymentStatusFailed
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.AppointmentsCancelledTotal.WithLabelValues(req.Actor.Role).Inc()
	s.logger.Info("Appointment cancelled",
		zap.String("appointment_id", appt.ID),
		zap.String("cancelled_by", req.Actor.Role),
		zap.Int64("actor_id", req.Actor.UserID))

	s.audit.Record(ctx, audit.Entry{
		Action:     "appointment.cancelled",
		EntityType: "appointment",
		EntityID:   appt.ID,
		ActorID:    req.Actor.UserID,
		Detail:     map[string]interface{}{"role": req.Actor.Role, "reason": req.Reason},
	})
	s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeAppointmentCancelled, "Appointment cancelled",
		fmt.Sprintf("Appointment %s has been cancelled", appt.ID), appt, patientOf(appt), doctorOf(appt)))

	return appt, nil
}

// lockMovedSlot locks the appointment's current slot when a reschedule moved it
// after the caller read lockedSlotID without locks. The doctor lock is held, so
// the appointment cannot move again before commit.
func lockMovedSlot(ctx context.Context, tx store.Tx, lockedSlotID int64, appt *models.Appointment) error {
	if appt.SlotID == lockedSlotID {
		return nil
	}
	if _, err := tx.LockSlot(ctx, appt.SlotID); err != nil {
		return fmt.Errorf("failed to lock slot: %w", err)
	}
	return nil
}

// cancelTx moves a locked appointment to cancelled and frees its slot.
// The caller holds the doctor and slot locks.
func cancelTx(ctx context.Context, tx store.Tx, slots *SlotService, appt *models.Appointment, reason string, now time.Time) error {
	appt.Status = models.AppointmentStatusCancelled
	appt.CancellationReason = reason
	appt.CancelledAt = sql.NullTime{Time: now, Valid: true}
	if err := tx.UpdateAppointment(ctx, appt); err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}
	if err := slots.ReleaseSlot(ctx, tx, appt.SlotID); err != nil {
		return err
	}
	return slots.RecomputeNextAvailable(ctx, tx, appt.DoctorID)
}

// Reschedule moves an appointment to a different free slot of the same doctor
func (s *BookingService) Reschedule(ctx context.Context, req *RescheduleRequest) (*models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Reschedule")
	defer span.End()

	newDate, err := parseDate(req.NewDate)
	if err != nil {
		return nil, err
	}
	cur, err := s.loadAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if cur.PatientID != req.PatientID {
		return nil, ErrForbidden
	}

	target, err := s.store.GetSlot(ctx, req.NewSlotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	if target.DoctorID != cur.DoctorID {
		return nil, ErrSlotDoctorMismatch
	}
	if !store.SameDate(target.SlotDate, newDate) {
		return nil, ErrSlotDateMismatch
	}
	if err := s.checkLeadTime(target); err != nil {
		return nil, err
	}

	var (
		appt    *models.Appointment
		oldSlot int64
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, cur.DoctorID); err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}

		slots, err := lockSlotsInOrder(ctx, tx, cur.SlotID, req.NewSlotID)
		if err != nil {
			return err
		}
		next := slots[req.NewSlotID]

		appt, err = tx.LockAppointment(ctx, req.AppointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		if appt.SlotID != next.ID {
			if err := lockMovedSlot(ctx, tx, cur.SlotID, appt); err != nil {
				return err
			}
		}
		if !appt.Active() {
			return ErrInvalidTransition
		}
		if appt.StartAt.Sub(s.policy.now()) < s.policy.CancellationWindow {
			return ErrCancellationWindowClosed
		}
		if next.ID == appt.SlotID || next.IsBooked {
			return ErrSlotAlreadyBooked
		}
		if next.IsBlocked {
			return ErrSlotBlocked
		}
		if next.DoctorID != appt.DoctorID {
			return ErrSlotDoctorMismatch
		}

		n, err := tx.CountActiveAppointments(ctx, appt.DoctorID, store.CivilDate(newDate), appt.ID)
		if err != nil {
			return fmt.Errorf("failed to count appointments: %w", err)
		}
		if n >= s.policy.DailyAppointmentCap {
			return ErrDailyCapacityReached
		}

		oldSlot = appt.SlotID
		if err := s.slots.ReleaseSlot(ctx, tx, oldSlot); err != nil {
			return err
		}
		if err := tx.MarkSlotBooked(ctx, next.ID, appt.ID); err != nil {
			return fmt.Errorf("failed to book slot: %w", err)
		}

		appt.SlotID = next.ID
		appt.AppointmentDate = store.CivilDate(newDate)
		appt.StartAt = next.StartAt
		appt.EndAt = next.EndAt
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("failed to update appointment: %w", err)
		}
		return s.slots.RecomputeNextAvailable(ctx, tx, appt.DoctorID)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.AppointmentsRescheduledTotal.Inc()
	s.logger.Info("Appointment rescheduled",
		zap.String("appointment_id", appt.ID),
		zap.Int64("old_slot_id", oldSlot),
		zap.Int64("new_slot_id", appt.SlotID))

	s.audit.Record(ctx, audit.Entry{
		Action:     "appointment.rescheduled",
		EntityType: "appointment",
		EntityID:   appt.ID,
		ActorID:    req.PatientID,
		Detail:     map[string]interface{}{"old_slot_id": oldSlot, "new_slot_id": appt.SlotID},
	})
	s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeAppointmentRescheduled, "Appointment rescheduled",
		fmt.Sprintf("Appointment %s moved to %s", appt.ID, appt.StartAt.In(s.policy.loc()).Format("02 Jan 15:04")),
		appt, patientOf(appt), doctorOf(appt)))

	return appt, nil
}

// lockSlotsInOrder locks slot rows in ascending id order
func lockSlotsInOrder(ctx context.Context, tx store.Tx, a, b int64) (map[int64]*models.Slot, error) {
	ids := []int64{a, b}
	if b < a {
		ids = []int64{b, a}
	}
	if a == b {
		ids = ids[:1]
	}

	out := make(map[int64]*models.Slot, len(ids))
	for _, id := range ids {
		slot, err := tx.LockSlot(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrSlotNotFound
			}
			return nil, fmt.Errorf("failed to lock slot %d: %w", id, err)
		}
		out[id] = slot
	}
	return out, nil
}

// Complete closes a confirmed appointment after it has started. For clinic
// payments this is when the money is collected, so the payment record and the
// doctor's credit are written here.
func (s *BookingService) Complete(ctx context.Context, doctorID int64, appointmentID string) (*models.Appointment, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.Complete")
	defer span.End()

	cur, err := s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if cur.DoctorID != doctorID {
		return nil, ErrForbidden
	}

	var appt *models.Appointment
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, doctorID); err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		appt, err = tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		if appt.Status != models.AppointmentStatusConfirmed {
			return ErrInvalidTransition
		}
		now := s.policy.now()
		if now.Before(appt.StartAt) {
			return ErrTooEarlyToComplete
		}

		appt.Status = models.AppointmentStatusCompleted
		appt.CompletedAt = sql.NullTime{Time: now, Valid: true}
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("failed to update appointment: %w", err)
		}

		if appt.PaymentMethod != models.PaymentMethodClinic {
			return nil
		}
		payment := &models.Payment{
			AppointmentID:  appt.ID,
			Method:         models.PaymentMethodClinic,
			TotalAmount:    appt.TotalAmount,
			PlatformFee:    appt.PlatformFee,
			DoctorShare:    appt.DoctorShare,
			GatewayOrderID: clinicOrderID(appt.ID),
			Status:         models.PaymentStatusPaid,
			PaidAt:         sql.NullTime{Time: now, Valid: true},
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to record clinic payment: %w", err)
		}
		if appt.DoctorShare == 0 {
			return nil
		}
		_, _, err = s.wallet.CreditTx(ctx, tx, CreditInput{
			DoctorID:      appt.DoctorID,
			Amount:        appt.DoctorShare,
			AppointmentID: appt.ID,
			Description:   "Consultation paid at clinic for " + appt.ID,
		})
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.AppointmentsCompletedTotal.Inc()
	s.logger.Info("Appointment completed",
		zap.String("appointment_id", appt.ID),
		zap.String("payment_method", appt.PaymentMethod))

	s.audit.Record(ctx, audit.Entry{
		Action:     "appointment.completed",
		EntityType: "appointment",
		EntityID:   appt.ID,
		ActorID:    doctorID,
	})
	s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeAppointmentCompleted, "Consultation completed",
		fmt.Sprintf("Your consultation %s is complete", appt.ID), appt, patientOf(appt)))

	return appt, nil
}

// ApplyLeave blocks the doctor's free slots over a date range and warns the
// patients already booked in it.
func (s *BookingService) ApplyLeave(ctx context.Context, doctorID int64, req *LeaveRequest) (*LeaveResult, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.ApplyLeave")
	defer span.End()

	from, err := parseDate(req.From)
	if err != nil {
		return nil, err
	}
	to, err := parseDate(req.To)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, ErrInvalidDateRange
	}

	blocked, err := s.slots.BlockSlots(ctx, doctorID, from, to, req.Reason)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	affected, err := s.store.ListActiveAppointmentsBetween(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list affected appointments: %w", err)
	}

	today := s.policy.today()
	if !today.Before(from) && !today.After(to) {
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockDoctor(ctx, doctorID); err != nil {
				return err
			}
			return tx.UpdateDoctorAvailability(ctx, doctorID, false)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to mark doctor unavailable: %w", err)
		}
	}

	res := &LeaveResult{BlockedSlots: blocked, AffectedAppointments: make([]string, 0, len(affected))}
	for i := range affected {
		appt := &affected[i]
		res.AffectedAppointments = append(res.AffectedAppointments, appt.ID)
		s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeLeaveApplied, "Doctor on leave",
			fmt.Sprintf("Your doctor is unavailable on %s. Please reschedule appointment %s",
				appt.StartAt.In(s.policy.loc()).Format("02 Jan"), appt.ID),
			appt, patientOf(appt)))
	}

	s.logger.Info("Leave applied",
		zap.Int64("doctor_id", doctorID),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Int("blocked", blocked),
		zap.Int("affected", len(affected)))
	s.audit.Record(ctx, audit.Entry{
		Action:     "doctor.leave_applied",
		EntityType: "doctor",
		EntityID:   idString(doctorID),
		ActorID:    doctorID,
		Detail:     map[string]interface{}{"from": req.From, "to": req.To, "blocked": blocked},
	})

	return res, nil
}

// GetAppointment returns an appointment to one of its participants or an admin
func (s *BookingService) GetAppointment(ctx context.Context, id string, actor identity.Principal) (*AppointmentDetails, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.GetAppointment")
	defer span.End()

	appt, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && !isParticipant(appt, actor) {
		return nil, ErrForbidden
	}

	details := &AppointmentDetails{Appointment: appt}
	payment, err := s.store.GetPaymentByAppointmentID(ctx, id)
	switch {
	case err == nil:
		details.Payment = payment
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	code, err := s.store.GetVerificationCode(ctx, id)
	switch {
	case err == nil:
		details.Verification = code
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to get verification code: %w", err)
	}
	return details, nil
}
