package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookAdvanceOpensPendingPayment(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)

	res := f.book(slot, models.PaymentMethodAdvance)
	appt := res.Appointment

	assert.Regexp(t, `^APT[1-9][0-9]{5}$`, appt.ID)
	assert.Equal(t, models.AppointmentStatusPaymentPending, appt.Status)
	assert.Equal(t, int64(1000), appt.TotalAmount)
	assert.Equal(t, int64(200), appt.PlatformFee)
	assert.Equal(t, int64(800), appt.DoctorShare)

	require.NotNil(t, res.PaymentOrder)
	assert.Equal(t, "order_1", res.PaymentOrder.OrderID)
	assert.Equal(t, int64(100000), res.PaymentOrder.AmountMinor)
	assert.False(t, res.PaymentOrder.Synthesized)

	payment := f.payment(appt.ID)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, "order_1", payment.GatewayOrderID)

	booked := f.slot(slot.ID)
	assert.True(t, booked.IsBooked)
	assert.Equal(t, appt.ID, booked.AppointmentID.String)

	doctor, err := f.st.GetDoctor(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doctor.TotalConsultations)
	assert.False(t, doctor.NextAvailableSlot.Valid)

	assert.Equal(t, []string{models.EventTypeAppointmentBooked}, f.sink.types())
	assert.Len(t, f.sink.events[0].Recipients, 2)
}

func TestBookClinicIsConfirmedWithoutPaymentRecord(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)

	res := f.book(slot, models.PaymentMethodClinic)

	assert.Equal(t, models.AppointmentStatusConfirmed, res.Appointment.Status)
	assert.Nil(t, res.PaymentOrder)
	_, err := f.st.GetPaymentByAppointmentID(f.ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.proc.orders)
}

func TestBookLeadTime(t *testing.T) {
	f := newFixture(t)

	tooSoon := f.slotIn(59 * time.Minute)
	_, err := f.booking.Book(f.ctx, f.bookReq(f.patient.ID, tooSoon, models.PaymentMethodClinic))
	assert.ErrorIs(t, err, ErrLeadTimeTooShort)
	assert.True(t, IsValidation(err))
	assert.False(t, f.slot(tooSoon.ID).IsBooked)

	justEnough := f.slotIn(61 * time.Minute)
	_, err = f.booking.Book(f.ctx, f.bookReq(f.patient.ID, justEnough, models.PaymentMethodClinic))
	assert.NoError(t, err)

	past := f.slotIn(-time.Hour)
	_, err = f.booking.Book(f.ctx, f.bookReq(f.patient.ID, past, models.PaymentMethodClinic))
	assert.ErrorIs(t, err, ErrSlotInPast)
}

func TestBookRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)
	other := f.addDoctor(500)

	cases := []struct {
		name string
		edit func(r *BookingRequest)
		want error
	}{
		{"unknown patient", func(r *BookingRequest) { r.PatientID = 999 }, ErrPatientNotFound},
		{"unknown doctor", func(r *BookingRequest) { r.DoctorID = 999 }, ErrDoctorNotFound},
		{"unknown slot", func(r *BookingRequest) { r.SlotID = 999 }, ErrSlotNotFound},
		{"slot of another doctor", func(r *BookingRequest) { r.DoctorID = other.ID }, ErrSlotDoctorMismatch},
		{"wrong date", func(r *BookingRequest) { r.Date = "2025-06-05" }, ErrSlotDateMismatch},
		{"bad method", func(r *BookingRequest) { r.PaymentMethod = "card" }, ErrInvalidPaymentMethod},
		{"bad consultation", func(r *BookingRequest) { r.ConsultationType = "phone" }, ErrInvalidConsultationType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.bookReq(f.patient.ID, slot, models.PaymentMethodAdvance)
			tc.edit(req)
			_, err := f.booking.Book(f.ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.False(t, f.slot(slot.ID).IsBooked)
	assert.Zero(t, f.proc.orders)
}

func TestBookUnavailableDoctor(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)
	require.NoError(t, f.st.WithTx(f.ctx, func(tx store.Tx) error {
		return tx.UpdateDoctorAvailability(f.ctx, f.doctor.ID, false)
	}))

	_, err := f.booking.Book(f.ctx, f.bookReq(f.patient.ID, slot, models.PaymentMethodClinic))
	assert.ErrorIs(t, err, ErrDoctorUnavailable)
}

func TestBookFallsBackToLocalOrder(t *testing.T) {
	f := newFixture(t)
	f.proc.failOrders = true
	slot := f.slotIn(48 * time.Hour)

	res := f.book(slot, models.PaymentMethodAdvance)

	require.NotNil(t, res.PaymentOrder)
	assert.True(t, res.PaymentOrder.Synthesized)
	assert.True(t, strings.HasPrefix(res.PaymentOrder.OrderID, "order_local_"+res.Appointment.ID+"_"))
	assert.Equal(t, models.AppointmentStatusPaymentPending, res.Appointment.Status)
}

func TestBookReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)

	req := f.bookReq(f.patient.ID, slot, models.PaymentMethodAdvance)
	req.IdempotencyKey = "key-1"
	first, err := f.booking.Book(f.ctx, req)
	require.NoError(t, err)

	again := f.bookReq(f.patient.ID, slot, models.PaymentMethodAdvance)
	again.IdempotencyKey = "key-1"
	second, err := f.booking.Book(f.ctx, again)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Appointment.ID, second.Appointment.ID)
	assert.Equal(t, first.PaymentOrder.OrderID, second.PaymentOrder.OrderID)
	assert.Equal(t, 1, f.proc.orders)
}

func TestNoDoubleBookingUnderContention(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)

	const racers = 50
	patients := make([]*models.Patient, racers)
	for i := range patients {
		patients[i] = f.addPatient()
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  []string
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(p *models.Patient) {
			defer wg.Done()
			<-start
			res, err := f.booking.Book(f.ctx, f.bookReq(p.ID, slot, models.PaymentMethodAdvance))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, res.Appointment.ID)
				return
			}
			if !IsConcurrencyLoss(err) {
				other = append(other, err)
			}
		}(patients[i])
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, wins, 1)

	booked := f.slot(slot.ID)
	assert.True(t, booked.IsBooked)
	assert.Equal(t, wins[0], booked.AppointmentID.String)

	n, err := f.st.CountActiveAppointments(f.ctx, f.doctor.ID, booked.SlotDate, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDailyCapacity(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var first *BookingResult
	for i := 0; i < 20; i++ {
		res := f.book(f.addSlot(f.doctor.ID, day.Add(time.Duration(i)*15*time.Minute)), models.PaymentMethodClinic)
		if i == 0 {
			first = res
		}
	}

	extra := f.addSlot(f.doctor.ID, day.Add(20*15*time.Minute))
	_, err := f.booking.Book(f.ctx, f.bookReq(f.patient.ID, extra, models.PaymentMethodClinic))
	assert.ErrorIs(t, err, ErrDailyCapacityReached)
	assert.False(t, f.slot(extra.ID).IsBooked)

	// other days are unaffected
	f.book(f.addSlot(f.doctor.ID, day.AddDate(0, 0, 1)), models.PaymentMethodClinic)

	_, err = f.booking.Cancel(f.ctx, &CancelRequest{AppointmentID: first.Appointment.ID, Actor: f.patientPrincipal()})
	require.NoError(t, err)
	_, err = f.booking.Book(f.ctx, f.bookReq(f.patient.ID, extra, models.PaymentMethodClinic))
	assert.NoError(t, err)
}

func TestAppointmentIDRetriesOnCollision(t *testing.T) {
	f := newFixture(t)
	seq := []int{123456, 123456, 654321}
	f.booking.newID = func() int {
		v := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return v
	}

	a := f.book(f.slotIn(48*time.Hour), models.PaymentMethodClinic)
	b := f.book(f.slotIn(49*time.Hour), models.PaymentMethodClinic)
	assert.Equal(t, "APT123456", a.Appointment.ID)
	assert.Equal(t, "APT654321", b.Appointment.ID)

	f.booking.newID = func() int { return 123456 }
	_, err := f.booking.Book(f.ctx, f.bookReq(f.patient.ID, f.slotIn(50*time.Hour), models.PaymentMethodClinic))
	assert.ErrorIs(t, err, ErrAppointmentIDSpace)
}

func TestCancelPendingAppointment(t *testing.T) {
	f := newFixture(t)
	slot := f.slotIn(48 * time.Hour)
	res := f.book(slot, models.PaymentMethodAdvance)
	f.sink.reset()

	appt, err := f.booking.Cancel(f.ctx, &CancelRequest{
		AppointmentID: res.Appointment.ID,
		Actor:         f.patientPrincipal(),
		Reason:        "plans changed",
	})
	require.NoError(t, err)

	assert.Equal(t, models.AppointmentStatusCancelled, appt.Status)
	assert.Equal(t, "plans changed", appt.CancellationReason)
	assert.True(t, appt.CancelledAt.Valid)
	assert.True(t, f.slot(slot.ID).Free())
	assert.Equal(t, models.PaymentStatusFailed, f.payment(appt.ID).Status)
	assert.Equal(t, []string{models.EventTypeAppointmentCancelled}, f.sink.types())

	_, err = f.booking.Cancel(f.ctx, &CancelRequest{AppointmentID: appt.ID, Actor: f.patientPrincipal()})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelByDoctorLeavesPaidPaymentAlone(t *testing.T) {
	f := newFixture(t)
	res := f.bookAndPay(f.slotIn(48 * time.Hour))

	_, err := f.booking.Cancel(f.ctx, &CancelRequest{
		AppointmentID: res.Appointment.ID,
		Actor:         identity.Principal{UserID: f.doctor.ID, Role: models.RoleDoctor},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, f.payment(res.Appointment.ID).Status)
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	res := f.book(f.slotIn(90*time.Minute), models.PaymentMethodClinic)

	stranger := f.addPatient()
	_, err := f.booking.Cancel(f.ctx, &CancelRequest{
		AppointmentID: res.Appointment.ID,
		Actor:         identity.Principal{UserID: stranger.ID, Role: models.RolePatient},
	})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.booking.Cancel(f.ctx, &CancelRequest{AppointmentID: res.Appointment.ID, Actor: f.patientPrincipal()})
	assert.ErrorIs(t, err, ErrCancellationWindowClosed)
	assert.Equal(t, models.AppointmentStatusConfirmed, f.appointment(res.Appointment.ID).Status)

	_, err = f.booking.Cancel(f.ctx, &CancelRequest{AppointmentID: "APT000000", Actor: f.patientPrincipal()})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.slotIn(48 * time.Hour)
	newSlot := f.slotIn(72 * time.Hour)
	res := f.book(oldSlot, models.PaymentMethodClinic)

	appt, err := f.booking.Reschedule(f.ctx, &RescheduleRequest{
		AppointmentID: res.Appointment.ID,
		PatientID:     f.patient.ID,
		NewSlotID:     newSlot.ID,
		NewDate:       newSlot.SlotDate.Format(store.DateLayout),
	})
	require.NoError(t, err)

	assert.Equal(t, newSlot.ID, appt.SlotID)
	assert.True(t, appt.StartAt.Equal(newSlot.StartAt))
	assert.True(t, store.SameDate(appt.AppointmentDate, newSlot.SlotDate))
	assert.True(t, f.slot(oldSlot.ID).Free())
	assert.Equal(t, appt.ID, f.slot(newSlot.ID).AppointmentID.String)
	assert.Contains(t, f.sink.types(), models.EventTypeAppointmentRescheduled)

	stored := f.appointment(appt.ID)
	assert.Equal(t, int64(800), stored.DoctorShare)
}

func TestRescheduleRules(t *testing.T) {
	f := newFixture(t)
	res := f.book(f.slotIn(48*time.Hour), models.PaymentMethodClinic)
	taken := f.slotIn(50 * time.Hour)
	f.book(taken, models.PaymentMethodClinic)
	foreign := f.addSlot(f.addDoctor(700).ID, fixtureNow.Add(60*time.Hour))
	soon := f.slotIn(30 * time.Minute)

	req := func(s *models.Slot) *RescheduleRequest {
		return &RescheduleRequest{
			AppointmentID: res.Appointment.ID,
			PatientID:     f.patient.ID,
			NewSlotID:     s.ID,
			NewDate:       s.SlotDate.Format(store.DateLayout),
		}
	}

	_, err := f.booking.Reschedule(f.ctx, req(taken))
	assert.ErrorIs(t, err, ErrSlotAlreadyBooked)

	_, err = f.booking.Reschedule(f.ctx, req(foreign))
	assert.ErrorIs(t, err, ErrSlotDoctorMismatch)

	_, err = f.booking.Reschedule(f.ctx, req(soon))
	assert.ErrorIs(t, err, ErrLeadTimeTooShort)

	bad := req(taken)
	bad.PatientID = 999
	_, err = f.booking.Reschedule(f.ctx, bad)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteClinicAppointmentCreditsWallet(t *testing.T) {
	f := newFixture(t)
	res := f.book(f.slotIn(2*time.Hour), models.PaymentMethodClinic)

	_, err := f.booking.Complete(f.ctx, f.doctor.ID, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrTooEarlyToComplete)
	_, err = f.st.GetWalletByDoctorID(f.ctx, f.doctor.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.clock.Advance(2*time.Hour + 5*time.Minute)
	appt, err := f.booking.Complete(f.ctx, f.doctor.ID, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentStatusCompleted, appt.Status)

	payment := f.payment(appt.ID)
	assert.Equal(t, models.PaymentMethodClinic, payment.Method)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	assert.Equal(t, "clinic_"+appt.ID, payment.GatewayOrderID)

	w := f.walletOf(f.doctor.ID)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Equal(t, int64(800), w.LifetimeEarned)

	_, err = f.booking.Complete(f.ctx, f.doctor.ID, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(800), f.walletOf(f.doctor.ID).CurrentBalance)
}

func TestCompleteAdvanceAppointmentDoesNotCreditTwice(t *testing.T) {
	f := newFixture(t)
	res := f.bookAndPay(f.slotIn(2 * time.Hour))
	f.clock.Advance(3 * time.Hour)

	_, err := f.booking.Complete(f.ctx, f.doctor.ID, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), f.walletOf(f.doctor.ID).CurrentBalance)

	other := f.addDoctor(500)
	_, err = f.booking.Complete(f.ctx, other.ID, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestApplyLeave(t *testing.T) {
	f := newFixture(t)
	today := f.addSlot(f.doctor.ID, fixtureNow.Add(4*time.Hour))
	tomorrow := f.addSlot(f.doctor.ID, fixtureNow.Add(28*time.Hour))
	later := f.addSlot(f.doctor.ID, fixtureNow.Add(100*time.Hour))
	booked := f.book(f.addSlot(f.doctor.ID, fixtureNow.Add(30*time.Hour)), models.PaymentMethodClinic)
	f.sink.reset()

	res, err := f.booking.ApplyLeave(f.ctx, f.doctor.ID, &LeaveRequest{
		From:   "2025-05-31",
		To:     "2025-06-01",
		Reason: "conference",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.BlockedSlots)
	assert.Equal(t, []string{booked.Appointment.ID}, res.AffectedAppointments)
	assert.True(t, f.slot(today.ID).IsBlocked)
	assert.True(t, f.slot(tomorrow.ID).IsBlocked)
	assert.False(t, f.slot(later.ID).IsBlocked)
	assert.True(t, f.slot(booked.Appointment.SlotID).IsBooked)
	assert.Equal(t, []string{models.EventTypeLeaveApplied}, f.sink.types())

	doctor, err := f.st.GetDoctor(f.ctx, f.doctor.ID)
	require.NoError(t, err)
	assert.False(t, doctor.IsAvailable)
	assert.True(t, doctor.NextAvailableSlot.Time.Equal(later.StartAt))

	_, err = f.booking.ApplyLeave(f.ctx, f.doctor.ID, &LeaveRequest{From: "2025-06-02", To: "2025-06-01", Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestGetAppointmentVisibility(t *testing.T) {
	f := newFixture(t)
	res := f.bookAndPay(f.slotIn(48 * time.Hour))

	details, err := f.booking.GetAppointment(f.ctx, res.Appointment.ID, f.patientPrincipal())
	require.NoError(t, err)
	require.NotNil(t, details.Payment)
	require.NotNil(t, details.Verification)
	assert.Equal(t, models.PaymentStatusPaid, details.Payment.Status)

	_, err = f.booking.GetAppointment(f.ctx, res.Appointment.ID, identity.Principal{UserID: f.doctor.ID, Role: models.RoleDoctor})
	assert.NoError(t, err)
	_, err = f.booking.GetAppointment(f.ctx, res.Appointment.ID, identity.Principal{UserID: 1, Role: models.RoleAdmin})
	assert.NoError(t, err)

	_, err = f.booking.GetAppointment(f.ctx, res.Appointment.ID, identity.Principal{UserID: f.patient.ID + 100, Role: models.RolePatient})
	assert.True(t, errors.Is(err, ErrForbidden))
}

// staleReadLedger serves a fixed snapshot of one appointment to unlocked reads
// and records the slots each transaction locks.
type staleReadLedger struct {
	store.Ledger
	stale  models.Appointment
	locked []int64
}

func (l *staleReadLedger) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	if id == l.stale.ID {
		a := l.stale
		return &a, nil
	}
	return l.Ledger.GetAppointment(ctx, id)
}

func (l *staleReadLedger) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.Ledger.WithTx(ctx, func(tx store.Tx) error {
		return fn(&slotLockRecorder{Tx: tx, l: l})
	})
}

type slotLockRecorder struct {
	store.Tx
	l *staleReadLedger
}

func (r *slotLockRecorder) LockSlot(ctx context.Context, id int64) (*models.Slot, error) {
	r.l.locked = append(r.l.locked, id)
	return r.Tx.LockSlot(ctx, id)
}

func TestCancelLocksTheSlotItReleases(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.slotIn(48 * time.Hour)
	newSlot := f.slotIn(72 * time.Hour)
	res := f.book(oldSlot, models.PaymentMethodClinic)
	before := *res.Appointment

	_, err := f.booking.Reschedule(f.ctx, &RescheduleRequest{
		AppointmentID: before.ID,
		PatientID:     f.patient.ID,
		NewSlotID:     newSlot.ID,
		NewDate:       newSlot.SlotDate.Format(store.DateLayout),
	})
	require.NoError(t, err)

	// the cancel read the appointment before the reschedule committed
	stale := &staleReadLedger{Ledger: f.st, stale: before}
	f.booking.store = stale

	appt, err := f.booking.Cancel(f.ctx, &CancelRequest{AppointmentID: before.ID, Actor: f.patientPrincipal()})
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentStatusCancelled, appt.Status)
	assert.Equal(t, []int64{oldSlot.ID, newSlot.ID}, stale.locked)
	assert.True(t, f.slot(newSlot.ID).Free())
	assert.True(t, f.slot(oldSlot.ID).Free())
}

func TestPaymentFailureLocksTheSlotItReleases(t *testing.T) {
	f := newFixture(t)
	oldSlot := f.slotIn(48 * time.Hour)
	newSlot := f.slotIn(72 * time.Hour)
	res := f.book(oldSlot, models.PaymentMethodAdvance)
	before := *res.Appointment

	_, err := f.booking.Reschedule(f.ctx, &RescheduleRequest{
		AppointmentID: before.ID,
		PatientID:     f.patient.ID,
		NewSlotID:     newSlot.ID,
		NewDate:       newSlot.SlotDate.Format(store.DateLayout),
	})
	require.NoError(t, err)

	stale := &staleReadLedger{Ledger: f.st, stale: before}
	f.settlement.store = stale

	body := f.webhook(WebhookPaymentFailed, res.PaymentOrder.OrderID, "pay_1")
	hook, err := f.settlement.HandleWebhook(f.ctx, body, f.signer.WebhookSignature(body), "evt_fail")
	require.NoError(t, err)
	assert.True(t, hook.Handled)
	assert.Equal(t, []int64{oldSlot.ID, newSlot.ID}, stale.locked)
	assert.True(t, f.slot(newSlot.ID).Free())
	assert.Equal(t, models.AppointmentStatusCancelled, f.appointment(before.ID).Status)
}
