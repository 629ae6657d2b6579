package memstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/store"
)

var errCheckViolation = errors.New("check constraint violated")

type memTx struct {
	*state
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func put[K comparable, V any](t *memTx, m map[K]*V, k K, v *V) {
	prev, existed := m[k]
	t.undo = append(t.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func (t *memTx) LockDoctor(ctx context.Context, id int64) (*models.Doctor, error) {
	return t.GetDoctor(ctx, id)
}

func (t *memTx) LockSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return t.GetSlot(ctx, id)
}

func (t *memTx) LockAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	return t.GetAppointment(ctx, id)
}

func (t *memTx) LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return t.GetPaymentByOrderID(ctx, orderID)
}

func (t *memTx) LockPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error) {
	return t.GetPaymentByAppointmentID(ctx, appointmentID)
}

func (t *memTx) LockWallet(ctx context.Context, doctorID int64) (*models.Wallet, error) {
	return t.GetWalletByDoctorID(ctx, doctorID)
}

func (t *memTx) LockWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	return t.GetWithdrawal(ctx, id)
}

func (t *memTx) updateDoctor(id int64, fn func(*models.Doctor)) error {
	d, ok := t.doctors[id]
	if !ok {
		return store.ErrNotFound
	}
	c := clone(d)
	fn(c)
	c.UpdatedAt = t.now()
	put(t, t.doctors, id, c)
	return nil
}

func (t *memTx) UpdateDoctorAvailability(ctx context.Context, doctorID int64, available bool) error {
	return t.updateDoctor(doctorID, func(d *models.Doctor) { d.IsAvailable = available })
}

func (t *memTx) UpdateDoctorNextAvailable(ctx context.Context, doctorID int64, next sql.NullTime) error {
	return t.updateDoctor(doctorID, func(d *models.Doctor) { d.NextAvailableSlot = next })
}

func (t *memTx) IncrementDoctorConsultations(ctx context.Context, doctorID int64) error {
	return t.updateDoctor(doctorID, func(d *models.Doctor) { d.TotalConsultations++ })
}

func (t *memTx) InsertSlot(ctx context.Context, slot *models.Slot) (bool, error) {
	for _, s := range t.slots {
		if s.DoctorID == slot.DoctorID && s.StartAt.Equal(slot.StartAt) {
			return false, nil
		}
	}
	if !slot.EndAt.After(slot.StartAt) {
		return false, fmt.Errorf("slots_range: %w", errCheckViolation)
	}
	t.seqSlot++
	slot.ID = t.seqSlot
	slot.CreatedAt = t.now()
	slot.UpdatedAt = slot.CreatedAt
	put(t, t.slots, slot.ID, clone(slot))
	return true, nil
}

func (t *memTx) updateSlot(id int64, fn func(*models.Slot)) error {
	s, ok := t.slots[id]
	if !ok {
		return store.ErrNotFound
	}
	c := clone(s)
	fn(c)
	if c.IsBooked && c.IsBlocked {
		return fmt.Errorf("slots_booked_not_blocked: %w", errCheckViolation)
	}
	if c.IsBooked != c.AppointmentID.Valid {
		return fmt.Errorf("slots_booked_has_appointment: %w", errCheckViolation)
	}
	c.UpdatedAt = t.now()
	put(t, t.slots, id, c)
	return nil
}

func (t *memTx) MarkSlotBooked(ctx context.Context, slotID int64, appointmentID string) error {
	return t.updateSlot(slotID, func(s *models.Slot) {
		s.IsBooked = true
		s.AppointmentID = sql.NullString{String: appointmentID, Valid: true}
	})
}

func (t *memTx) ReleaseSlot(ctx context.Context, slotID int64) error {
	return t.updateSlot(slotID, func(s *models.Slot) {
		s.IsBooked = false
		s.AppointmentID = sql.NullString{}
	})
}

func (t *memTx) SetSlotBlocked(ctx context.Context, slotID int64, blocked bool, reason string) error {
	if !blocked {
		reason = ""
	}
	return t.updateSlot(slotID, func(s *models.Slot) {
		s.IsBlocked = blocked
		s.BlockReason = reason
	})
}

func (t *memTx) BlockFreeSlots(ctx context.Context, doctorID int64, from, to time.Time, reason string) (int, error) {
	lo, hi := dateKey(from), dateKey(to)
	var ids []int64
	for id, s := range t.slots {
		d := dateKey(s.SlotDate)
		if s.DoctorID == doctorID && d >= lo && d <= hi && s.Free() {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if err := t.SetSlotBlocked(ctx, id, true, reason); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt *models.Appointment) error {
	if _, ok := t.appointments[appt.ID]; ok {
		return fmt.Errorf("%w: appointments_pkey", store.ErrConflict)
	}
	if appt.TotalAmount != appt.PlatformFee+appt.DoctorShare {
		return fmt.Errorf("appointments_fee_split: %w", errCheckViolation)
	}
	appt.CreatedAt = t.now()
	appt.UpdatedAt = appt.CreatedAt
	put(t, t.appointments, appt.ID, clone(appt))
	return nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt *models.Appointment) error {
	cur, ok := t.appointments[appt.ID]
	if !ok {
		return store.ErrNotFound
	}
	c := clone(cur)
	c.SlotID = appt.SlotID
	c.AppointmentDate = appt.AppointmentDate
	c.StartAt = appt.StartAt
	c.EndAt = appt.EndAt
	c.Status = appt.Status
	c.CancellationReason = appt.CancellationReason
	c.CancelledAt = appt.CancelledAt
	c.CompletedAt = appt.CompletedAt
	c.UpdatedAt = t.now()
	appt.UpdatedAt = c.UpdatedAt
	put(t, t.appointments, c.ID, c)
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	for _, p := range t.payments {
		if p.AppointmentID == payment.AppointmentID {
			return fmt.Errorf("%w: payments_appointment_id_key", store.ErrConflict)
		}
		if p.GatewayOrderID == payment.GatewayOrderID {
			return fmt.Errorf("%w: payments_gateway_order_id_key", store.ErrConflict)
		}
	}
	t.seqPayment++
	payment.ID = t.seqPayment
	payment.CreatedAt = t.now()
	payment.UpdatedAt = payment.CreatedAt
	put(t, t.payments, payment.ID, clone(payment))
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	cur, ok := t.payments[payment.ID]
	if !ok {
		return store.ErrNotFound
	}
	for _, p := range t.payments {
		if p.ID != payment.ID && p.GatewayOrderID == payment.GatewayOrderID {
			return fmt.Errorf("%w: payments_gateway_order_id_key", store.ErrConflict)
		}
	}
	c := clone(payment)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = t.now()
	payment.UpdatedAt = c.UpdatedAt
	put(t, t.payments, c.ID, c)
	return nil
}

func (t *memTx) InsertVerificationCode(ctx context.Context, code *models.VerificationCode) error {
	if _, ok := t.codes[code.AppointmentID]; ok {
		return fmt.Errorf("%w: verification_codes_pkey", store.ErrConflict)
	}
	code.CreatedAt = t.now()
	put(t, t.codes, code.AppointmentID, clone(code))
	return nil
}

func (t *memTx) InsertWallet(ctx context.Context, wallet *models.Wallet) error {
	if t.walletByDoctor(wallet.DoctorID) != nil {
		return fmt.Errorf("%w: wallets_doctor_id_key", store.ErrConflict)
	}
	t.seqWallet++
	*wallet = models.Wallet{ID: t.seqWallet, DoctorID: wallet.DoctorID, CreatedAt: t.now()}
	wallet.UpdatedAt = wallet.CreatedAt
	put(t, t.wallets, wallet.ID, clone(wallet))
	return nil
}

func (t *memTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	cur, ok := t.wallets[wallet.ID]
	if !ok {
		return store.ErrNotFound
	}
	if wallet.CurrentBalance < 0 || wallet.PendingWithdrawal < 0 {
		return fmt.Errorf("wallets_balance: %w", errCheckViolation)
	}
	c := clone(wallet)
	c.DoctorID = cur.DoctorID
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = t.now()
	wallet.UpdatedAt = c.UpdatedAt
	put(t, t.wallets, c.ID, c)
	return nil
}

func (t *memTx) InsertWalletTransaction(ctx context.Context, wt *models.WalletTransaction) error {
	if wt.BalanceAfter != wt.BalanceBefore+wt.Amount {
		return fmt.Errorf("wallet_transactions_balance: %w", errCheckViolation)
	}
	if wt.AppointmentID.Valid {
		if _, err := t.FindWalletTransaction(ctx, wt.AppointmentID.String, wt.Type); err == nil {
			return fmt.Errorf("%w: wallet_transactions_appointment_type_key", store.ErrConflict)
		}
	}
	t.seqWalletTx++
	wt.ID = t.seqWalletTx
	wt.CreatedAt = t.now()

	n := len(t.walletTxs)
	t.walletTxs = append(t.walletTxs, clone(wt))
	t.undo = append(t.undo, func() { t.walletTxs = t.walletTxs[:n] })
	return nil
}

func (t *memTx) FindWalletTransaction(ctx context.Context, appointmentID, txType string) (*models.WalletTransaction, error) {
	for _, wt := range t.walletTxs {
		if wt.AppointmentID.Valid && wt.AppointmentID.String == appointmentID && wt.Type == txType {
			return clone(wt), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	t.seqWithdrawal++
	w.ID = t.seqWithdrawal
	w.CreatedAt = t.now()
	put(t, t.withdrawals, w.ID, clone(w))
	return nil
}

func (t *memTx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	cur, ok := t.withdrawals[w.ID]
	if !ok {
		return store.ErrNotFound
	}
	c := clone(cur)
	c.Status = w.Status
	c.Note = w.Note
	c.SettledAt = w.SettledAt
	put(t, t.withdrawals, c.ID, c)
	return nil
}
