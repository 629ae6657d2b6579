package memstore

import (
	"context"
	"sort"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/store"
)

// state holds every table. Stored values are never mutated in place;
// writers swap in a fresh copy so the undo log can restore the old pointer.
type state struct {
	now func() time.Time

	doctors      map[int64]*models.Doctor
	patients     map[int64]*models.Patient
	slots        map[int64]*models.Slot
	appointments map[string]*models.Appointment
	payments     map[int64]*models.Payment
	codes        map[string]*models.VerificationCode
	wallets      map[int64]*models.Wallet
	withdrawals  map[int64]*models.Withdrawal
	walletTxs    []*models.WalletTransaction
	audit        []models.AuditEntry
	processed    map[string]string

	seqDoctor, seqPatient, seqSlot, seqPayment int64
	seqWallet, seqWalletTx, seqWithdrawal      int64
	seqAudit                                   int64
}

func newState() *state {
	return &state{
		now:          time.Now,
		doctors:      make(map[int64]*models.Doctor),
		patients:     make(map[int64]*models.Patient),
		slots:        make(map[int64]*models.Slot),
		appointments: make(map[string]*models.Appointment),
		payments:     make(map[int64]*models.Payment),
		codes:        make(map[string]*models.VerificationCode),
		wallets:      make(map[int64]*models.Wallet),
		withdrawals:  make(map[int64]*models.Withdrawal),
		processed:    make(map[string]string),
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func dateKey(t time.Time) string {
	return t.Format(store.DateLayout)
}

func (st *state) GetDoctor(ctx context.Context, id int64) (*models.Doctor, error) {
	d, ok := st.doctors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(d), nil
}

func (st *state) ListDoctorIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(st.doctors))
	for id := range st.doctors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (st *state) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	p, ok := st.patients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (st *state) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	s, ok := st.slots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(s), nil
}

func (st *state) freeSlots(doctorID int64, after time.Time, match func(*models.Slot) bool) []models.Slot {
	var out []models.Slot
	for _, s := range st.slots {
		if s.DoctorID != doctorID || !s.Free() || !s.StartAt.After(after) {
			continue
		}
		if match != nil && !match(s) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

func (st *state) ListFreeSlots(ctx context.Context, doctorID int64, day, after time.Time) ([]models.Slot, error) {
	key := dateKey(day)
	return st.freeSlots(doctorID, after, func(s *models.Slot) bool {
		return dateKey(s.SlotDate) == key
	}), nil
}

func (st *state) ListSlotsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Slot, error) {
	lo, hi := dateKey(from), dateKey(to)
	var out []models.Slot
	for _, s := range st.slots {
		d := dateKey(s.SlotDate)
		if s.DoctorID == doctorID && d >= lo && d <= hi {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (st *state) EarliestFreeSlot(ctx context.Context, doctorID int64, after time.Time) (*models.Slot, error) {
	free := st.freeSlots(doctorID, after, nil)
	if len(free) == 0 {
		return nil, store.ErrNotFound
	}
	return &free[0], nil
}

func (st *state) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	a, ok := st.appointments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(a), nil
}

func (st *state) AppointmentExists(ctx context.Context, id string) (bool, error) {
	_, ok := st.appointments[id]
	return ok, nil
}

func (st *state) CountActiveAppointments(ctx context.Context, doctorID int64, day time.Time, excludeID string) (int, error) {
	key := dateKey(day)
	n := 0
	for _, a := range st.appointments {
		if a.DoctorID == doctorID && dateKey(a.AppointmentDate) == key &&
			a.Status != models.AppointmentStatusCancelled && a.ID != excludeID {
			n++
		}
	}
	return n, nil
}

func (st *state) ListActiveAppointmentsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Appointment, error) {
	lo, hi := dateKey(from), dateKey(to)
	var out []models.Appointment
	for _, a := range st.appointments {
		d := dateKey(a.AppointmentDate)
		if a.DoctorID == doctorID && d >= lo && d <= hi && a.Active() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (st *state) ListAppointments(ctx context.Context, filter store.AppointmentFilter) ([]models.Appointment, error) {
	var out []models.Appointment
	for _, a := range st.appointments {
		if filter.PatientID != 0 && a.PatientID != filter.PatientID {
			continue
		}
		if filter.DoctorID != 0 && a.DoctorID != filter.DoctorID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (st *state) paymentWhere(match func(*models.Payment) bool) (*models.Payment, error) {
	for _, p := range st.payments {
		if match(p) {
			return clone(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (st *state) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return st.paymentWhere(func(p *models.Payment) bool { return p.GatewayOrderID == orderID })
}

func (st *state) GetPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error) {
	return st.paymentWhere(func(p *models.Payment) bool { return p.AppointmentID == appointmentID })
}

func (st *state) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range st.payments {
		if p.Status == models.PaymentStatusPending && p.Method == models.PaymentMethodAdvance && p.CreatedAt.Before(before) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) ListPaymentsByPatient(ctx context.Context, patientID int64, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range st.payments {
		if a, ok := st.appointments[p.AppointmentID]; ok && a.PatientID == patientID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) GetVerificationCode(ctx context.Context, appointmentID string) (*models.VerificationCode, error) {
	c, ok := st.codes[appointmentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(c), nil
}

func (st *state) walletByDoctor(doctorID int64) *models.Wallet {
	for _, w := range st.wallets {
		if w.DoctorID == doctorID {
			return w
		}
	}
	return nil
}

func (st *state) GetWalletByDoctorID(ctx context.Context, doctorID int64) (*models.Wallet, error) {
	w := st.walletByDoctor(doctorID)
	if w == nil {
		return nil, store.ErrNotFound
	}
	return clone(w), nil
}

func (st *state) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	out := make([]models.Wallet, 0, len(st.wallets))
	for _, w := range st.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]models.WalletTransaction, error) {
	var out []models.WalletTransaction
	for i := len(st.walletTxs) - 1; i >= 0; i-- {
		wt := st.walletTxs[i]
		if wt.WalletID != walletID {
			continue
		}
		out = append(out, *wt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (st *state) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	w, ok := st.withdrawals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(w), nil
}
