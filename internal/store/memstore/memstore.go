// Package memstore is an in-process Ledger used by tests and local runs
// without Postgres. Transactions are serialized by a single mutex and
// rolled back through an undo log, so every Lock* call is trivially
// exclusive for the lifetime of the enclosing transaction.
package memstore

import (
	"context"
	"sync"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/store"
)

// Store is the in-memory Ledger
type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.Ledger = (*Store)(nil)

// Option configures the store
type Option func(*Store)

// WithClock overrides the clock used for created_at/updated_at stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.st.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{st: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx runs fn while holding the store lock; an error from fn undoes every write.
// fn must not call WithTx again.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.st}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// CreateDoctor inserts a doctor
func (s *Store) CreateDoctor(ctx context.Context, doctor *models.Doctor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.seqDoctor++
	doctor.ID = s.st.seqDoctor
	doctor.CreatedAt = s.st.now()
	doctor.UpdatedAt = doctor.CreatedAt
	c := *doctor
	s.st.doctors[c.ID] = &c
	return nil
}

// CreatePatient inserts a patient
func (s *Store) CreatePatient(ctx context.Context, patient *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.seqPatient++
	patient.ID = s.st.seqPatient
	patient.CreatedAt = s.st.now()
	c := *patient
	s.st.patients[c.ID] = &c
	return nil
}

// InsertAuditEntry appends an audit row
func (s *Store) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.seqAudit++
	entry.ID = s.st.seqAudit
	entry.CreatedAt = s.st.now()
	s.st.audit = append(s.st.audit, *entry)
	return nil
}

// AuditEntries returns a copy of the audit log
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.st.audit...)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.processed[eventID]; !ok {
		s.st.processed[eventID] = eventType
	}
	return nil
}

func (s *Store) GetDoctor(ctx context.Context, id int64) (d *models.Doctor, err error) {
	s.read(func(st *state) { d, err = st.GetDoctor(ctx, id) })
	return
}

func (s *Store) ListDoctorIDs(ctx context.Context) (ids []int64, err error) {
	s.read(func(st *state) { ids, err = st.ListDoctorIDs(ctx) })
	return
}

func (s *Store) GetPatient(ctx context.Context, id int64) (p *models.Patient, err error) {
	s.read(func(st *state) { p, err = st.GetPatient(ctx, id) })
	return
}

func (s *Store) GetSlot(ctx context.Context, id int64) (sl *models.Slot, err error) {
	s.read(func(st *state) { sl, err = st.GetSlot(ctx, id) })
	return
}

func (s *Store) ListFreeSlots(ctx context.Context, doctorID int64, day, after time.Time) (slots []models.Slot, err error) {
	s.read(func(st *state) { slots, err = st.ListFreeSlots(ctx, doctorID, day, after) })
	return
}

func (s *Store) EarliestFreeSlot(ctx context.Context, doctorID int64, after time.Time) (sl *models.Slot, err error) {
	s.read(func(st *state) { sl, err = st.EarliestFreeSlot(ctx, doctorID, after) })
	return
}

func (s *Store) GetAppointment(ctx context.Context, id string) (a *models.Appointment, err error) {
	s.read(func(st *state) { a, err = st.GetAppointment(ctx, id) })
	return
}

func (s *Store) AppointmentExists(ctx context.Context, id string) (ok bool, err error) {
	s.read(func(st *state) { ok, err = st.AppointmentExists(ctx, id) })
	return
}

func (s *Store) CountActiveAppointments(ctx context.Context, doctorID int64, day time.Time, excludeID string) (n int, err error) {
	s.read(func(st *state) { n, err = st.CountActiveAppointments(ctx, doctorID, day, excludeID) })
	return
}

func (s *Store) ListActiveAppointmentsBetween(ctx context.Context, doctorID int64, from, to time.Time) (appts []models.Appointment, err error) {
	s.read(func(st *state) { appts, err = st.ListActiveAppointmentsBetween(ctx, doctorID, from, to) })
	return
}

func (s *Store) ListAppointments(ctx context.Context, filter store.AppointmentFilter) (appts []models.Appointment, err error) {
	s.read(func(st *state) { appts, err = st.ListAppointments(ctx, filter) })
	return
}

func (s *Store) ListSlotsBetween(ctx context.Context, doctorID int64, from, to time.Time) (slots []models.Slot, err error) {
	s.read(func(st *state) { slots, err = st.ListSlotsBetween(ctx, doctorID, from, to) })
	return
}

func (s *Store) ListPaymentsByPatient(ctx context.Context, patientID int64, limit int) (ps []models.Payment, err error) {
	s.read(func(st *state) { ps, err = st.ListPaymentsByPatient(ctx, patientID, limit) })
	return
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (p *models.Payment, err error) {
	s.read(func(st *state) { p, err = st.GetPaymentByOrderID(ctx, orderID) })
	return
}

func (s *Store) GetPaymentByAppointmentID(ctx context.Context, appointmentID string) (p *models.Payment, err error) {
	s.read(func(st *state) { p, err = st.GetPaymentByAppointmentID(ctx, appointmentID) })
	return
}

func (s *Store) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) (ps []models.Payment, err error) {
	s.read(func(st *state) { ps, err = st.ListStalePendingPayments(ctx, before, limit) })
	return
}

func (s *Store) GetVerificationCode(ctx context.Context, appointmentID string) (c *models.VerificationCode, err error) {
	s.read(func(st *state) { c, err = st.GetVerificationCode(ctx, appointmentID) })
	return
}

func (s *Store) GetWalletByDoctorID(ctx context.Context, doctorID int64) (w *models.Wallet, err error) {
	s.read(func(st *state) { w, err = st.GetWalletByDoctorID(ctx, doctorID) })
	return
}

func (s *Store) ListWallets(ctx context.Context) (ws []models.Wallet, err error) {
	s.read(func(st *state) { ws, err = st.ListWallets(ctx) })
	return
}

func (s *Store) ListWalletTransactions(ctx context.Context, walletID int64, limit int) (txs []models.WalletTransaction, err error) {
	s.read(func(st *state) { txs, err = st.ListWalletTransactions(ctx, walletID, limit) })
	return
}

func (s *Store) GetWithdrawal(ctx context.Context, id int64) (w *models.Withdrawal, err error) {
	s.read(func(st *state) { w, err = st.GetWithdrawal(ctx, id) })
	return
}
