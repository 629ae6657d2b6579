package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"appointment-service/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write
	ErrConflict = errors.New("conflict")
)

// DateLayout is the calendar-date format used for DATE columns.
const DateLayout = "2006-01-02"

// Reader is the non-locking read surface shared by the store and its transactions.
type Reader interface {
	GetDoctor(ctx context.Context, id int64) (*models.Doctor, error)
	ListDoctorIDs(ctx context.Context) ([]int64, error)
	GetPatient(ctx context.Context, id int64) (*models.Patient, error)

	GetSlot(ctx context.Context, id int64) (*models.Slot, error)
	ListFreeSlots(ctx context.Context, doctorID int64, day, after time.Time) ([]models.Slot, error)
	ListSlotsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Slot, error)
	EarliestFreeSlot(ctx context.Context, doctorID int64, after time.Time) (*models.Slot, error)

	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	AppointmentExists(ctx context.Context, id string) (bool, error)
	CountActiveAppointments(ctx context.Context, doctorID int64, day time.Time, excludeID string) (int, error)
	ListActiveAppointmentsBetween(ctx context.Context, doctorID int64, from, to time.Time) ([]models.Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]models.Appointment, error)

	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error)
	ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	ListPaymentsByPatient(ctx context.Context, patientID int64, limit int) ([]models.Payment, error)
	GetVerificationCode(ctx context.Context, appointmentID string) (*models.VerificationCode, error)

	GetWalletByDoctorID(ctx context.Context, doctorID int64) (*models.Wallet, error)
	ListWallets(ctx context.Context) ([]models.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID int64, limit int) ([]models.WalletTransaction, error)
	GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error)
}

// AppointmentFilter selects the appointments of one patient or one doctor.
// Zero fields do not filter; results are newest first.
type AppointmentFilter struct {
	PatientID int64
	DoctorID  int64
	Status    string
	Limit     int
}

// Tx is a unit of work holding row locks until it commits or rolls back.
// Lock* methods block concurrent writers of the same row.
type Tx interface {
	Reader

	LockDoctor(ctx context.Context, id int64) (*models.Doctor, error)
	LockSlot(ctx context.Context, id int64) (*models.Slot, error)
	LockAppointment(ctx context.Context, id string) (*models.Appointment, error)
	LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	LockPaymentByAppointmentID(ctx context.Context, appointmentID string) (*models.Payment, error)
	LockWallet(ctx context.Context, doctorID int64) (*models.Wallet, error)
	LockWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error)

	UpdateDoctorAvailability(ctx context.Context, doctorID int64, available bool) error
	UpdateDoctorNextAvailable(ctx context.Context, doctorID int64, next sql.NullTime) error
	IncrementDoctorConsultations(ctx context.Context, doctorID int64) error

	InsertSlot(ctx context.Context, slot *models.Slot) (bool, error)
	MarkSlotBooked(ctx context.Context, slotID int64, appointmentID string) error
	ReleaseSlot(ctx context.Context, slotID int64) error
	SetSlotBlocked(ctx context.Context, slotID int64, blocked bool, reason string) error
	BlockFreeSlots(ctx context.Context, doctorID int64, from, to time.Time, reason string) (int, error)

	InsertAppointment(ctx context.Context, appt *models.Appointment) error
	UpdateAppointment(ctx context.Context, appt *models.Appointment) error

	InsertPayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	InsertVerificationCode(ctx context.Context, code *models.VerificationCode) error

	InsertWallet(ctx context.Context, wallet *models.Wallet) error
	UpdateWallet(ctx context.Context, wallet *models.Wallet) error
	InsertWalletTransaction(ctx context.Context, wt *models.WalletTransaction) error
	FindWalletTransaction(ctx context.Context, appointmentID, txType string) (*models.WalletTransaction, error)

	InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error
}

// Ledger is the durable store behind booking, settlement and the wallet.
type Ledger interface {
	Reader

	// WithTx runs fn in one transaction. A non-nil error from fn rolls back every write.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateDoctor(ctx context.Context, doctor *models.Doctor) error
	CreatePatient(ctx context.Context, patient *models.Patient) error

	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	Ping(ctx context.Context) error
	Close() error
}

// CivilDate truncates t to its calendar date in t's location, expressed at UTC midnight.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDate compares the calendar dates of two DATE values.
func SameDate(a, b time.Time) bool {
	return a.Format(DateLayout) == b.Format(DateLayout)
}
