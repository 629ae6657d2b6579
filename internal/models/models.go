package models

import (
	"database/sql"
	"time"
)

// Doctor is the provider side of a booking
type Doctor struct {
	ID                 int64        `db:"id" json:"id"`
	Name               string       `db:"name" json:"name"`
	Specialization     string       `db:"specialization" json:"specialization"`
	ConsultationFee    int64        `db:"consultation_fee" json:"consultation_fee"`
	IsAvailable        bool         `db:"is_available" json:"is_available"`
	TotalConsultations int64        `db:"total_consultations" json:"total_consultations"`
	NextAvailableSlot  sql.NullTime `db:"next_available_slot" json:"-"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// Patient books appointments
type Patient struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Slot is a bookable (doctor, date, time-range) unit
type Slot struct {
	ID            int64          `db:"id" json:"id"`
	DoctorID      int64          `db:"doctor_id" json:"doctor_id"`
	SlotDate      time.Time      `db:"slot_date" json:"slot_date"`
	StartAt       time.Time      `db:"start_at" json:"start_at"`
	EndAt         time.Time      `db:"end_at" json:"end_at"`
	IsBooked      bool           `db:"is_booked" json:"is_booked"`
	AppointmentID sql.NullString `db:"appointment_id" json:"-"`
	IsBlocked     bool           `db:"is_blocked" json:"is_blocked"`
	BlockReason   string         `db:"block_reason" json:"block_reason,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Free reports whether the slot can be assigned.
func (s *Slot) Free() bool {
	return !s.IsBooked && !s.IsBlocked
}

// Appointment is the contract between a patient and a doctor for one slot
type Appointment struct {
	ID                 string       `db:"id" json:"id"`
	PatientID          int64        `db:"patient_id" json:"patient_id"`
	DoctorID           int64        `db:"doctor_id" json:"doctor_id"`
	SlotID             int64        `db:"slot_id" json:"slot_id"`
	AppointmentDate    time.Time    `db:"appointment_date" json:"appointment_date"`
	StartAt            time.Time    `db:"start_at" json:"start_at"`
	EndAt              time.Time    `db:"end_at" json:"end_at"`
	Status             string       `db:"status" json:"status"`
	ConsultationType   string       `db:"consultation_type" json:"consultation_type"`
	IsEmergency        bool         `db:"is_emergency" json:"is_emergency"`
	Reason             string       `db:"reason" json:"reason,omitempty"`
	PaymentMethod      string       `db:"payment_method" json:"payment_method"`
	TotalAmount        int64        `db:"total_amount" json:"total_amount"`
	PlatformFee        int64        `db:"platform_fee" json:"platform_fee"`
	DoctorShare        int64        `db:"doctor_share" json:"doctor_share"`
	CancellationReason string       `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        sql.NullTime `db:"cancelled_at" json:"-"`
	CompletedAt        sql.NullTime `db:"completed_at" json:"-"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// Active reports whether the appointment still holds its slot.
func (a *Appointment) Active() bool {
	return a.Status == AppointmentStatusPaymentPending || a.Status == AppointmentStatusConfirmed
}

// Payment is the settlement record of one appointment
type Payment struct {
	ID               int64          `db:"id" json:"id"`
	AppointmentID    string         `db:"appointment_id" json:"appointment_id"`
	Method           string         `db:"method" json:"method"`
	TotalAmount      int64          `db:"total_amount" json:"total_amount"`
	PlatformFee      int64          `db:"platform_fee" json:"platform_fee"`
	DoctorShare      int64          `db:"doctor_share" json:"doctor_share"`
	GatewayOrderID   string         `db:"gateway_order_id" json:"gateway_order_id"`
	OrderSynthesized bool           `db:"order_synthesized" json:"order_synthesized"`
	GatewayPaymentID sql.NullString `db:"gateway_payment_id" json:"-"`
	Signature        sql.NullString `db:"signature" json:"-"`
	RefundID         sql.NullString `db:"refund_id" json:"-"`
	RefundAmount     int64          `db:"refund_amount" json:"refund_amount"`
	Status           string         `db:"status" json:"status"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	PaidAt           sql.NullTime   `db:"paid_at" json:"-"`
	RefundedAt       sql.NullTime   `db:"refunded_at" json:"-"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// Wallet holds a doctor's running balance
type Wallet struct {
	ID                int64     `db:"id" json:"id"`
	DoctorID          int64     `db:"doctor_id" json:"doctor_id"`
	CurrentBalance    int64     `db:"current_balance" json:"current_balance"`
	LifetimeEarned    int64     `db:"lifetime_earned" json:"lifetime_earned"`
	LifetimeWithdrawn int64     `db:"lifetime_withdrawn" json:"lifetime_withdrawn"`
	PendingWithdrawal int64     `db:"pending_withdrawal" json:"pending_withdrawal"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// WalletTransaction is one immutable balance movement
type WalletTransaction struct {
	ID            int64          `db:"id" json:"id"`
	WalletID      int64          `db:"wallet_id" json:"wallet_id"`
	AppointmentID sql.NullString `db:"appointment_id" json:"-"`
	WithdrawalID  sql.NullInt64  `db:"withdrawal_id" json:"-"`
	Amount        int64          `db:"amount" json:"amount"`
	Type          string         `db:"type" json:"type"`
	BalanceBefore int64          `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64          `db:"balance_after" json:"balance_after"`
	Description   string         `db:"description" json:"description"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Withdrawal tracks a bank payout until the bank confirms or rejects it
type Withdrawal struct {
	ID          int64        `db:"id" json:"id"`
	WalletID    int64        `db:"wallet_id" json:"wallet_id"`
	DoctorID    int64        `db:"doctor_id" json:"doctor_id"`
	Amount      int64        `db:"amount" json:"amount"`
	BankAccount string       `db:"bank_account" json:"bank_account"`
	IFSCCode    string       `db:"ifsc_code" json:"ifsc_code"`
	Status      string       `db:"status" json:"status"`
	Note        string       `db:"note" json:"note,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	SettledAt   sql.NullTime `db:"settled_at" json:"-"`
}

// VerificationCode is the check-in artifact issued once an appointment is paid
type VerificationCode struct {
	AppointmentID string    `db:"appointment_id" json:"appointment_id"`
	Token         string    `db:"token" json:"token"`
	QRCode        string    `db:"qr_png" json:"qr_png"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	IsUsed        bool      `db:"is_used" json:"is_used"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// AuditEntry is an append-only audit log row
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	ActorID    int64     `db:"actor_id" json:"actor_id"`
	Severity   string    `db:"severity" json:"severity"`
	Detail     string    `db:"detail" json:"detail"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Appointment statuses
const (
	AppointmentStatusPaymentPending = "payment_pending"
	AppointmentStatusConfirmed      = "confirmed"
	AppointmentStatusCompleted      = "completed"
	AppointmentStatusCancelled      = "cancelled"
)

// Payment methods
const (
	PaymentMethodAdvance = "advance"
	PaymentMethodClinic  = "clinic"
)

// Consultation types
const (
	ConsultationInPerson = "in_person"
	ConsultationVideo    = "video"
)

// Payment statuses
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
	PaymentStatusFailed   = "failed"
)

// Wallet transaction types
const (
	TxTypeCredit             = "credit"
	TxTypeDebit              = "debit"
	TxTypeWithdrawal         = "withdrawal"
	TxTypeWithdrawalReversal = "withdrawal_reversal"
)

// Withdrawal statuses
const (
	WithdrawalStatusPending   = "pending"
	WithdrawalStatusCompleted = "completed"
	WithdrawalStatusReversed  = "reversed"
)

// Audit severities
const (
	SeverityInfo      = "info"
	SeveritySecurity  = "security"
	SeverityIntegrity = "integrity"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
