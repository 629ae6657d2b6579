package models

import "time"

// Event types
const (
	EventTypeAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventTypeAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventTypeAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventTypeAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventTypePaymentReceived        = "PAYMENT_RECEIVED"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypeRefundIssued           = "REFUND_ISSUED"
	EventTypeWalletCredited         = "WALLET_CREDITED"
	EventTypeWithdrawalRequested    = "WITHDRAWAL_REQUESTED"
	EventTypeLeaveApplied           = "LEAVE_APPLIED"
)

// Notification categories
const (
	CategoryAppointment = "appointment"
	CategoryPayment     = "payment"
	CategoryWallet      = "wallet"
	CategorySchedule    = "schedule"
)

// Recipient roles
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Recipient is a user who should hear about an event
type Recipient struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// DomainEvent is published after a core transaction commits
type DomainEvent struct {
	BaseEvent
	AppointmentID string            `json:"appointment_id,omitempty"`
	DoctorID      int64             `json:"doctor_id,omitempty"`
	Recipients    []Recipient       `json:"recipients"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Category      string            `json:"category"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
