package service

import (
	"errors"

	"appointment-service/internal/gateway"
	"appointment-service/internal/store"
)

// Validation errors: rejected before any lock is taken or before any write
var (
	ErrPatientNotFound          = errors.New("patient not found")
	ErrDoctorNotFound           = errors.New("doctor not found")
	ErrDoctorUnavailable        = errors.New("doctor is not accepting appointments")
	ErrSlotNotFound             = errors.New("slot not found")
	ErrSlotDoctorMismatch       = errors.New("slot does not belong to this doctor")
	ErrSlotDateMismatch         = errors.New("slot is not on the requested date")
	ErrSlotInPast               = errors.New("slot start time is in the past")
	ErrLeadTimeTooShort         = errors.New("slot starts too soon to be booked")
	ErrDailyCapacityReached     = errors.New("doctor has no more capacity on this date")
	ErrInvalidPaymentMethod     = errors.New("invalid payment method")
	ErrInvalidConsultationType  = errors.New("invalid consultation type")
	ErrInvalidSlotBatch         = errors.New("invalid slot batch")
	ErrInvalidDateRange         = errors.New("invalid date range")
	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrRefundAmountTooLarge     = errors.New("refund amount exceeds the amount paid")
	ErrBelowMinimumWithdrawal   = errors.New("amount is below the minimum withdrawal")
	ErrInvalidTransition        = errors.New("appointment status does not allow this action")
	ErrCancellationWindowClosed = errors.New("appointments can only be cancelled up to 2 hours before the start")
	ErrRefundWindowClosed       = errors.New("refunds are only possible up to 24 hours before the start")
	ErrTooEarlyToComplete       = errors.New("consultation has not started yet")
	ErrPaymentNotRefundable     = errors.New("payment is not in a refundable state")
	ErrOrderNotRecreatable      = errors.New("payment order cannot be recreated")
	ErrWithdrawalNotPending     = errors.New("withdrawal is not pending")
	ErrInvalidWebhookPayload    = errors.New("webhook payload could not be parsed")
	ErrInvalidStatusFilter      = errors.New("unknown appointment status")
)

// Lookup errors
var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
)

// ErrForbidden is returned when the caller is not a party to the resource
var ErrForbidden = errors.New("not allowed to act on this resource")

// Concurrency-loss errors: someone else won the row
var (
	ErrSlotAlreadyBooked = errors.New("slot already booked, choose another slot")
	ErrSlotBlocked       = errors.New("slot is blocked")
)

// Integrity errors: always fatal and always audited
var (
	ErrInvalidSignature      = errors.New("payment signature mismatch")
	ErrInsufficientFunds     = errors.New("insufficient wallet balance")
	ErrPaymentNotSettleable  = errors.New("payment cannot be settled")
	ErrAppointmentNotPayable = errors.New("appointment is not awaiting payment")
	ErrRefundLedgerFailed    = errors.New("refund issued but ledger update failed")
	ErrAppointmentIDSpace    = errors.New("could not allocate a unique appointment id")
)

// ErrGatewayUnavailable is re-exported for callers that only import service
var ErrGatewayUnavailable = gateway.ErrGatewayUnavailable

var validationErrors = []error{
	ErrDoctorUnavailable, ErrSlotDoctorMismatch, ErrSlotDateMismatch, ErrSlotInPast,
	ErrLeadTimeTooShort, ErrDailyCapacityReached, ErrInvalidPaymentMethod, ErrInvalidConsultationType,
	ErrInvalidSlotBatch, ErrInvalidDateRange, ErrInvalidAmount, ErrRefundAmountTooLarge,
	ErrBelowMinimumWithdrawal, ErrInvalidTransition, ErrCancellationWindowClosed, ErrRefundWindowClosed,
	ErrTooEarlyToComplete, ErrPaymentNotRefundable, ErrOrderNotRecreatable, ErrWithdrawalNotPending,
	ErrInvalidWebhookPayload, ErrInvalidStatusFilter,
}

var notFoundErrors = []error{
	ErrPatientNotFound, ErrDoctorNotFound, ErrSlotNotFound, ErrAppointmentNotFound,
	ErrPaymentNotFound, ErrWalletNotFound, ErrWithdrawalNotFound, store.ErrNotFound,
}

var integrityErrors = []error{
	ErrInvalidSignature, ErrInsufficientFunds, ErrPaymentNotSettleable,
	ErrAppointmentNotPayable, ErrRefundLedgerFailed, ErrAppointmentIDSpace,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a caller mistake that can be fixed and retried
func IsValidation(err error) bool {
	return isAny(err, validationErrors)
}

// IsNotFound reports whether err names a missing entity
func IsNotFound(err error) bool {
	return isAny(err, notFoundErrors)
}

// IsConcurrencyLoss reports whether another request won the slot first
func IsConcurrencyLoss(err error) bool {
	return errors.Is(err, ErrSlotAlreadyBooked) || errors.Is(err, ErrSlotBlocked)
}

// IsIntegrity reports whether err is an integrity failure. Callers should
// show a generic message; the cause is in the audit log.
func IsIntegrity(err error) bool {
	return isAny(err, integrityErrors)
}
