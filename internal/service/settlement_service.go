package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appointment-service/internal/audit"
	"appointment-service/internal/gateway"
	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

const (
	webhookClaimTTL   = 2 * time.Minute
	webhookDedupTTL   = 24 * time.Hour
	dedupReleaseWait  = 5 * time.Second
	expiryBatchSize   = 100
	reasonPaymentFail = "payment_failed"
	reasonPaymentTTL  = "payment_timeout"
)

// Processor webhook event names
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
)

// SettlementService moves payments between the processor and the ledger
type SettlementService struct {
	store     store.Ledger
	slots     *SlotService
	wallet    *WalletService
	processor gateway.Processor
	signer    *gateway.Signer
	events    EventSink
	audit     Auditor
	dedup     EventDeduper
	policy    Policy
	logger    *zap.Logger
}

// SettlementDeps groups the collaborators of the settlement service
type SettlementDeps struct {
	Store     store.Ledger
	Slots     *SlotService
	Wallet    *WalletService
	Processor gateway.Processor
	Signer    *gateway.Signer
	Events    EventSink
	Audit     Auditor
	Dedup     EventDeduper
}

// NewSettlementService creates a new settlement service
func NewSettlementService(deps SettlementDeps, policy Policy) *SettlementService {
	s := &SettlementService{
		store:     deps.Store,
		slots:     deps.Slots,
		wallet:    deps.Wallet,
		processor: deps.Processor,
		signer:    deps.Signer,
		events:    deps.Events,
		audit:     deps.Audit,
		dedup:     deps.Dedup,
		policy:    policy,
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

// SettleRequest is the checkout callback posted by the client
type SettleRequest struct {
	OrderID   string `json:"razorpay_order_id" binding:"required"`
	PaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature string `json:"razorpay_signature" binding:"required"`
}

// SettleResult reports the outcome of a settlement attempt
type SettleResult struct {
	AppointmentID  string                   `json:"appointment_id"`
	Status         string                   `json:"status"`
	AlreadySettled bool                     `json:"already_settled"`
	Verification   *models.VerificationCode `json:"verification,omitempty"`
}

// WebhookResult reports what a webhook delivery did
type WebhookResult struct {
	Event     string        `json:"event"`
	Handled   bool          `json:"handled"`
	Duplicate bool          `json:"duplicate"`
	Settle    *SettleResult `json:"settle,omitempty"`
}

// RefundRequest asks to refund a paid appointment. Amount 0 means in full.
type RefundRequest struct {
	AppointmentID string `json:"-"`
	PatientID     int64  `json:"-"`
	Amount        int64  `json:"amount" binding:"gte=0"`
}

// RefundResult is returned once a refund is issued and booked
type RefundResult struct {
	AppointmentID string `json:"appointment_id"`
	RefundID      string `json:"refund_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

type webhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Status           string `json:"status"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// VerifyAndSettle checks the checkout signature and settles the payment.
// Settling an already paid order is a no-op that reports AlreadySettled.
func (s *SettlementService) VerifyAndSettle(ctx context.Context, req *SettleRequest) (*SettleResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.VerifyAndSettle")
	defer span.End()

	if !s.signer.VerifyPayment(req.OrderID, req.PaymentID, req.Signature) {
		util.SignatureFailuresTotal.WithLabelValues("client").Inc()
		securityAlert(ctx, s.audit, "payment.signature_rejected", "payment", req.OrderID, map[string]interface{}{
			"source":     "client",
			"payment_id": req.PaymentID,
		})
		s.logger.Warn("Payment signature mismatch",
			zap.String("order_id", req.OrderID),
			zap.String("payment_id", req.PaymentID))
		return nil, ErrInvalidSignature
	}

	res, err := s.settle(ctx, req.OrderID, req.PaymentID, req.Signature, "client")
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// settle is shared by the client callback and the captured webhook. Locks are
// taken appointment then payment then wallet.
func (s *SettlementService) settle(ctx context.Context, orderID, paymentID, signature, source string) (*SettleResult, error) {
	start := time.Now()

	pre, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.SettlementsTotal.WithLabelValues(source, "unknown_order").Inc()
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if pre.Status == models.PaymentStatusPaid {
		util.SettlementsTotal.WithLabelValues(source, "duplicate").Inc()
		return s.alreadySettled(ctx, pre.AppointmentID), nil
	}

	var (
		appt    *models.Appointment
		payment *models.Payment
		code    *models.VerificationCode
		already bool
		late    bool
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		appt, err = tx.LockAppointment(ctx, pre.AppointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		payment, err = tx.LockPaymentByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}

		switch payment.Status {
		case models.PaymentStatusPaid:
			already = true
			return nil
		case models.PaymentStatusPending:
		case models.PaymentStatusFailed:
			// captured after expiry or cancellation: keep the processor id so
			// the money can be sent back
			if paymentID == "" {
				return ErrPaymentNotSettleable
			}
			late = true
			payment.GatewayPaymentID = sql.NullString{String: paymentID, Valid: true}
			payment.Signature = sql.NullString{String: signature, Valid: signature != ""}
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return fmt.Errorf("failed to update payment: %w", err)
			}
			return nil
		default:
			return ErrPaymentNotSettleable
		}
		if appt.Status != models.AppointmentStatusPaymentPending {
			return ErrAppointmentNotPayable
		}

		now := s.policy.now()
		payment.Status = models.PaymentStatusPaid
		payment.GatewayPaymentID = sql.NullString{String: paymentID, Valid: paymentID != ""}
		payment.Signature = sql.NullString{String: signature, Valid: signature != ""}
		payment.PaidAt = sql.NullTime{Time: now, Valid: true}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		appt.Status = models.AppointmentStatusConfirmed
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("failed to confirm appointment: %w", err)
		}

		code, err = newVerificationCode(appt, s.policy.VerificationValidFor)
		if err != nil {
			return err
		}
		if err := tx.InsertVerificationCode(ctx, code); err != nil {
			return fmt.Errorf("failed to store verification code: %w", err)
		}

		if payment.DoctorShare == 0 {
			return nil
		}
		_, _, err = s.wallet.CreditTx(ctx, tx, CreditInput{
			DoctorID:      appt.DoctorID,
			Amount:        payment.DoctorShare,
			AppointmentID: appt.ID,
			Description:   "Consultation fee for " + appt.ID,
		})
		return err
	})
	if err != nil {
		util.SettlementsTotal.WithLabelValues(source, "error").Inc()
		if errors.Is(err, ErrPaymentNotSettleable) || errors.Is(err, ErrAppointmentNotPayable) {
			integrityAlert(ctx, s.audit, "payment.settlement_rejected", "payment", orderID, map[string]interface{}{
				"source":         source,
				"payment_id":     paymentID,
				"appointment_id": pre.AppointmentID,
				"error":          err.Error(),
			})
			s.logger.Error("Captured payment cannot be settled",
				zap.String("order_id", orderID),
				zap.String("appointment_id", pre.AppointmentID),
				zap.Error(err))
		}
		return nil, err
	}

	if already {
		util.SettlementsTotal.WithLabelValues(source, "duplicate").Inc()
		return s.alreadySettled(ctx, appt.ID), nil
	}
	if late {
		if err := s.refundLateCapture(ctx, orderID, payment, source); err != nil {
			util.SettlementsTotal.WithLabelValues(source, "error").Inc()
			return nil, err
		}
		util.SettlementsTotal.WithLabelValues(source, "late_refunded").Inc()
		return nil, ErrPaymentNotSettleable
	}

	util.SettlementsTotal.WithLabelValues(source, "settled").Inc()
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("Payment settled",
		zap.String("appointment_id", appt.ID),
		zap.String("order_id", orderID),
		zap.String("source", source),
		zap.Int64("doctor_share", payment.DoctorShare))

	s.audit.Record(ctx, audit.Entry{
		Action:     "payment.settled",
		EntityType: "payment",
		EntityID:   orderID,
		ActorID:    appt.PatientID,
		Detail: map[string]interface{}{
			"appointment_id": appt.ID,
			"payment_id":     paymentID,
			"source":         source,
		},
	})

	received := appointmentEvent(s.policy, models.EventTypePaymentReceived, "Payment received",
		fmt.Sprintf("Payment of %s received, appointment %s is confirmed", formatAmount(payment.TotalAmount), appt.ID),
		appt, patientOf(appt))
	received.Category = models.CategoryPayment
	s.events.Emit(ctx, received)

	credited := appointmentEvent(s.policy, models.EventTypeWalletCredited, "Wallet credited",
		fmt.Sprintf("%s credited for appointment %s", formatAmount(payment.DoctorShare), appt.ID),
		appt, doctorOf(appt))
	credited.Category = models.CategoryWallet
	s.events.Emit(ctx, credited)

	return &SettleResult{AppointmentID: appt.ID, Status: payment.Status, Verification: code}, nil
}

// alreadySettled answers a repeated settlement with the code issued the first time
func (s *SettlementService) alreadySettled(ctx context.Context, appointmentID string) *SettleResult {
	res := &SettleResult{AppointmentID: appointmentID, Status: models.PaymentStatusPaid, AlreadySettled: true}
	code, err := s.store.GetVerificationCode(ctx, appointmentID)
	switch {
	case err == nil:
		res.Verification = code
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("Failed to load verification code",
			zap.String("appointment_id", appointmentID),
			zap.Error(err))
	}
	return res
}

// refundLateCapture sends a capture that arrived for a failed payment back to
// the patient. Nothing was credited to the doctor, so only the payment row moves.
func (s *SettlementService) refundLateCapture(ctx context.Context, orderID string, payment *models.Payment, source string) error {
	refund, err := s.issueRefund(ctx, payment, payment.TotalAmount)
	if err != nil {
		util.RefundsTotal.WithLabelValues("gateway_error").Inc()
		s.logger.Error("Late capture refund failed",
			zap.String("order_id", orderID),
			zap.String("payment_id", payment.GatewayPaymentID.String),
			zap.Error(err))
		return err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPaymentByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if p.Status != models.PaymentStatusFailed {
			return ErrPaymentNotRefundable
		}
		p.Status = models.PaymentStatusRefunded
		p.RefundID = sql.NullString{String: refund.ID, Valid: true}
		p.RefundAmount = p.TotalAmount
		p.RefundedAt = sql.NullTime{Time: s.policy.now(), Valid: true}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		return nil
	})
	if err != nil {
		util.RefundsTotal.WithLabelValues("ledger_failed").Inc()
		util.LedgerIntegrityAlerts.WithLabelValues("refund").Inc()
		integrityAlert(ctx, s.audit, "payment.refund_ledger_failed", "payment", orderID, map[string]interface{}{
			"refund_id": refund.ID,
			"amount":    payment.TotalAmount,
			"error":     err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrRefundLedgerFailed, err)
	}

	util.RefundsTotal.WithLabelValues("late_capture").Inc()
	integrityAlert(ctx, s.audit, "payment.late_capture_refunded", "payment", orderID, map[string]interface{}{
		"source":         source,
		"payment_id":     payment.GatewayPaymentID.String,
		"appointment_id": payment.AppointmentID,
		"refund_id":      refund.ID,
		"amount":         payment.TotalAmount,
	})
	s.logger.Warn("Captured payment arrived after the appointment was released, refunded",
		zap.String("order_id", orderID),
		zap.String("appointment_id", payment.AppointmentID),
		zap.String("refund_id", refund.ID))

	if appt, err := s.store.GetAppointment(ctx, payment.AppointmentID); err == nil {
		e := appointmentEvent(s.policy, models.EventTypeRefundIssued, "Refund issued",
			fmt.Sprintf("Your payment of %s for appointment %s arrived after the booking was released and is being refunded",
				formatAmount(payment.TotalAmount), appt.ID),
			appt, patientOf(appt))
		e.Category = models.CategoryPayment
		s.events.Emit(ctx, e)
	}
	return nil
}

// HandleWebhook processes a processor webhook. The body must be the raw bytes
// that were signed.
func (s *SettlementService) HandleWebhook(ctx context.Context, body []byte, signature, eventID string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandleWebhook")
	defer span.End()

	if !s.signer.VerifyWebhook(body, signature) {
		util.SignatureFailuresTotal.WithLabelValues("webhook").Inc()
		securityAlert(ctx, s.audit, "payment.webhook_signature_rejected", "webhook", eventID, nil)
		s.logger.Warn("Webhook signature mismatch", zap.String("event_id", eventID))
		return nil, ErrInvalidSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	res := &WebhookResult{Event: payload.Event}

	// the claim is short lived until processing succeeds, so a delivery whose
	// handler dies is redelivered once the claim lapses
	dedup := eventID != "" && s.dedup != nil
	if dedup {
		claimed, err := s.dedup.ClaimEvent(ctx, eventID, webhookClaimTTL)
		if err != nil {
			s.logger.Warn("Webhook dedup unavailable", zap.String("event_id", eventID), zap.Error(err))
			dedup = false
		} else if !claimed {
			s.logger.Info("Duplicate webhook delivery", zap.String("event_id", eventID))
			res.Duplicate = true
			return res, nil
		}
	}

	entity := payload.Payload.Payment.Entity
	var err error
	switch payload.Event {
	case WebhookPaymentCaptured:
		res.Settle, err = s.settle(ctx, entity.OrderID, entity.ID, "", "webhook")
		res.Handled = err == nil
	case WebhookPaymentFailed:
		reason := reasonPaymentFail
		if entity.ErrorDescription != "" {
			reason = reasonPaymentFail + ": " + entity.ErrorDescription
		}
		res.Handled, err = s.failPayment(ctx, entity.OrderID, reason)
	default:
		s.logger.Debug("Ignoring webhook event", zap.String("event", payload.Event))
	}

	if err != nil {
		util.RecordError(span, err)
		if dedup {
			s.releaseEvent(eventID)
		}
		return nil, err
	}
	if dedup {
		if cerr := s.dedup.ConfirmEvent(ctx, eventID, webhookDedupTTL); cerr != nil {
			s.logger.Warn("Failed to confirm webhook event", zap.String("event_id", eventID), zap.Error(cerr))
		}
	}
	return res, nil
}

// releaseEvent drops a claim on a detached context; the request context may
// already be cancelled when processing failed.
func (s *SettlementService) releaseEvent(eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupReleaseWait)
	defer cancel()
	if err := s.dedup.ForgetEvent(ctx, eventID); err != nil {
		s.logger.Warn("Failed to release webhook event", zap.String("event_id", eventID), zap.Error(err))
	}
}

// failPayment marks a pending payment failed and cancels its appointment.
// Payments that are no longer pending are left alone.
func (s *SettlementService) failPayment(ctx context.Context, orderID, reason string) (bool, error) {
	pre, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrPaymentNotFound
		}
		return false, fmt.Errorf("failed to get payment: %w", err)
	}
	if pre.Status != models.PaymentStatusPending {
		return false, nil
	}
	cur, err := s.store.GetAppointment(ctx, pre.AppointmentID)
	if err != nil {
		return false, fmt.Errorf("failed to get appointment: %w", err)
	}

	var (
		appt      *models.Appointment
		cancelled bool
		changed   bool
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, cur.DoctorID); err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		if _, err := tx.LockSlot(ctx, cur.SlotID); err != nil {
			return fmt.Errorf("failed to lock slot: %w", err)
		}
		var err error
		appt, err = tx.LockAppointment(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		if err := lockMovedSlot(ctx, tx, cur.SlotID, appt); err != nil {
			return err
		}
		payment, err := tx.LockPaymentByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if payment.Status != models.PaymentStatusPending {
			return nil
		}

		payment.Status = models.PaymentStatusFailed
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		changed = true

		if appt.Status != models.AppointmentStatusPaymentPending {
			return nil
		}
		cancelled = true
		return cancelTx(ctx, tx, s.slots, appt, reason, s.policy.now())
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	s.logger.Info("Payment failed",
		zap.String("order_id", orderID),
		zap.String("appointment_id", appt.ID),
		zap.String("reason", reason),
		zap.Bool("appointment_cancelled", cancelled))
	s.audit.Record(ctx, audit.Entry{
		Action:     "payment.failed",
		EntityType: "payment",
		EntityID:   orderID,
		Detail:     map[string]interface{}{"appointment_id": appt.ID, "reason": reason},
	})

	if cancelled {
		util.AppointmentsCancelledTotal.WithLabelValues(reasonLabel(reason)).Inc()
		e := appointmentEvent(s.policy, models.EventTypePaymentFailed, "Payment failed",
			fmt.Sprintf("Payment for appointment %s did not go through and the slot was released", appt.ID),
			appt, patientOf(appt))
		e.Category = models.CategoryPayment
		s.events.Emit(ctx, e)
	}
	return true, nil
}

func reasonLabel(reason string) string {
	if reason == reasonPaymentTTL {
		return reasonPaymentTTL
	}
	return reasonPaymentFail
}

// Refund returns a patient's payment and reverses the doctor's share. The
// processor is called before any lock is taken; if the ledger update fails
// afterwards the refund stands and an integrity alert is raised.
func (s *SettlementService) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.Refund")
	defer span.End()

	appt, err := s.store.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	if appt.PatientID != req.PatientID {
		return nil, ErrForbidden
	}

	payment, err := s.store.GetPaymentByAppointmentID(ctx, appt.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPaymentNotRefundable
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if payment.Status != models.PaymentStatusPaid || !payment.GatewayPaymentID.Valid {
		return nil, ErrPaymentNotRefundable
	}
	if appt.StartAt.Sub(s.policy.now()) < s.policy.RefundWindow {
		return nil, ErrRefundWindowClosed
	}

	amount := req.Amount
	switch {
	case amount < 0:
		return nil, ErrInvalidAmount
	case amount == 0:
		amount = payment.TotalAmount
	case amount > payment.TotalAmount:
		return nil, ErrRefundAmountTooLarge
	}

	if payment.DoctorShare > 0 {
		w, err := s.store.GetWalletByDoctorID(ctx, appt.DoctorID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to get wallet: %w", err)
		}
		if w == nil || w.CurrentBalance < payment.DoctorShare {
			util.RefundsTotal.WithLabelValues("insufficient_funds").Inc()
			integrityAlert(ctx, s.audit, "payment.refund_blocked", "appointment", appt.ID, map[string]interface{}{
				"doctor_id":    appt.DoctorID,
				"doctor_share": payment.DoctorShare,
			})
			return nil, ErrInsufficientFunds
		}
	}

	refund, err := s.issueRefund(ctx, payment, amount)
	if err != nil {
		util.RefundsTotal.WithLabelValues("gateway_error").Inc()
		util.RecordError(span, err)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, appt.DoctorID); err != nil {
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		if _, err := tx.LockSlot(ctx, appt.SlotID); err != nil {
			return fmt.Errorf("failed to lock slot: %w", err)
		}
		locked, err := tx.LockAppointment(ctx, appt.ID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		if err := lockMovedSlot(ctx, tx, appt.SlotID, locked); err != nil {
			return err
		}
		p, err := tx.LockPaymentByAppointmentID(ctx, appt.ID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if p.Status != models.PaymentStatusPaid {
			return ErrPaymentNotRefundable
		}

		now := s.policy.now()
		p.Status = models.PaymentStatusRefunded
		p.RefundID = sql.NullString{String: refund.ID, Valid: true}
		p.RefundAmount = amount
		p.RefundedAt = sql.NullTime{Time: now, Valid: true}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		if locked.Active() {
			if err := cancelTx(ctx, tx, s.slots, locked, "refunded", now); err != nil {
				return err
			}
		}
		appt = locked

		if p.DoctorShare == 0 {
			return nil
		}
		_, _, err = s.wallet.DebitTx(ctx, tx, DebitInput{
			DoctorID:      appt.DoctorID,
			Amount:        p.DoctorShare,
			AppointmentID: appt.ID,
			Description:   "Refund for " + appt.ID,
		})
		return err
	})
	if err != nil {
		util.RefundsTotal.WithLabelValues("ledger_failed").Inc()
		util.LedgerIntegrityAlerts.WithLabelValues("refund").Inc()
		integrityAlert(ctx, s.audit, "payment.refund_ledger_failed", "appointment", appt.ID, map[string]interface{}{
			"refund_id": refund.ID,
			"amount":    amount,
			"error":     err.Error(),
		})
		s.logger.Error("Refund issued but ledger update failed",
			zap.String("appointment_id", appt.ID),
			zap.String("refund_id", refund.ID),
			zap.Int64("amount", amount),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrRefundLedgerFailed, err)
	}

	util.RefundsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Refund issued",
		zap.String("appointment_id", appt.ID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", amount))

	s.audit.Record(ctx, audit.Entry{
		Action:     "payment.refunded",
		EntityType: "appointment",
		EntityID:   appt.ID,
		ActorID:    req.PatientID,
		Detail:     map[string]interface{}{"refund_id": refund.ID, "amount": amount},
	})

	e := appointmentEvent(s.policy, models.EventTypeRefundIssued, "Refund issued",
		fmt.Sprintf("A refund of %s for appointment %s is on its way", formatAmount(amount), appt.ID),
		appt, patientOf(appt))
	e.Category = models.CategoryPayment
	s.events.Emit(ctx, e)
	s.events.Emit(ctx, appointmentEvent(s.policy, models.EventTypeAppointmentCancelled, "Appointment cancelled",
		fmt.Sprintf("Appointment %s was cancelled and refunded", appt.ID), appt, doctorOf(appt)))

	return &RefundResult{
		AppointmentID: appt.ID,
		RefundID:      refund.ID,
		Amount:        amount,
		Status:        models.PaymentStatusRefunded,
	}, nil
}

func (s *SettlementService) issueRefund(ctx context.Context, payment *models.Payment, amount int64) (*gateway.Refund, error) {
	if s.processor == nil {
		return nil, gateway.ErrGatewayUnavailable
	}
	timeout := s.policy.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.processor.Refund(ctx, payment.GatewayPaymentID.String, gateway.ToMinor(amount), map[string]string{
		"appointment_id": payment.AppointmentID,
	})
}

// RecreateOrder replaces a locally synthesized order id with a real processor
// order once the processor is reachable again.
func (s *SettlementService) RecreateOrder(ctx context.Context, appointmentID string, patientID int64) (*PaymentOrder, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.RecreateOrder")
	defer span.End()

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	if appt.PatientID != patientID {
		return nil, ErrForbidden
	}
	payment, err := s.store.GetPaymentByAppointmentID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotRecreatable
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	recreatable := func(a *models.Appointment, p *models.Payment) bool {
		return a.Status == models.AppointmentStatusPaymentPending &&
			p.Status == models.PaymentStatusPending && p.OrderSynthesized
	}
	if !recreatable(appt, payment) {
		return nil, ErrOrderNotRecreatable
	}

	order, err := s.policy.openOrder(ctx, s.processor, appt)
	if err != nil {
		util.GatewayOrderFallbackTotal.Inc()
		util.RecordError(span, err)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock appointment: %w", err)
		}
		payment, err = tx.LockPaymentByAppointmentID(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if !recreatable(a, payment) {
			return ErrOrderNotRecreatable
		}
		payment.GatewayOrderID = order.ID
		payment.OrderSynthesized = false
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Payment order recreated",
		zap.String("appointment_id", appointmentID),
		zap.String("order_id", order.ID))
	return paymentOrder(s.policy, payment), nil
}

// ExpireStalePayments fails advance payments that stayed pending past the
// configured TTL and releases their slots.
func (s *SettlementService) ExpireStalePayments(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.ExpireStalePayments")
	defer span.End()

	cutoff := s.policy.now().Add(-s.policy.PaymentPendingTTL)
	stale, err := s.store.ListStalePendingPayments(ctx, cutoff, expiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale payments: %w", err)
	}

	expired := 0
	for _, p := range stale {
		ok, err := s.failPayment(ctx, p.GatewayOrderID, reasonPaymentTTL)
		if err != nil {
			s.logger.Error("Failed to expire payment",
				zap.String("order_id", p.GatewayOrderID),
				zap.String("appointment_id", p.AppointmentID),
				zap.Error(err))
			continue
		}
		if ok {
			expired++
			util.PaymentsExpiredTotal.Inc()
		}
	}

	if expired > 0 {
		s.logger.Info("Expired stale payments", zap.Int("expired", expired), zap.Int("candidates", len(stale)))
	}
	return expired, nil
}
