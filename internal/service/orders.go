package service

import (
	"context"
	"fmt"
	"time"

	"appointment-service/internal/gateway"
	"appointment-service/internal/models"
)

// PaymentOrder is what the client needs to open the processor checkout
type PaymentOrder struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Synthesized bool   `json:"synthesized"`
}

func (p Policy) openOrder(ctx context.Context, proc gateway.Processor, appt *models.Appointment) (*gateway.Order, error) {
	if proc == nil {
		return nil, gateway.ErrGatewayUnavailable
	}

	timeout := p.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return proc.CreateOrder(ctx, gateway.OrderRequest{
		AmountMinor: gateway.ToMinor(appt.TotalAmount),
		Currency:    p.Currency,
		Receipt:     appt.ID,
		Notes: map[string]string{
			"appointment_id": appt.ID,
			"patient_id":     idString(appt.PatientID),
			"doctor_id":      idString(appt.DoctorID),
		},
	})
}

func localOrderID(appointmentID string, now time.Time) string {
	return fmt.Sprintf("order_local_%s_%d", appointmentID, now.Unix())
}

func clinicOrderID(appointmentID string) string {
	return "clinic_" + appointmentID
}

func paymentOrder(p Policy, payment *models.Payment) *PaymentOrder {
	return &PaymentOrder{
		OrderID:     payment.GatewayOrderID,
		AmountMinor: gateway.ToMinor(payment.TotalAmount),
		Currency:    p.Currency,
		Synthesized: payment.OrderSynthesized,
	}
}
