package gateway

import (
	"context"
	"errors"
)

// ErrGatewayUnavailable wraps transport and API failures of the processor
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// OrderRequest describes an order to open at the processor
type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Order is the processor's view of an opened order
type Order struct {
	ID     string
	Status string
}

// Refund is the processor's receipt for a refund
type Refund struct {
	ID          string
	AmountMinor int64
}

// Processor is the external payment processor
type Processor interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (*Refund, error)
}

// ToMinor converts whole rupees to paise
func ToMinor(amount int64) int64 {
	return amount * 100
}
