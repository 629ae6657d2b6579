package gateway

import (
	"context"
	"fmt"

	"appointment-service/internal/util"

	razorpay "github.com/razorpay/razorpay-go"
	"go.uber.org/zap"
)

// RazorpayProcessor talks to Razorpay through the official SDK
type RazorpayProcessor struct {
	client *razorpay.Client
	logger *zap.Logger
}

// NewRazorpayProcessor creates a processor for the given key pair
func NewRazorpayProcessor(keyID, keySecret string) *RazorpayProcessor {
	return &RazorpayProcessor{
		client: razorpay.NewClient(keyID, keySecret),
		logger: util.GetLogger(),
	}
}

type sdkResult struct {
	body map[string]interface{}
	err  error
}

// call runs a blocking SDK request and abandons it when ctx is done.
// The SDK has no context support of its own.
func call(ctx context.Context, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	done := make(chan sdkResult, 1)
	go func() {
		body, err := fn()
		done <- sdkResult{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, res.err)
		}
		return res.body, nil
	}
}

// CreateOrder opens an order for the given amount
func (p *RazorpayProcessor) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "RazorpayProcessor.CreateOrder")
	defer span.End()

	notes := make(map[string]interface{}, len(req.Notes))
	for k, v := range req.Notes {
		notes[k] = v
	}

	data := map[string]interface{}{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    notes,
	}

	body, err := call(ctx, func() (map[string]interface{}, error) {
		return p.client.Order.Create(data, nil)
	})
	if err != nil {
		return nil, err
	}

	id, ok := body["id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: order response without id", ErrGatewayUnavailable)
	}
	status, _ := body["status"].(string)

	p.logger.Info("Gateway order created",
		zap.String("order_id", id),
		zap.String("receipt", req.Receipt),
		zap.Int64("amount_minor", req.AmountMinor))

	return &Order{ID: id, Status: status}, nil
}

// Refund refunds a captured payment, fully or partially
func (p *RazorpayProcessor) Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (*Refund, error) {
	ctx, span := util.StartSpan(ctx, "RazorpayProcessor.Refund")
	defer span.End()

	data := map[string]interface{}{}
	if len(notes) > 0 {
		n := make(map[string]interface{}, len(notes))
		for k, v := range notes {
			n[k] = v
		}
		data["notes"] = n
	}

	body, err := call(ctx, func() (map[string]interface{}, error) {
		return p.client.Payment.Refund(paymentID, int(amountMinor), data, nil)
	})
	if err != nil {
		return nil, err
	}

	id, ok := body["id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: refund response without id", ErrGatewayUnavailable)
	}

	p.logger.Info("Gateway refund created",
		zap.String("refund_id", id),
		zap.String("payment_id", paymentID),
		zap.Int64("amount_minor", amountMinor))

	return &Refund{ID: id, AmountMinor: amountMinor}, nil
}
