package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer checks the HMAC-SHA256 signatures the processor attaches to
// checkout callbacks and webhooks
type Signer struct {
	keySecret     []byte
	webhookSecret []byte
}

// NewSigner creates a signer for the checkout key secret and the webhook secret
func NewSigner(keySecret, webhookSecret string) *Signer {
	return &Signer{
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(webhookSecret),
	}
}

// PaymentSignature computes the expected checkout signature for order_id|payment_id
func (s *Signer) PaymentSignature(orderID, paymentID string) string {
	return sign(s.keySecret, []byte(orderID+"|"+paymentID))
}

// VerifyPayment compares a checkout signature in constant time
func (s *Signer) VerifyPayment(orderID, paymentID, signature string) bool {
	if len(s.keySecret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.PaymentSignature(orderID, paymentID)), []byte(signature))
}

// WebhookSignature computes the expected signature of a raw webhook body
func (s *Signer) WebhookSignature(body []byte) string {
	return sign(s.webhookSecret, body)
}

// VerifyWebhook compares a webhook signature in constant time
func (s *Signer) VerifyWebhook(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.WebhookSignature(body)), []byte(signature))
}

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
