package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/razorpay/razorpay-go/utils"
	"github.com/stretchr/testify/assert"
)

func TestVerifyPayment(t *testing.T) {
	s := NewSigner("key_secret", "hook_secret")

	mac := hmac.New(sha256.New, []byte("key_secret"))
	mac.Write([]byte("order_1|pay_1"))
	expected := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, s.PaymentSignature("order_1", "pay_1"))
	assert.True(t, s.VerifyPayment("order_1", "pay_1", expected))
	assert.False(t, s.VerifyPayment("order_1", "pay_2", expected))
	assert.False(t, s.VerifyPayment("order_1", "pay_1", ""))
	assert.False(t, s.VerifyPayment("order_1", "pay_1", expected[:10]))
}

func TestVerifyPaymentRequiresSecret(t *testing.T) {
	s := NewSigner("", "")
	sig := s.PaymentSignature("order_1", "pay_1")
	assert.False(t, s.VerifyPayment("order_1", "pay_1", sig))
}

func TestVerifyWebhook(t *testing.T) {
	s := NewSigner("key_secret", "hook_secret")
	body := []byte(`{"event":"payment.captured"}`)

	sig := s.WebhookSignature(body)
	assert.True(t, s.VerifyWebhook(body, sig))
	assert.False(t, s.VerifyWebhook([]byte(`{"event":"payment.failed"}`), sig))
	assert.False(t, s.VerifyWebhook(body, s.PaymentSignature("a", "b")))
}

func TestSignaturesMatchGatewayVerifiers(t *testing.T) {
	s := NewSigner("key_secret", "hook_secret")
	body := `{"event":"payment.captured","payload":{}}`

	params := map[string]interface{}{
		"razorpay_order_id":   "order_9",
		"razorpay_payment_id": "pay_9",
	}
	assert.True(t, utils.VerifyPaymentSignature(params, s.PaymentSignature("order_9", "pay_9"), "key_secret"))
	assert.True(t, utils.VerifyWebhookSignature(body, s.WebhookSignature([]byte(body)), "hook_secret"))
	assert.False(t, utils.VerifyWebhookSignature(body, s.WebhookSignature([]byte(body)), "key_secret"))
}

func TestToMinor(t *testing.T) {
	assert.Equal(t, int64(100000), ToMinor(1000))
}
