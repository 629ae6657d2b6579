package api

import (
	"errors"
	"net/http"

	"appointment-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	webhookSignatureHeader = "X-Razorpay-Signature"
	webhookEventIDHeader   = "X-Razorpay-Event-Id"
)

// verifyPayment settles a payment from the checkout callback
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	res, err := h.settlement.VerifyAndSettle(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentWebhook handles gateway deliveries. Anything the gateway cannot fix
// by retrying is acknowledged with 200 so it stops redelivering.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	res, err := h.settlement.HandleWebhook(c.Request.Context(), body,
		c.GetHeader(webhookSignatureHeader), c.GetHeader(webhookEventIDHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, service.ErrInvalidSignature), errors.Is(err, service.ErrInvalidWebhookPayload):
		respondError(c, err)
	case errors.Is(err, service.ErrPaymentNotFound):
		h.logger.Warn("Webhook for unknown order", zap.String("event_id", c.GetHeader(webhookEventIDHeader)))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case service.IsIntegrity(err):
		// already audited; a redelivery would fail the same way
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	default:
		respondError(c, err)
	}
}

// paymentHistory lists the calling patient's payments
func (h *Handler) paymentHistory(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	payments, err := h.settlement.PaymentHistory(c.Request.Context(), principal(c).UserID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	view, err := h.settlement.PaymentStatus(c.Request.Context(), c.Param("order_id"), principal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
