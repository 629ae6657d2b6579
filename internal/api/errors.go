package api

import (
	"errors"
	"net/http"

	"appointment-service/internal/service"
	"appointment-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// rule violations on a well-formed request
var unprocessable = []error{
	service.ErrDoctorUnavailable,
	service.ErrSlotInPast,
	service.ErrLeadTimeTooShort,
	service.ErrDailyCapacityReached,
	service.ErrInvalidTransition,
	service.ErrCancellationWindowClosed,
	service.ErrRefundWindowClosed,
	service.ErrTooEarlyToComplete,
	service.ErrPaymentNotRefundable,
	service.ErrOrderNotRecreatable,
	service.ErrWithdrawalNotPending,
	service.ErrBelowMinimumWithdrawal,
}

// statusFor maps a service error to its HTTP status and the message shown to the caller
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case service.IsConcurrencyLoss(err):
		return http.StatusConflict, err.Error()
	case service.IsNotFound(err):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "payment gateway unavailable, try again shortly"
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusBadRequest, "payment verification failed"
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient wallet balance"
	case service.IsIntegrity(err):
		return http.StatusInternalServerError, "request could not be completed, support has been notified"
	case service.IsValidation(err):
		for _, target := range unprocessable {
			if errors.Is(err, target) {
				return http.StatusUnprocessableEntity, target.Error()
			}
		}
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}
