package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/service"
	"appointment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	booking    *service.BookingService
	settlement *service.SettlementService
	slots      *service.SlotService
	wallet     *service.WalletService
	auth       identity.Validator
	checks     map[string]Pinger
	logger     *zap.Logger
}

// Deps groups what the HTTP layer needs
type Deps struct {
	Booking    *service.BookingService
	Settlement *service.SettlementService
	Slots      *service.SlotService
	Wallet     *service.WalletService
	Auth       identity.Validator
	// Checks are pinged by /ready, keyed by name
	Checks map[string]Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		booking:    deps.Booking,
		settlement: deps.Settlement,
		slots:      deps.Slots,
		wallet:     deps.Wallet,
		auth:       deps.Auth,
		checks:     deps.Checks,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	registerValidators()

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// signed by the gateway, not by a user
	v1.POST("/payments/webhook", h.paymentWebhook)

	authed := v1.Group("", authMiddleware(h.auth))
	{
		authed.GET("/doctors/:id/slots", h.listSlots)
		authed.GET("/appointments", requireRole(models.RolePatient, models.RoleDoctor), h.listAppointments)
		authed.GET("/appointments/:id", h.getAppointment)
		authed.GET("/payments/status/:order_id", h.paymentStatus)
		authed.POST("/appointments/:id/cancel", requireRole(models.RolePatient, models.RoleDoctor), h.cancelAppointment)
	}

	patient := authed.Group("", requireRole(models.RolePatient))
	{
		patient.POST("/appointments", h.bookAppointment)
		patient.POST("/appointments/:id/reschedule", h.rescheduleAppointment)
		patient.POST("/appointments/:id/refund", h.refundAppointment)
		patient.POST("/appointments/:id/payment-order", h.recreatePaymentOrder)
		patient.POST("/payments/verify", h.verifyPayment)
		patient.GET("/payments/history", h.paymentHistory)
	}

	doctor := authed.Group("", requireRole(models.RoleDoctor))
	{
		doctor.POST("/appointments/:id/complete", h.completeAppointment)
		doctor.POST("/doctor/slots", h.createSlots)
		doctor.GET("/doctor/slots/my-schedule", h.mySchedule)
		doctor.POST("/doctor/slots/:id/block", h.blockSlot)
		doctor.POST("/doctor/slots/:id/unblock", h.unblockSlot)
		doctor.POST("/doctor/leave", h.applyLeave)
		doctor.GET("/doctor/wallet", h.getWallet)
		doctor.POST("/doctor/wallet/withdraw", h.withdraw)
		doctor.GET("/doctor/wallet/reconcile", h.reconcileWallet)
	}

	admin := authed.Group("/admin", requireRole(models.RoleAdmin))
	{
		admin.POST("/withdrawals/:id/confirm", h.confirmWithdrawal)
		admin.POST("/withdrawals/:id/reverse", h.reverseWithdrawal)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency the service cannot work without
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
