package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"appointment-service/internal/service"
	"appointment-service/internal/store"

	"github.com/gin-gonic/gin"
)

// bindOptionalJSON binds a body that callers may leave out entirely
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// listSlots returns a doctor's free slots for one day
func (h *Handler) listSlots(c *gin.Context) {
	doctorID, ok := idParam(c)
	if !ok {
		return
	}
	date, err := time.Parse(store.DateLayout, c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	slots, err := h.slots.ListAvailableSlots(c.Request.Context(), doctorID, date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots})
}

// bookAppointment handles appointment booking
func (h *Handler) bookAppointment(c *gin.Context) {
	var req service.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	req.PatientID = principal(c).UserID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.booking.Book(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// listAppointments returns the caller's appointments, optionally by status
func (h *Handler) listAppointments(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	appts, err := h.booking.ListAppointments(c.Request.Context(), principal(c), c.Query("status"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": appts, "count": len(appts)})
}

// limitQuery reads an optional positive ?limit=
func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

// getAppointment returns an appointment to a participant or an admin
func (h *Handler) getAppointment(c *gin.Context) {
	details, err := h.booking.GetAppointment(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) cancelAppointment(c *gin.Context) {
	var req service.CancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBindError(c, err)
		return
	}
	req.AppointmentID = c.Param("id")
	req.Actor = principal(c)

	appt, err := h.booking.Cancel(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *Handler) rescheduleAppointment(c *gin.Context) {
	var req service.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	req.AppointmentID = c.Param("id")
	req.PatientID = principal(c).UserID

	appt, err := h.booking.Reschedule(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *Handler) completeAppointment(c *gin.Context) {
	appt, err := h.booking.Complete(c.Request.Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

func (h *Handler) refundAppointment(c *gin.Context) {
	var req service.RefundRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBindError(c, err)
		return
	}
	req.AppointmentID = c.Param("id")
	req.PatientID = principal(c).UserID

	res, err := h.settlement.Refund(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// recreatePaymentOrder swaps a locally synthesized order for a real one
func (h *Handler) recreatePaymentOrder(c *gin.Context) {
	order, err := h.settlement.RecreateOrder(c.Request.Context(), c.Param("id"), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
