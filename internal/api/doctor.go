package api

import (
	"net/http"
	"time"

	"appointment-service/internal/service"
	"appointment-service/internal/store"

	"github.com/gin-gonic/gin"
)

type slotBatchRequest struct {
	From      string               `json:"from" binding:"required,datetime=2006-01-02"`
	To        string               `json:"to" binding:"required,datetime=2006-01-02"`
	Weekdays  []string             `json:"weekdays"`
	Windows   []service.TimeWindow `json:"windows" binding:"required,min=1,dive"`
	SkipDates []string             `json:"skip_dates" binding:"omitempty,dive,datetime=2006-01-02"`
}

func (r slotBatchRequest) batch() service.SlotBatch {
	// layouts are checked by the binding tags
	from, _ := time.Parse(store.DateLayout, r.From)
	to, _ := time.Parse(store.DateLayout, r.To)
	b := service.SlotBatch{From: from, To: to, Weekdays: r.Weekdays, Windows: r.Windows}
	for _, d := range r.SkipDates {
		skip, _ := time.Parse(store.DateLayout, d)
		b.SkipDates = append(b.SkipDates, skip)
	}
	return b
}

type blockRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

type reverseRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// createSlots materializes a recurring schedule for the calling doctor
func (h *Handler) createSlots(c *gin.Context) {
	var req slotBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	created, err := h.slots.CreateSlots(c.Request.Context(), principal(c).UserID, req.batch())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": created})
}

func (h *Handler) blockSlot(c *gin.Context) {
	h.setSlotBlocked(c, true)
}

func (h *Handler) unblockSlot(c *gin.Context) {
	h.setSlotBlocked(c, false)
}

func (h *Handler) setSlotBlocked(c *gin.Context, blocked bool) {
	slotID, ok := idParam(c)
	if !ok {
		return
	}
	var req blockRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBindError(c, err)
		return
	}

	if err := h.slots.SetSlotBlocked(c.Request.Context(), principal(c).UserID, slotID, blocked, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot_id": slotID, "blocked": blocked})
}

func (h *Handler) applyLeave(c *gin.Context) {
	var req service.LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	res, err := h.booking.ApplyLeave(c.Request.Context(), principal(c).UserID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// mySchedule shows every slot of the calling doctor with its booking, by day
func (h *Handler) mySchedule(c *gin.Context) {
	var from, to time.Time
	for _, q := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		d, err := time.Parse(store.DateLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": q.name + " must be YYYY-MM-DD"})
			return
		}
		*q.dst = d
	}

	days, err := h.slots.DoctorSchedule(c.Request.Context(), principal(c).UserID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": days})
}

func (h *Handler) getWallet(c *gin.Context) {
	summary, err := h.wallet.GetWallet(c.Request.Context(), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) withdraw(c *gin.Context) {
	var req service.WithdrawInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	req.DoctorID = principal(c).UserID

	wd, err := h.wallet.Withdraw(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wd)
}

func (h *Handler) reconcileWallet(c *gin.Context) {
	report, err := h.wallet.Reconcile(c.Request.Context(), principal(c).UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) confirmWithdrawal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	wd, err := h.wallet.ConfirmWithdrawal(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wd)
}

func (h *Handler) reverseWithdrawal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	wd, err := h.wallet.ReverseWithdrawal(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wd)
}
