package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/util"

	"go.uber.org/zap"
)

const maxBatchSpan = 90 * 24 * time.Hour

// TimeWindow is one slot expressed as clinic-local wall-clock times
type TimeWindow struct {
	Start string `json:"start" binding:"required,hhmm"`
	End   string `json:"end" binding:"required,hhmm"`
}

// SlotBatch describes a recurring schedule. Every window on every matching
// day becomes exactly one slot. An empty Weekdays list means every day.
type SlotBatch struct {
	From      time.Time
	To        time.Time
	Weekdays  []string
	Windows   []TimeWindow
	SkipDates []time.Time
}

// SlotService owns the slot inventory of every doctor
type SlotService struct {
	store  store.Ledger
	policy Policy
	logger *zap.Logger
}

// NewSlotService creates a new slot service
func NewSlotService(st store.Ledger, policy Policy) *SlotService {
	return &SlotService{
		store:  st,
		policy: policy,
		logger: util.GetLogger(),
	}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

type clock struct{ hour, minute int }

func parseClock(v string) (clock, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return clock{}, fmt.Errorf("%w: bad time %q", ErrInvalidSlotBatch, v)
	}
	return clock{t.Hour(), t.Minute()}, nil
}

func (c clock) minutes() int { return c.hour*60 + c.minute }

type window struct{ start, end clock }

func (b SlotBatch) validate() (map[time.Weekday]bool, []window, map[string]bool, error) {
	if len(b.Windows) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no time windows", ErrInvalidSlotBatch)
	}
	from, to := store.CivilDate(b.From), store.CivilDate(b.To)
	if to.Before(from) || to.Sub(from) > maxBatchSpan {
		return nil, nil, nil, ErrInvalidDateRange
	}

	days := make(map[time.Weekday]bool, len(b.Weekdays))
	for _, name := range b.Weekdays {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSlotBatch, name)
		}
		days[wd] = true
	}

	windows := make([]window, 0, len(b.Windows))
	for _, w := range b.Windows {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, nil, nil, err
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, nil, nil, err
		}
		if start.minutes() >= end.minutes() {
			return nil, nil, nil, fmt.Errorf("%w: window %s-%s ends before it starts", ErrInvalidSlotBatch, w.Start, w.End)
		}
		windows = append(windows, window{start, end})
	}

	skip := make(map[string]bool, len(b.SkipDates))
	for _, d := range b.SkipDates {
		skip[d.Format(store.DateLayout)] = true
	}
	return days, windows, skip, nil
}

// CreateSlots materializes a batch for one doctor. Slots that already exist
// are skipped, so replaying a batch creates nothing new.
func (s *SlotService) CreateSlots(ctx context.Context, doctorID int64, batch SlotBatch) (int, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.CreateSlots")
	defer span.End()

	days, windows, skip, err := batch.validate()
	if err != nil {
		return 0, err
	}
	if store.CivilDate(batch.From).Before(s.policy.today()) {
		return 0, fmt.Errorf("%w: batch starts in the past", ErrInvalidDateRange)
	}

	loc := s.policy.loc()
	created := 0
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, doctorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrDoctorNotFound
			}
			return fmt.Errorf("failed to lock doctor: %w", err)
		}

		to := store.CivilDate(batch.To)
		for day := store.CivilDate(batch.From); !day.After(to); day = day.AddDate(0, 0, 1) {
			if len(days) > 0 && !days[day.Weekday()] {
				continue
			}
			if skip[day.Format(store.DateLayout)] {
				continue
			}
			for _, w := range windows {
				slot := &models.Slot{
					DoctorID: doctorID,
					SlotDate: day,
					StartAt:  time.Date(day.Year(), day.Month(), day.Day(), w.start.hour, w.start.minute, 0, 0, loc),
					EndAt:    time.Date(day.Year(), day.Month(), day.Day(), w.end.hour, w.end.minute, 0, 0, loc),
				}
				ok, err := tx.InsertSlot(ctx, slot)
				if err != nil {
					return fmt.Errorf("failed to insert slot: %w", err)
				}
				if ok {
					created++
				}
			}
		}
		return s.RecomputeNextAvailable(ctx, tx, doctorID)
	})
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}

	util.SlotsCreatedTotal.Add(float64(created))
	s.logger.Info("Slots created",
		zap.Int64("doctor_id", doctorID),
		zap.Int("created", created),
		zap.String("from", batch.From.Format(store.DateLayout)),
		zap.String("to", batch.To.Format(store.DateLayout)))
	return created, nil
}

// AcquireSlot locks a slot for the enclosing transaction and checks it is free
func (s *SlotService) AcquireSlot(ctx context.Context, tx store.Tx, slotID int64) (*models.Slot, error) {
	slot, err := tx.LockSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("failed to lock slot: %w", err)
	}
	if slot.IsBlocked {
		return nil, ErrSlotBlocked
	}
	if slot.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}
	return slot, nil
}

// ReleaseSlot makes a booked slot free again
func (s *SlotService) ReleaseSlot(ctx context.Context, tx store.Tx, slotID int64) error {
	if err := tx.ReleaseSlot(ctx, slotID); err != nil {
		return fmt.Errorf("failed to release slot %d: %w", slotID, err)
	}
	return nil
}

// RecomputeNextAvailable refreshes the doctor's cached earliest free slot
func (s *SlotService) RecomputeNextAvailable(ctx context.Context, tx store.Tx, doctorID int64) error {
	var next sql.NullTime
	slot, err := tx.EarliestFreeSlot(ctx, doctorID, s.policy.now())
	switch {
	case err == nil:
		next = sql.NullTime{Time: slot.StartAt, Valid: true}
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("failed to find next free slot: %w", err)
	}
	if err := tx.UpdateDoctorNextAvailable(ctx, doctorID, next); err != nil {
		return fmt.Errorf("failed to update next available slot: %w", err)
	}
	return nil
}

// BlockSlots blocks every free slot of the doctor between from and to inclusive.
// Booked slots are left alone.
func (s *SlotService) BlockSlots(ctx context.Context, doctorID int64, from, to time.Time, reason string) (int, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.BlockSlots")
	defer span.End()

	if store.CivilDate(to).Before(store.CivilDate(from)) {
		return 0, ErrInvalidDateRange
	}

	var blocked int
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, doctorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrDoctorNotFound
			}
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		n, err := tx.BlockFreeSlots(ctx, doctorID, store.CivilDate(from), store.CivilDate(to), reason)
		if err != nil {
			return fmt.Errorf("failed to block slots: %w", err)
		}
		blocked = n
		return s.RecomputeNextAvailable(ctx, tx, doctorID)
	})
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}

	util.SlotsBlockedTotal.Add(float64(blocked))
	s.logger.Info("Slots blocked",
		zap.Int64("doctor_id", doctorID),
		zap.Int("blocked", blocked),
		zap.String("reason", reason))
	return blocked, nil
}

// SetSlotBlocked blocks or unblocks a single slot of the doctor
func (s *SlotService) SetSlotBlocked(ctx context.Context, doctorID, slotID int64, blocked bool, reason string) error {
	ctx, span := util.StartSpan(ctx, "SlotService.SetSlotBlocked")
	defer span.End()

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockDoctor(ctx, doctorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrDoctorNotFound
			}
			return fmt.Errorf("failed to lock doctor: %w", err)
		}
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrSlotNotFound
			}
			return fmt.Errorf("failed to lock slot: %w", err)
		}
		if slot.DoctorID != doctorID {
			return ErrSlotDoctorMismatch
		}
		if blocked && slot.IsBooked {
			return ErrSlotAlreadyBooked
		}
		if err := tx.SetSlotBlocked(ctx, slotID, blocked, reason); err != nil {
			return fmt.Errorf("failed to update slot: %w", err)
		}
		return s.RecomputeNextAvailable(ctx, tx, doctorID)
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	if blocked {
		util.SlotsBlockedTotal.Inc()
	}
	s.logger.Info("Slot block changed",
		zap.Int64("doctor_id", doctorID),
		zap.Int64("slot_id", slotID),
		zap.Bool("blocked", blocked))
	return nil
}

// ListAvailableSlots returns the free future slots of one day
func (s *SlotService) ListAvailableSlots(ctx context.Context, doctorID int64, date time.Time) ([]models.Slot, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.ListAvailableSlots")
	defer span.End()

	if _, err := s.store.GetDoctor(ctx, doctorID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("failed to get doctor: %w", err)
	}

	slots, err := s.store.ListFreeSlots(ctx, doctorID, store.CivilDate(date), s.policy.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// RefreshNextAvailable recomputes the cached next slot of every doctor.
// Slots silently fall into the past, so this runs on a schedule.
func (s *SlotService) RefreshNextAvailable(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "SlotService.RefreshNextAvailable")
	defer span.End()

	ids, err := s.store.ListDoctorIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list doctors: %w", err)
	}

	refreshed := 0
	for _, id := range ids {
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockDoctor(ctx, id); err != nil {
				return err
			}
			return s.RecomputeNextAvailable(ctx, tx, id)
		})
		if err != nil {
			s.logger.Error("Failed to refresh next available slot", zap.Int64("doctor_id", id), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
