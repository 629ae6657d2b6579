package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"appointment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL, skipping when it is unset
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createDoctor(t *testing.T, s *Store) *models.Doctor {
	t.Helper()
	d := &models.Doctor{Name: "Dr. " + uuid.NewString()[:8], ConsultationFee: 1000, IsAvailable: true}
	require.NoError(t, s.CreateDoctor(context.Background(), d))
	require.NotZero(t, d.ID)
	return d
}

func TestCivilDate(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	late := time.Date(2025, 6, 1, 23, 30, 0, 0, ist)

	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), CivilDate(late))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), CivilDate(late.UTC()))
	assert.True(t, SameDate(CivilDate(late), time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestInsertSlotIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := createDoctor(t, s)

	start := time.Now().Add(72 * time.Hour).Truncate(time.Minute).UTC()
	insert := func() bool {
		var created bool
		err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			created, err = tx.InsertSlot(ctx, &models.Slot{
				DoctorID: d.ID, SlotDate: CivilDate(start), StartAt: start, EndAt: start.Add(30 * time.Minute),
			})
			return err
		})
		require.NoError(t, err)
		return created
	}

	assert.True(t, insert())
	assert.False(t, insert())

	slots, err := s.ListFreeSlots(ctx, d.ID, CivilDate(start), time.Now())
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := createDoctor(t, s)

	start := time.Now().Add(96 * time.Hour).Truncate(time.Minute).UTC()
	slot := &models.Slot{DoctorID: d.ID, SlotDate: CivilDate(start), StartAt: start, EndAt: start.Add(30 * time.Minute)}
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.UpdateDoctorAvailability(ctx, d.ID, false); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetDoctor(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAvailable)
}

func TestWalletInsertAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := createDoctor(t, s)

	err := s.WithTx(ctx, func(tx Tx) error {
		w := &models.Wallet{DoctorID: d.ID}
		if err := tx.InsertWallet(ctx, w); err != nil {
			return err
		}
		assert.ErrorIs(t, tx.InsertWallet(ctx, &models.Wallet{DoctorID: d.ID}), ErrConflict)

		locked, err := tx.LockWallet(ctx, d.ID)
		if err != nil {
			return err
		}
		locked.CurrentBalance = 800
		locked.LifetimeEarned = 800
		return tx.UpdateWallet(ctx, locked)
	})
	require.NoError(t, err)

	w, err := s.GetWalletByDoctorID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), w.CurrentBalance)
	assert.Equal(t, int64(800), w.LifetimeEarned)

	_, err = s.GetWalletByDoctorID(ctx, d.ID+1_000_000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	done, err := s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkEventProcessed(ctx, id, models.EventTypeAppointmentBooked))
	require.NoError(t, s.MarkEventProcessed(ctx, id, models.EventTypeAppointmentBooked))

	done, err = s.IsEventProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
}
