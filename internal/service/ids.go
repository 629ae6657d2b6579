package service

import (
	"context"
	"fmt"
	"math/rand/v2"
)

const maxIDAttempts = 5

type idChecker interface {
	AppointmentExists(ctx context.Context, id string) (bool, error)
}

// IDGenerator returns six-digit candidates in [100000, 999999]
type IDGenerator func() int

func randomSixDigits() int {
	return 100000 + rand.IntN(900000)
}

func newAppointmentID(ctx context.Context, check idChecker, prefix string, gen IDGenerator) (string, error) {
	if gen == nil {
		gen = randomSixDigits
	}
	for i := 0; i < maxIDAttempts; i++ {
		id := fmt.Sprintf("%s%06d", prefix, gen())
		exists, err := check.AppointmentExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check appointment id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrAppointmentIDSpace
}
