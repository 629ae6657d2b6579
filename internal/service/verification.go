package service

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"appointment-service/internal/models"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

// newVerificationCode builds the check-in code for a confirmed appointment.
// The QR image encodes the appointment id and token and is stored as base64 PNG.
func newVerificationCode(appt *models.Appointment, validFor time.Duration) (*models.VerificationCode, error) {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	content := fmt.Sprintf("%s:%s", appt.ID, token)

	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}

	return &models.VerificationCode{
		AppointmentID: appt.ID,
		Token:         token,
		QRCode:        base64.StdEncoding.EncodeToString(png),
		ExpiresAt:     appt.StartAt.Add(validFor),
	}, nil
}
