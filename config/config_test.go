package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, time.Hour, cfg.Business.MinLeadTime)
	assert.Equal(t, 20, cfg.Business.DailyAppointmentCap)
	assert.Equal(t, 2*time.Hour, cfg.Business.CancellationWindow)
	assert.Equal(t, 24*time.Hour, cfg.Business.RefundWindow)
	assert.Equal(t, int64(2000), cfg.Business.PlatformFeeBps)
	assert.Equal(t, int64(500), cfg.Business.MinWithdrawal)
	assert.Equal(t, "APT", cfg.Business.AppointmentIDPrefix)
	assert.Equal(t, "appointment-events-dlq", cfg.Kafka.TopicDeadLetter)
	assert.Equal(t, 5, cfg.Kafka.RetryAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOOKING_DAILY_CAP", "5")
	t.Setenv("BOOKING_MIN_LEAD_TIME", "90m")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("KAFKA_RETRY_BACKOFF", "1s")

	cfg := Load()

	assert.Equal(t, 5, cfg.Business.DailyAppointmentCap)
	assert.Equal(t, 90*time.Minute, cfg.Business.MinLeadTime)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Second, cfg.Kafka.RetryBackoff)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BOOKING_DAILY_CAP", "many")
	t.Setenv("REFUND_WINDOW", "a day")

	cfg := Load()

	assert.Equal(t, 20, cfg.Business.DailyAppointmentCap)
	assert.Equal(t, 24*time.Hour, cfg.Business.RefundWindow)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	b := BusinessConfig{Timezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, b.Location())
}
