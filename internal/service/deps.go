package service

import (
	"context"
	"time"

	"appointment-service/config"
	"appointment-service/internal/audit"
	"appointment-service/internal/models"
)

// EventSink receives side-effect events after a transaction commits.
// Emit must not block and must not fail the caller.
type EventSink interface {
	Emit(ctx context.Context, event *models.DomainEvent)
}

// Auditor records audit entries without blocking
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// IdempotencyCache remembers the result of client requests by key
type IdempotencyCache interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error
}

// EventDeduper drops repeated webhook deliveries before they reach the database.
// A claim is provisional until ConfirmEvent extends it.
type EventDeduper interface {
	ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ConfirmEvent(ctx context.Context, eventID string, ttl time.Duration) error
	ForgetEvent(ctx context.Context, eventID string) error
}

type noopSink struct{}

func (noopSink) Emit(context.Context, *models.DomainEvent) {}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Entry) {}

// Policy holds the business rules shared by the services
type Policy struct {
	MinLeadTime          time.Duration
	DailyAppointmentCap  int
	CancellationWindow   time.Duration
	RefundWindow         time.Duration
	PlatformFeeBps       int64
	MinWithdrawal        int64
	PaymentPendingTTL    time.Duration
	VerificationValidFor time.Duration
	IdempotencyTTL       time.Duration
	GatewayTimeout       time.Duration
	Currency             string
	AppointmentIDPrefix  string
	Location             *time.Location
	Now                  func() time.Time
}

// DefaultPolicy returns the production rules in UTC
func DefaultPolicy() Policy {
	return Policy{
		MinLeadTime:          time.Hour,
		DailyAppointmentCap:  20,
		CancellationWindow:   2 * time.Hour,
		RefundWindow:         24 * time.Hour,
		PlatformFeeBps:       2000,
		MinWithdrawal:        500,
		PaymentPendingTTL:    30 * time.Minute,
		VerificationValidFor: 2 * time.Hour,
		IdempotencyTTL:       24 * time.Hour,
		GatewayTimeout:       10 * time.Second,
		Currency:             "INR",
		AppointmentIDPrefix:  "APT",
		Location:             time.UTC,
		Now:                  time.Now,
	}
}

// PolicyFromConfig builds the rules from loaded configuration
func PolicyFromConfig(cfg *config.Config) Policy {
	p := DefaultPolicy()
	b := cfg.Business
	p.MinLeadTime = b.MinLeadTime
	p.DailyAppointmentCap = b.DailyAppointmentCap
	p.CancellationWindow = b.CancellationWindow
	p.RefundWindow = b.RefundWindow
	p.PlatformFeeBps = b.PlatformFeeBps
	p.MinWithdrawal = b.MinWithdrawal
	p.PaymentPendingTTL = b.PaymentPendingTTL
	p.VerificationValidFor = b.VerificationValidFor
	p.IdempotencyTTL = b.IdempotencyTTL
	p.AppointmentIDPrefix = b.AppointmentIDPrefix
	p.Location = b.Location()
	p.GatewayTimeout = cfg.Payment.Timeout
	p.Currency = cfg.Payment.Currency
	return p
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// today is the current calendar date in the clinic time zone
func (p Policy) today() time.Time {
	now := p.now().In(p.loc())
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
