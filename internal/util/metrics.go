package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AppointmentsBookedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appointments_booked_total",
		Help: "Total number of appointments booked",
	}, []string{"payment_method"})

	BookingsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_rejected_total",
		Help: "Total number of rejected booking attempts",
	}, []string{"reason"})

	AppointmentsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appointments_cancelled_total",
		Help: "Total number of cancelled appointments",
	}, []string{"reason"})

	AppointmentsRescheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_rescheduled_total",
		Help: "Total number of rescheduled appointments",
	})

	AppointmentsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_completed_total",
		Help: "Total number of completed consultations",
	})

	BookingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_latency_seconds",
		Help:    "Latency of the booking transaction",
		Buckets: prometheus.DefBuckets,
	})

	SlotsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slots_created_total",
		Help: "Total number of slots generated",
	})

	SlotsBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slots_blocked_total",
		Help: "Total number of slots blocked for leave or breaks",
	})

	GatewayOrderFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_order_fallback_total",
		Help: "Bookings that fell back to a locally synthesized order id",
	})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settlement attempts by source and outcome",
	}, []string{"source", "outcome"})

	SignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signature_failures_total",
		Help: "Rejected payment or webhook signatures",
	}, []string{"source"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment settlement",
		Buckets: prometheus.DefBuckets,
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Refund attempts by outcome",
	}, []string{"outcome"})

	PaymentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_expired_total",
		Help: "Pending payments expired by the sweeper",
	})

	WalletOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_operations_total",
		Help: "Wallet mutations by type and outcome",
	}, []string{"type", "outcome"})

	WalletReconciliationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_reconciliation_failures_total",
		Help: "Wallets whose balance disagrees with their ledger",
	})

	LedgerIntegrityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_alerts_total",
		Help: "Operations that failed on an integrity rule and need operator attention",
	}, []string{"reason"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Side-effect events dropped because a buffer was full or delivery failed",
	}, []string{"sink"})

	EventsDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dead_lettered_total",
		Help: "Consumed events forwarded to the dead-letter topic after their retries ran out",
	})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Notifications handed to the delivery sink",
	}, []string{"category"})

	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_runs_total",
		Help: "Scheduled job runs by job and outcome",
	}, []string{"job", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
