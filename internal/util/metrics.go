package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_attempts_total",
		Help: "Total number of reconciliation units started",
	}, []string{"source"})

	ReconcileConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_conflicts_total",
		Help: "Total number of reconciliation units aborted by a concurrent write",
	})

	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_outcomes_total",
		Help: "Total number of reconciliation results by kind",
	}, []string{"result"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_latency_seconds",
		Help:    "Latency of a reconciliation including retries",
		Buckets: prometheus.DefBuckets,
	})

	ReconcileRechecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_rechecks_total",
		Help: "Total number of idempotent re-checks after exhausted retries",
	}, []string{"applied"})

	EnrollmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_created_total",
		Help: "Total number of enrollments created",
	})

	TransactionsRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_refunded_total",
		Help: "Total number of refunded transactions",
	})

	CheckoutsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_started_total",
		Help: "Total number of checkout sessions created",
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of payment webhook deliveries",
	}, []string{"result"})

	FollowUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_followups_total",
		Help: "Total number of follow-up reconciliations",
	}, []string{"result"})

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
