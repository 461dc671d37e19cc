package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors. A single instance
// is created in main and threaded through the services that record to it.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	BreakerTrips  *prometheus.CounterVec
	WebhooksTotal *prometheus.CounterVec
	SettledSats   prometheus.Counter
	Discrepancies prometheus.Counter
	EngineCalls   *prometheus.CounterVec
}

// New registers the orchestrator collectors on reg. Pass
// prometheus.DefaultRegisterer in main, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_jobs_enqueued_total",
			Help: "Jobs accepted onto a queue.",
		}, []string{"queue"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_jobs_completed_total",
			Help: "Jobs whose handler returned success.",
		}, []string{"queue"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_jobs_failed_total",
			Help: "Jobs moved to the terminal failed state.",
		}, []string{"queue"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_jobs_retried_total",
			Help: "Job attempts rescheduled after a transient failure.",
		}, []string{"queue"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "satsconnect_job_duration_seconds",
			Help:    "Handler execution time per attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_breaker_trips_total",
			Help: "Circuit breaker transitions to the open state.",
		}, []string{"operation"}),
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_webhooks_total",
			Help: "Inbound provider callbacks by source and outcome.",
		}, []string{"source", "outcome"}),
		SettledSats: factory.NewCounter(prometheus.CounterOpts{
			Name: "satsconnect_settled_sats_total",
			Help: "Satoshis credited through completed settlements.",
		}),
		Discrepancies: factory.NewCounter(prometheus.CounterOpts{
			Name: "satsconnect_reconciliation_discrepancies_total",
			Help: "Discrepancies flagged by reconciliation runs.",
		}),
		EngineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsconnect_engine_calls_total",
			Help: "Settlement engine calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}
