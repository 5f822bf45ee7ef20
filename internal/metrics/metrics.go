// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingest outcomes: processed, ignored, invalid, failed
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_ingest_total",
			Help: "Deposits handed to the ingest pipeline by outcome",
		},
		[]string{"outcome"},
	)

	// SweepStepFailures counts provider failures per sweep step
	SweepStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_sweep_step_failures_total",
			Help: "Chain provider failures by sweep step",
		},
		[]string{"step"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_retry_attempts_total",
			Help: "Retry scheduler attempts by result",
		},
		[]string{"result"},
	)

	ReconcileRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_reconcile_repairs_total",
			Help: "Reconciler repairs by kind",
		},
		[]string{"kind"},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_webhook_requests_total",
			Help: "Webhook requests by response code",
		},
		[]string{"code"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "depositd_pipeline_duration_seconds",
			Help:    "Time spent sweeping and crediting one deposit",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)
