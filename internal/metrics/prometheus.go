package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueuedTotal counts jobs added per queue.
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_jobs_enqueued_total",
			Help: "Total number of jobs enqueued.",
		},
		[]string{"queue"},
	)

	// JobsCompletedTotal counts jobs that terminated successfully per queue.
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_jobs_completed_total",
			Help: "Total number of jobs completed.",
		},
		[]string{"queue"},
	)

	// JobsFailedTotal counts jobs that exhausted their retries per queue.
	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_jobs_failed_total",
			Help: "Total number of jobs that failed permanently.",
		},
		[]string{"queue"},
	)

	// JobsRetriedTotal counts failed attempts that were rescheduled.
	JobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_jobs_retried_total",
			Help: "Total number of job attempts rescheduled with backoff.",
		},
		[]string{"queue"},
	)

	// JobProcessingDuration observes processor run time per queue.
	JobProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqd_job_processing_duration_seconds",
			Help:    "Duration of job processor invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// WebhookDeliveriesTotal counts webhook dispatch outcomes.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by event and outcome.",
		},
		[]string{"event", "outcome"},
	)
)
