// Package telemetry exposes Prometheus metrics for the provider client, the
// cache, ingestion runs and scheduled jobs.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provider Metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_provider_requests_total",
			Help: "Provider API requests by final outcome",
		},
		[]string{"outcome"}, // "ok", "http_error", "timeout", "transport_error"
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_provider_retries_total",
			Help: "Provider API retries by reason",
		},
		[]string{"reason"},
	)

	ProviderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socialmetrics_provider_request_duration_seconds",
			Help:    "Provider API request duration including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache Metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_cache_lookups_total",
			Help: "Cache lookups by resource and result",
		},
		[]string{"resource", "result"}, // "cache", "refresh", "prime", "error", "fallback"
	)

	CacheCleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialmetrics_cache_cleanup_deleted_total",
			Help: "Cache rows deleted by the retention sweep",
		},
	)

	// Ingestion Metrics
	IngestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_ingest_runs_total",
			Help: "Ingestion runs by platform and final status",
		},
		[]string{"platform", "status"},
	)

	IngestRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_ingest_rows_total",
			Help: "Metric rows written by kind",
		},
		[]string{"kind"}, // "inserted", "updated"
	)

	// Job Metrics
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialmetrics_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"job", "outcome"}, // "ok", "error", "skipped"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialmetrics_job_duration_seconds",
			Help:    "Scheduled job duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"job"},
	)
)

// RecordJob records one job run.
func RecordJob(job, outcome string, d time.Duration) {
	JobRuns.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		JobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// RecordIngest records a finished ingestion run.
func RecordIngest(platform, status string, inserted, updated int) {
	IngestRuns.WithLabelValues(platform, status).Inc()
	IngestRows.WithLabelValues("inserted").Add(float64(inserted))
	IngestRows.WithLabelValues("updated").Add(float64(updated))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
