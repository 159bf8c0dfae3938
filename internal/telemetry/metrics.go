package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "moderation_jobs_submitted_total", Help: "Moderation jobs handed to the pipeline"})
	JobsCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "moderation_jobs_completed_total", Help: "Jobs that published a verdict"}, []string{"status"})
	JobsFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "moderation_jobs_failed_total", Help: "Jobs terminated by a fatal error"}, []string{"reason"})
	JobsSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "moderation_jobs_skipped_total", Help: "Jobs that ended without running the pipeline"}, []string{"reason"})
	ParseFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "moderation_verdict_fallbacks_total", Help: "Classifier responses that could not be parsed and defaulted to safe"})
	ReleaseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "moderation_release_failures_total", Help: "Transient resources that could not be released"}, []string{"resource"})
	UploadRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "moderation_upload_rate_limit_rejects_total", Help: "Video creations rejected by the rate limiter"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "moderation_queue_depth", Help: "Videos waiting for a worker"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "moderation_jobs_inflight", Help: "Jobs currently running in this process"})
	JobDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderation_job_duration_seconds",
		Help:    "Wall time of a pipeline run from staging to cleanup",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsSkipped,
			ParseFallbacks,
			ReleaseFailures,
			UploadRejects,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
