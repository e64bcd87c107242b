package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "remaster_jobs_submitted_total", Help: "Jobs accepted for enhancement"}, []string{"media_kind"})
	SubmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "remaster_submissions_rejected_total", Help: "Submissions rejected by validation"}, []string{"reason"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "remaster_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "remaster_jobs_completed_total", Help: "Jobs that produced an output"}, []string{"media_kind"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "remaster_jobs_failed_total", Help: "Jobs that ended in failure"}, []string{"media_kind"})
	JobsPurged        = prometheus.NewCounter(prometheus.CounterOpts{Name: "remaster_jobs_purged_total", Help: "Terminal job records dropped by retention"})
	QueuedGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "remaster_jobs_queued", Help: "Jobs waiting for an execution slot"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "remaster_jobs_inflight", Help: "Jobs currently inside an enhancer"})
	EnhanceDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remaster_enhance_duration_seconds",
		Help:    "Wall time spent inside the enhancer",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"media_kind"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmissionRejects,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsPurged,
			QueuedGauge,
			InFlightGauge,
			EnhanceDuration,
		)
	})
	return promhttp.Handler()
}
