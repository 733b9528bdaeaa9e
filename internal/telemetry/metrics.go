// Package telemetry exposes the core's Prometheus metrics (§4 domain-stack
// addition): the teacher's registration/handler pattern kept unchanged,
// only the gauge/counter set renamed to this domain.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsQueuedGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hsm_requests_new", Help: "REQUEST_QUEUE rows currently in state NEW"})
	RequestsInProgress     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hsm_requests_in_progress", Help: "REQUEST_QUEUE rows currently in state IN_PROGRESS"})
	JobsRecalledTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "hsm_jobs_recalled_total", Help: "Files successfully recalled from tape"})
	JobsFailedTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "hsm_jobs_failed_total", Help: "Files that failed to recall"})
	BytesRecalledTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "hsm_bytes_recalled_total", Help: "Bytes copied off tape onto filesystems"})
	RateLimitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "hsm_rate_limit_rejects_total", Help: "Intake events throttled by the per-pool token bucket"})
	FailedEventLogGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hsm_failed_event_log_depth", Help: "Entries currently held in the failed-event ring buffer"})
	DrivesBusyGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hsm_drives_busy", Help: "Tape drives currently marked busy"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsQueuedGauge,
			RequestsInProgress,
			JobsRecalledTotal,
			JobsFailedTotal,
			BytesRecalledTotal,
			RateLimitRejects,
			FailedEventLogGauge,
			DrivesBusyGauge,
		)
	})
	return promhttp.Handler()
}
