package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_jobs_created_total", Help: "Automation jobs accepted"}, []string{"type", "capability"})
	JobsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_jobs_succeeded_total", Help: "Automation jobs that succeeded"}, []string{"type", "capability"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_jobs_failed_total", Help: "Automation jobs that failed terminally"}, []string{"type", "reason"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_retried_total", Help: "Attempts that scheduled a retry"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_cancelled_total", Help: "Automation jobs cancelled"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_jobs_inflight", Help: "Adapter operations currently executing"})
	DeadLettered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_dead_letter_total", Help: "Jobs pushed to the dead-letter list"})
	SamplesIngested  = prometheus.NewCounter(prometheus.CounterOpts{Name: "signal_samples_ingested_total", Help: "Telemetry samples classified"})
	AlertsEmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "signal_alerts_total", Help: "Signal alerts emitted"}, []string{"severity"})
	AlertsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "signal_alerts_dropped_total", Help: "Alerts dropped because the alert buffer was full"})
	NotifyFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_failed_total", Help: "Outbound notifications that failed"}, []string{"target"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"scope"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			JobsCancelled,
			JobsInFlight,
			DeadLettered,
			SamplesIngested,
			AlertsEmitted,
			AlertsDropped,
			NotifyFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
