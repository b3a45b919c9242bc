package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated         = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_jobs_created_total", Help: "Jobs accepted by the facade"})
	JobsHeld            = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_jobs_held_total", Help: "Jobs parked in HOLD by the validation gate"})
	WorkerTicks         = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_worker_ticks_total", Help: "Worker loop ticks executed"})
	WorkerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_worker_failures_total", Help: "Worker ticks that failed a job"})
	CollectorPromotions = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_collector_promotions_total", Help: "Jobs promoted on XML arrival"})
	CollectorTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_collector_timeouts_total", Help: "Jobs failed on XML or ACK timeout"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "optiplan_rate_limit_rejects_total", Help: "Create requests rejected by the rate limiter"})
	BreakerOpen         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "optiplan_breaker_open", Help: "1 while the worker circuit breaker is open"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsHeld,
			WorkerTicks,
			WorkerFailures,
			CollectorPromotions,
			CollectorTimeouts,
			RateLimitRejects,
			BreakerOpen,
		)
	})
	return promhttp.Handler()
}
