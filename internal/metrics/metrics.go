// -----------------------------------------------------------------------
// Metrics - prometheus collectors for the orchestrator
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/conductor/internal/models"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobTransitions *prometheus.CounterVec
	jobRetries     prometheus.Counter
	jobsInFlight   prometheus.Gauge
	tickDuration   prometheus.Histogram
	executorCalls  *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to start
// from a clean registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncSubmitted counts an accepted job submission.
func IncSubmitted() {
	mu.RLock()
	defer mu.RUnlock()
	jobsSubmitted.Inc()
}

// IncCompleted counts a job reaching a terminal status.
func IncCompleted(status models.JobStatusCode) {
	mu.RLock()
	defer mu.RUnlock()
	jobsCompleted.WithLabelValues(string(status)).Inc()
}

// IncTransition counts a status transition written to the cache.
func IncTransition(status models.JobStatusCode) {
	mu.RLock()
	defer mu.RUnlock()
	jobTransitions.WithLabelValues(string(status)).Inc()
}

// IncRetry counts a transient failure scheduled for retry.
func IncRetry() {
	mu.RLock()
	defer mu.RUnlock()
	jobRetries.Inc()
}

// SetInFlight records the number of pending cache entries seen on a tick.
func SetInFlight(count int) {
	mu.RLock()
	defer mu.RUnlock()
	jobsInFlight.Set(float64(count))
}

// ObserveTick records the duration of one scheduler tick.
func ObserveTick(duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	tickDuration.Observe(duration.Seconds())
}

// IncExecutorCall counts an executor adapter call by operation and outcome.
func IncExecutorCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(models.KindOf(err))
	}
	mu.RLock()
	defer mu.RUnlock()
	executorCalls.WithLabelValues(op, outcome).Inc()
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total jobs accepted by submitJob.",
	})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs reaching a terminal status, by status.",
	}, []string{"status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Total job status transitions written to the cache, by new status.",
	}, []string{"status"})

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "jobs",
		Name:      "retries_total",
		Help:      "Total transient failures scheduled for retry.",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "scheduler",
		Name:      "jobs_in_flight",
		Help:      "Pending cache entries observed on the latest tick.",
	})

	tick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of scheduler ticks.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	execCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "executor",
		Name:      "calls_total",
		Help:      "Executor adapter calls by operation and outcome.",
	}, []string{"op", "outcome"})

	registry.MustRegister(submitted, completed, transitions, retries, inFlight, tick, execCalls)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobTransitions = transitions
	jobRetries = retries
	jobsInFlight = inFlight
	tickDuration = tick
	executorCalls = execCalls
}
