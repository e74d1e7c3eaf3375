// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionTransitionsTotal *prometheus.CounterVec
	dispatchesTotal         *prometheus.CounterVec
	callbackAuthFailures    *prometheus.CounterVec
	discoveryItemsTotal     *prometheus.CounterVec
	zombieSessions          prometheus.Gauge
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_session_transitions_total",
				Help: "Total lifecycle transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_dispatches_total",
				Help: "Work descriptor handoffs, labeled by job key and outcome.",
			},
			[]string{"job_key", "outcome"},
		)

		callbackAuthFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_callback_auth_failures_total",
				Help: "Rejected worker callbacks, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		discoveryItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_discovery_items_total",
				Help: "Discovery batch items, labeled by job key and result.",
			},
			[]string{"job_key", "result"},
		)

		zombieSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_zombie_sessions",
				Help: "Running sessions whose heartbeat exceeded the timeout.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts one lifecycle transition.
func ObserveTransition(status string) {
	Init()
	sessionTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveDispatch counts one handoff attempt.
func ObserveDispatch(jobKey, outcome string) {
	Init()
	dispatchesTotal.WithLabelValues(jobKey, outcome).Inc()
}

// ObserveAuthFailure counts a rejected worker callback.
func ObserveAuthFailure(endpoint string) {
	Init()
	callbackAuthFailures.WithLabelValues(endpoint).Inc()
}

// ObserveDiscoveryBatch records one batch's item outcomes.
func ObserveDiscoveryBatch(jobKey string, inserted, updated, failed int) {
	Init()
	discoveryItemsTotal.WithLabelValues(jobKey, "inserted").Add(float64(inserted))
	discoveryItemsTotal.WithLabelValues(jobKey, "updated").Add(float64(updated))
	discoveryItemsTotal.WithLabelValues(jobKey, "failed").Add(float64(failed))
}

// SetZombieSessions updates the zombie gauge after a monitor sweep.
func SetZombieSessions(n int) {
	Init()
	zombieSessions.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
