// Package telemetry exposes the prometheus metrics of the sandbox
// core.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
	OutcomeTimeout = "timeout"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryforge_queries_total",
		Help: "Queries executed, by backend and outcome.",
	}, []string{"backend", "outcome"})

	queriesBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryforge_queries_blocked_total",
		Help: "Queries rejected by the validator, by backend.",
	}, []string{"backend"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queryforge_sessions_active",
		Help: "Currently live sandbox sessions.",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queryforge_query_duration_seconds",
		Help:    "Query execution latency, by backend.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})
)

// RecordQuery counts one query execution.
func RecordQuery(backend, outcome string, durationSeconds float64) {
	queriesTotal.WithLabelValues(backend, outcome).Inc()
	queryDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordBlocked counts one validator rejection.
func RecordBlocked(backend string) {
	queriesBlocked.WithLabelValues(backend).Inc()
	queriesTotal.WithLabelValues(backend, OutcomeBlocked).Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
