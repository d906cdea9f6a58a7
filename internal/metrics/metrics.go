// Package metrics exposes Prometheus metrics for turn orchestration.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_turns_total",
			Help: "Total number of turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	completionTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_completion_tokens_total",
			Help: "Completion tokens produced, split by whether the count was estimated",
		},
		[]string{"estimated"},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_recoveries_total",
			Help: "Session recovery attempts by result",
		},
		[]string{"result"},
	)

	previewsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_previews_total",
			Help: "Total number of preview snapshots published",
		},
	)

	agentIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_agent_iterations",
			Help:    "Agent loop iterations per run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"stop_reason"},
	)

	sandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_sandbox_duration_seconds",
			Help:    "Sandbox execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	persistWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_persist_writes_total",
			Help: "Conversation writes by kind and status",
		},
		[]string{"kind", "status"},
	)

	activeTurns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_active_turns",
			Help: "Number of turns currently running",
		},
	)

	boundSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_bound_sessions",
			Help: "Number of conversations holding an engine session handle",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			completionTokens,
			recoveriesTotal,
			previewsTotal,
			agentIterations,
			sandboxDuration,
			persistWrites,
			activeTurns,
			boundSessions,
			httpRequestsTotal,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a finished turn.
func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCompletionTokens records produced tokens.
func RecordCompletionTokens(n int, estimated bool) {
	label := "false"
	if estimated {
		label = "true"
	}
	completionTokens.WithLabelValues(label).Add(float64(n))
}

// RecordRecovery records a recovery attempt.
func RecordRecovery(result string) {
	recoveriesTotal.WithLabelValues(result).Inc()
}

// RecordPreviews records published previews.
func RecordPreviews(n int) {
	previewsTotal.Add(float64(n))
}

// RecordAgentRun records the iterations of one agent loop run.
func RecordAgentRun(stopReason string, iterations int) {
	agentIterations.WithLabelValues(stopReason).Observe(float64(iterations))
}

// RecordSandbox records one sandbox execution.
func RecordSandbox(status string, duration time.Duration) {
	sandboxDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPersistWrite records one store write.
func RecordPersistWrite(kind, status string) {
	persistWrites.WithLabelValues(kind, status).Inc()
}

// TurnStarted increments the active turns gauge.
func TurnStarted() { activeTurns.Inc() }

// TurnFinished decrements the active turns gauge.
func TurnFinished() { activeTurns.Dec() }

// SetBoundSessions sets the bound sessions gauge.
func SetBoundSessions(n int) {
	boundSessions.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request.
func RecordHTTPRequest(method, path, status string) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}
