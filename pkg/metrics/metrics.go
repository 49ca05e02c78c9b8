// Package metrics collects Prometheus metrics for the whole daemon and
// exposes them both in Prometheus text format and as a JSON document.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state values reported by the helper breaker gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds every instrument the daemon records. All instruments live
// in a private registry so tests can construct as many instances as they
// like without colliding on the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// RequestCounter counts inference requests.
	// Labels: route, model, outcome (ok|error|rejected|cancelled)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures wall time per inference request in seconds.
	// Labels: route, model
	RequestDuration *prometheus.HistogramVec

	// QueueDepth tracks requests waiting on an admission lane.
	// Labels: lane (high|normal|global)
	QueueDepth *prometheus.GaugeVec

	// InFlight tracks requests holding an inference slot.
	InFlight prometheus.Gauge

	// ConcurrencyLimit reports the current adaptive global limit.
	ConcurrencyLimit prometheus.Gauge

	// TokensProcessed counts tokens by model and type (prompt|completion).
	TokensProcessed *prometheus.CounterVec

	// LoadedModels tracks ready models by backend kind.
	LoadedModels *prometheus.GaugeVec

	// MemoryUsedBytes and MemoryUsedRatio mirror the memory monitor.
	MemoryUsedBytes prometheus.Gauge
	MemoryUsedRatio prometheus.Gauge

	// SpeculativeAcceptance reports the draft token acceptance ratio per model.
	SpeculativeAcceptance *prometheus.GaugeVec

	// AgentRuns counts finished agent runs by terminal status.
	AgentRuns *prometheus.CounterVec

	// SkillInvocations counts skill calls by skill and status.
	SkillInvocations *prometheus.CounterVec

	// BreakerState reports each helper circuit state (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmx_requests_total",
				Help: "Total inference requests by route, model, and outcome",
			},
			[]string{"route", "model", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lmx_request_duration_seconds",
				Help:    "Inference request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route", "model"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lmx_queue_depth",
				Help: "Requests waiting for admission by lane",
			},
			[]string{"lane"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmx_inflight_requests",
				Help: "Requests currently holding an inference slot",
			},
		),

		ConcurrencyLimit: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmx_concurrency_limit",
				Help: "Current adaptive global concurrency limit",
			},
		),

		TokensProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmx_tokens_total",
				Help: "Total tokens processed by model and type",
			},
			[]string{"model", "type"},
		),

		LoadedModels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lmx_loaded_models",
				Help: "Models currently in the ready state by backend",
			},
			[]string{"backend"},
		),

		MemoryUsedBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmx_memory_used_bytes",
				Help: "Unified memory in use on the host",
			},
		),

		MemoryUsedRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmx_memory_used_ratio",
				Help: "Host memory usage as a fraction of the pressure threshold",
			},
		),

		SpeculativeAcceptance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lmx_speculative_acceptance_ratio",
				Help: "Draft token acceptance ratio from the last generation",
			},
			[]string{"model"},
		),

		AgentRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmx_agent_runs_total",
				Help: "Total agent runs by terminal status",
			},
			[]string{"status"},
		),

		SkillInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmx_skill_invocations_total",
				Help: "Total skill invocations by skill and status",
			},
			[]string{"skill", "status"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lmx_helper_breaker_state",
				Help: "Helper circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"helper"},
		),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one finished inference request.
func (m *Metrics) RecordRequest(route, model, outcome string, durationSeconds float64) {
	m.RequestCounter.WithLabelValues(route, model, outcome).Inc()
	m.RequestDuration.WithLabelValues(route, model).Observe(durationSeconds)
}

// RecordTokens adds prompt and completion token counts for a model.
func (m *Metrics) RecordTokens(model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensProcessed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordAgentRun counts a run reaching a terminal status.
func (m *Metrics) RecordAgentRun(status string) {
	m.AgentRuns.WithLabelValues(status).Inc()
}

// RecordSkillInvocation counts one skill call.
func (m *Metrics) RecordSkillInvocation(skill, status string) {
	m.SkillInvocations.WithLabelValues(skill, status).Inc()
}

// SetQueueDepth reports the number of waiters on a lane.
func (m *Metrics) SetQueueDepth(lane string, depth int) {
	m.QueueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetMemory mirrors the latest memory monitor snapshot.
func (m *Metrics) SetMemory(usedBytes uint64, usedRatio float64) {
	m.MemoryUsedBytes.Set(float64(usedBytes))
	m.MemoryUsedRatio.Set(usedRatio)
}

// SetBreakerState maps a breaker state name onto the helper gauge.
func (m *Metrics) SetBreakerState(helper, state string) {
	value := BreakerClosed
	switch state {
	case "open":
		value = BreakerOpen
	case "half_open":
		value = BreakerHalfOpen
	}
	m.BreakerState.WithLabelValues(helper).Set(float64(value))
}
