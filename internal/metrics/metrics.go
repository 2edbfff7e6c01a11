// ABOUTME: Prometheus counters, histograms, and gauges for the gateway
// ABOUTME: Served at /metrics via promhttp against the registry each New call creates

// Package metrics owns the gateway's Prometheus registry, created by New
// rather than held in a package-level variable. Every other package
// observes through a narrow interface it defines itself
// (orchestrator.Metrics and friends); apart from the control plane's
// promhttp handler, this package is the only one that imports client_golang.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
)

// Metrics owns a dedicated registry and every collector the gateway
// exports. A fresh Registry (rather than the global default) keeps test
// processes from colliding on collector registration.
type Metrics struct {
	Registry *prometheus.Registry

	runsCompleted   *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	approvalLatency prometheus.Histogram
	cbTransitions   *prometheus.CounterVec
	busLag          prometheus.GaugeFunc
	busSubscribers  prometheus.GaugeFunc
}

// New registers every collector against a fresh registry. bus is required.
// Rate limiters are attached afterwards through ObserveRateLimiter.
func New(bus *eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		runsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgw",
			Name:      "runs_completed_total",
			Help:      "Agent runs that reached a terminal status, by status.",
		}, []string{"status"}),
		toolCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgw",
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool name and outcome.",
		}, []string{"tool", "result"}),
		approvalLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentgw",
			Name:      "approval_latency_seconds",
			Help:      "Time between an approval request and its resolution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		cbTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgw",
			Name:      "llm_circuit_breaker_transitions_total",
			Help:      "LLM circuit breaker state transitions, by destination state.",
		}, []string{"state"}),
	}

	m.busLag = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentgw",
		Name:      "event_bus_lag_total",
		Help:      "Events dropped for slow subscribers since startup.",
	}, func() float64 { return float64(bus.Lag()) })

	m.busSubscribers = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentgw",
		Name:      "event_bus_subscribers",
		Help:      "Currently active event bus subscribers.",
	}, func() float64 { return float64(bus.Subscribers()) })

	return m
}

// ObserveRateLimiter registers a rate_limit_denials_total gauge for one
// named limiter (e.g. "principal" or "channel"). Called once per limiter
// after construction, since the limiter itself isn't known at New time in
// every wiring order.
func (m *Metrics) ObserveRateLimiter(name string, l *ratelimit.Limiter) {
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "agentgw",
		Name:        "rate_limit_denials_total",
		Help:        "Requests refused by a token bucket limiter since startup.",
		ConstLabels: prometheus.Labels{"limiter": name},
	}, func() float64 { return float64(l.Denied()) })
}

// ObserveRunCompleted implements orchestrator.Metrics.
func (m *Metrics) ObserveRunCompleted(status domain.RunStatus) {
	m.runsCompleted.WithLabelValues(string(status)).Inc()
}

// ObserveToolCall implements orchestrator.Metrics.
func (m *Metrics) ObserveToolCall(tool string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// ObserveApprovalLatency implements orchestrator.Metrics.
func (m *Metrics) ObserveApprovalLatency(d time.Duration) {
	m.approvalLatency.Observe(d.Seconds())
}

// CircuitBreakerHook returns a func(llm.State) suitable for assigning to
// llm.CircuitBreaker.OnTransition.
func (m *Metrics) CircuitBreakerHook() func(llm.State) {
	return func(s llm.State) {
		m.cbTransitions.WithLabelValues(string(s)).Inc()
	}
}
