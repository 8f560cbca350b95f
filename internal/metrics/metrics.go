// Package metrics exposes Prometheus instruments for the workflow engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "charforge"

// Metrics groups the engine's instruments on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	timeouts        *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	activeSessions  *prometheus.GaugeVec
	hookDuration    *prometheus.HistogramVec
	generationCalls *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// New creates a Metrics instance with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state transitions by source state, target state and trigger.",
		}, []string{"from_state", "to_state", "trigger"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected triggers by state, trigger and rejection reason.",
		}, []string{"state", "trigger", "reason"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Sessions moved out of a state by the timeout rule or the system-state watchdog.",
		}, []string{"state", "kind"}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		activeSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory, by phase.",
		}, []string{"phase"}),
		hookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_duration_seconds",
			Help:      "Duration of state-entry hook executions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"hook", "outcome"}),
		generationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation collaborator requests by state and outcome.",
		}, []string{"state", "outcome"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timeout_sweep_duration_seconds",
			Help:      "Duration of periodic timeout sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// All recorders are safe on a nil *Metrics so components can run without metrics.

func (m *Metrics) Transition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, trigger).Inc()
}

func (m *Metrics) Rejection(state, trigger, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(state, trigger, reason).Inc()
}

// Timeout records a forced exit; kind is "timeout" or "watchdog".
func (m *Metrics) Timeout(state, kind string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(state, kind).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionMoved shifts one session between phase gauges. Empty phases are skipped.
func (m *Metrics) SessionMoved(fromPhase, toPhase string) {
	if m == nil || fromPhase == toPhase {
		return
	}
	if fromPhase != "" {
		m.activeSessions.WithLabelValues(fromPhase).Dec()
	}
	if toPhase != "" {
		m.activeSessions.WithLabelValues(toPhase).Inc()
	}
}

func (m *Metrics) HookDone(hook string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.hookDuration.WithLabelValues(hook, outcome(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) Generation(state string, err error) {
	if m == nil {
		return
	}
	m.generationCalls.WithLabelValues(state, outcome(err)).Inc()
}

func (m *Metrics) SweepDone(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
