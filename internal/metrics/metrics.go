// Package metrics exposes the judge's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the judge emits. Each instance owns a fresh
// registry, so tests can build one per case without collision.
type Metrics struct {
	registry *prometheus.Registry

	Ticks            prometheus.Counter
	Judgements       *prometheus.CounterVec
	QueueTransitions *prometheus.CounterVec
	AutoFixTasks     *prometheus.CounterVec
	Recoveries       *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	LLMCalls         *prometheus.CounterVec
}

// New creates and registers the judge's collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "poll_ticks_total",
			Help:      "Polling loop iterations completed.",
		}),
		Judgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "judgements_total",
			Help:      "Judgements rendered, by verdict.",
		}, []string{"verdict"}),
		QueueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "merge_queue_transitions_total",
			Help:      "Merge queue item state transitions.",
		}, []string{"transition"}),
		AutoFixTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "autofix_tasks_total",
			Help:      "Remediation tasks created, by kind.",
		}, []string{"kind"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "recoveries_total",
			Help:      "Startup and lease recoveries, by kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "merge_queue_depth",
			Help:      "Merge queue rows by status.",
		}, []string{"status"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "llm_calls_total",
			Help:      "LLM review calls, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.Ticks, m.Judgements, m.QueueTransitions,
		m.AutoFixTasks, m.Recoveries, m.QueueDepth, m.LLMCalls,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP listener for /metrics. It blocks; run it in a
// goroutine. An empty addr disables serving.
func (m *Metrics) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
