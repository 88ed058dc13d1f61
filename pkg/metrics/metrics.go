// Package metrics exposes engine telemetry as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-audit/argus/pkg/governor"
)

// Metrics holds the engine's Prometheus collectors. Construct once per
// process with New and share across components.
type Metrics struct {
	registry *prometheus.Registry

	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksRunning   prometheus.Gauge

	toolCalls     *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	eventsDropped prometheus.Counter

	llmTokens *prometheus.CounterVec
	llmCost   prometheus.Counter

	checkpointsWritten prometheus.Counter
	orphansRequeued    prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_tasks_processed_total",
			Help: "Audit tasks processed, by terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_task_duration_seconds",
			Help:    "Wall-clock duration of audit task execution.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_tasks_running",
			Help: "Tasks currently executing on this replica.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_tool_calls_total",
			Help: "Tool invocations, by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "argus_circuit_breaker_state",
			Help: "Circuit breaker state per resource (0 closed, 1 half-open, 2 open).",
		}, []string{"resource"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_events_dropped_total",
			Help: "Events dropped at the producer due to queue backpressure.",
		}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_llm_tokens_total",
			Help: "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		llmCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_llm_cost_usd_total",
			Help: "Accumulated LLM spend in USD.",
		}),
		checkpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_checkpoints_written_total",
			Help: "Checkpoints persisted.",
		}),
		orphansRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_orphans_requeued_total",
			Help: "Orphaned tasks returned to the pending queue.",
		}),
	}

	registry.MustRegister(
		m.tasksProcessed, m.taskDuration, m.tasksRunning,
		m.toolCalls, m.breakerState, m.eventsDropped,
		m.llmTokens, m.llmCost,
		m.checkpointsWritten, m.orphansRequeued,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskStarted marks one more task running on this replica.
func (m *Metrics) TaskStarted() { m.tasksRunning.Inc() }

// TaskFinished records a terminal task with its duration.
func (m *Metrics) TaskFinished(status string, seconds float64) {
	m.tasksRunning.Dec()
	m.tasksProcessed.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(seconds)
}

// ToolCall records one tool invocation outcome.
func (m *Metrics) ToolCall(tool, outcome string) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// BreakerStateChange is a governor.StateChangeFunc.
func (m *Metrics) BreakerStateChange(key string, _, to governor.BreakerState) {
	var v float64
	switch to {
	case governor.StateHalfOpen:
		v = 1
	case governor.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(key).Set(v)
}

// EventsDropped adds to the dropped-events counter.
func (m *Metrics) EventsDropped(n int) {
	if n > 0 {
		m.eventsDropped.Add(float64(n))
	}
}

// LLMUsage records token consumption and spend for one task.
func (m *Metrics) LLMUsage(inputTokens, outputTokens int, costUSD float64) {
	m.llmTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.llmTokens.WithLabelValues("output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.llmCost.Add(costUSD)
	}
}

// CheckpointWritten increments the checkpoint counter.
func (m *Metrics) CheckpointWritten() { m.checkpointsWritten.Inc() }

// OrphansRequeued adds to the orphan recovery counter.
func (m *Metrics) OrphansRequeued(n int) {
	if n > 0 {
		m.orphansRequeued.Add(float64(n))
	}
}
