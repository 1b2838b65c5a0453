package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects orchestrator-wide Prometheus metrics.
//
// Tracked surfaces: bus depth, the inbound pipeline (received, deduped,
// ignored, handled), the outbound dispatcher (sends, retries, dedupe hits,
// DLQ writes), agent-loop turns, tool executions, cron fires, and approval
// decisions.
type Metrics struct {
	// BusDepth gauges queued messages. Labels: direction (inbound|outbound).
	BusDepth *prometheus.GaugeVec

	// InboundCounter counts inbound pipeline outcomes.
	// Labels: provider, outcome (received|deduped|ignored|handled).
	InboundCounter *prometheus.CounterVec

	// HandlersInFlight gauges running inbound handlers.
	HandlersInFlight prometheus.Gauge

	// OutboundCounter counts dispatcher outcomes.
	// Labels: provider, outcome (sent|retried|requeued|deduped|dropped|dlq).
	OutboundCounter *prometheus.CounterVec

	// SendDuration measures transport send latency in seconds.
	// Labels: provider.
	SendDuration *prometheus.HistogramVec

	// LoopTurns measures turns consumed per agent-loop run.
	// Labels: status (completed|stopped|failed|max_turns_reached).
	LoopTurns *prometheus.HistogramVec

	// ProviderRequests counts LLM calls. Labels: provider, status.
	ProviderRequests *prometheus.CounterVec

	// ToolExecutions counts tool invocations. Labels: tool, status.
	ToolExecutions *prometheus.CounterVec

	// CronFires counts scheduler job fires. Labels: kind, status.
	CronFires *prometheus.CounterVec

	// ApprovalDecisions counts resolved approvals. Labels: decision.
	ApprovalDecisions *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry-compatible set.
// Call once at startup; promauto registers on the default registry.
func NewMetrics() *Metrics {
	return newMetricsWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsForTesting registers collectors on an isolated registry so
// parallel tests do not collide on duplicate registration.
func NewMetricsForTesting() *Metrics {
	return newMetricsWith(promauto.With(prometheus.NewRegistry()))
}

func newMetricsWith(factory promauto.Factory) *Metrics {
	return &Metrics{
		BusDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "maru_bus_depth",
				Help: "Messages currently queued on the in-process bus",
			},
			[]string{"direction"},
		),
		InboundCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_inbound_total",
				Help: "Inbound pipeline outcomes by provider",
			},
			[]string{"provider", "outcome"},
		),
		HandlersInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maru_inbound_handlers_in_flight",
				Help: "Currently running inbound handlers",
			},
		),
		OutboundCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_outbound_total",
				Help: "Outbound dispatcher outcomes by provider",
			},
			[]string{"provider", "outcome"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maru_send_duration_seconds",
				Help:    "Transport send latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),
		LoopTurns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maru_agent_loop_turns",
				Help:    "Turns consumed per agent-loop run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"status"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_provider_requests_total",
				Help: "LLM provider calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),
		CronFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_cron_fires_total",
				Help: "Cron job fires by payload kind and status",
			},
			[]string{"kind", "status"},
		),
		ApprovalDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maru_approval_decisions_total",
				Help: "Approval requests resolved by decision",
			},
			[]string{"decision"},
		),
	}
}

// RecordInbound increments one inbound pipeline outcome.
func (m *Metrics) RecordInbound(provider, outcome string) {
	m.InboundCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordOutbound increments one dispatcher outcome.
func (m *Metrics) RecordOutbound(provider, outcome string) {
	m.OutboundCounter.WithLabelValues(provider, outcome).Inc()
}

// RecordLoopRun observes a finished agent-loop run.
func (m *Metrics) RecordLoopRun(status string, turns int) {
	m.LoopTurns.WithLabelValues(status).Observe(float64(turns))
}

// RecordProviderRequest counts one LLM call.
func (m *Metrics) RecordProviderRequest(provider, status string) {
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
}

// RecordToolExecution counts one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordCronFire counts one scheduler fire.
func (m *Metrics) RecordCronFire(kind, status string) {
	m.CronFires.WithLabelValues(kind, status).Inc()
}

// RecordApprovalDecision counts one resolved approval.
func (m *Metrics) RecordApprovalDecision(decision string) {
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}
