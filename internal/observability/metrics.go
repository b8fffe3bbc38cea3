package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the server exports. Created once
// at startup; all collectors register with the given registerer.
type Metrics struct {
	// ConnectedDevices gauges live sessions.
	// Labels: kind (agent|browser)
	ConnectedDevices *prometheus.GaugeVec

	// BridgeRequests counts correlated bridge requests.
	// Labels: kind (execution|memory|skill|persona|council|knowledge|tools),
	// outcome (resolved|client_error|timeout|disconnected)
	BridgeRequests *prometheus.CounterVec

	// BridgeRequestDuration measures round-trip latency in seconds.
	// Labels: kind
	// Buckets: 0.05s .. 120s
	BridgeRequestDuration *prometheus.HistogramVec

	// LLMRequests counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// LoopIterations counts tool-loop iterations.
	// Labels: persona
	LoopIterations *prometheus.CounterVec

	// ToolCalls counts handler executions inside tool loops.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// RunningAgents gauges registered agent executors.
	RunningAgents prometheus.Gauge

	// AgentRuns counts agent runs reaching a terminal state.
	// Labels: status (completed|failed|stopped|interrupted)
	AgentRuns *prometheus.CounterVec

	// DeadAgentScans counts recovery scans and their findings.
	// Labels: outcome (clean|interrupted|failed)
	DeadAgentScans *prometheus.CounterVec

	// AuthFailures counts rejected handshakes.
	// Labels: reason (bad_secret|revoked|rate_limited|bad_token)
	AuthFailures *prometheus.CounterVec

	// WorkspaceCleanups counts cleanup commands emitted by the scheduler.
	WorkspaceCleanups prometheus.Counter
}

// NewMetrics registers all collectors with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors with reg. Tests pass their own
// registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedDevices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dotbot_connected_devices",
				Help: "Live device sessions by kind.",
			},
			[]string{"kind"},
		),
		BridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_bridge_requests_total",
				Help: "Correlated bridge requests by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		BridgeRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_bridge_request_duration_seconds",
				Help:    "Bridge request round-trip latency.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_requests_total",
				Help: "LLM provider calls by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_tokens_total",
				Help: "Token consumption by provider, model, and type.",
			},
			[]string{"provider", "model", "type"},
		),
		LoopIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_loop_iterations_total",
				Help: "Tool-loop iterations by persona.",
			},
			[]string{"persona"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_tool_calls_total",
				Help: "Tool handler executions by tool and status.",
			},
			[]string{"tool", "status"},
		),
		RunningAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotbot_running_agents",
				Help: "Currently registered agent executors.",
			},
		),
		AgentRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_agent_runs_total",
				Help: "Agent runs by terminal status.",
			},
			[]string{"status"},
		),
		DeadAgentScans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_dead_agent_scans_total",
				Help: "Dead-agent scan outcomes.",
			},
			[]string{"outcome"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_auth_failures_total",
				Help: "Rejected device handshakes by reason.",
			},
			[]string{"reason"},
		),
		WorkspaceCleanups: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dotbot_workspace_cleanups_total",
				Help: "Workspace cleanup commands emitted.",
			},
		),
	}
}
