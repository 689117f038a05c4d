package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weftlabs/weft/pkg/models"
)

// Metrics provides a centralized interface for engine metrics.
//
// Built on Prometheus, it tracks:
//   - Run outcomes and iteration counts
//   - LLM request latency and token consumption
//   - Tool execution patterns and latencies
//   - Compression activity and savings
//   - Store operation latency
//   - Error rates by component and failure class
type Metrics struct {
	// Runs counts finished runs.
	// Labels: status (completed|stopped|failed|canceled)
	Runs *prometheus.CounterVec

	// RunIterations observes how many model iterations a run took.
	// Buckets: 1 to the auto-continue cap
	RunIterations prometheus.Histogram

	// LLMRequestDuration measures LLM stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// CompressionRuns counts compression passes.
	// Labels: outcome (compressed|noop|failed)
	CompressionRuns *prometheus.CounterVec

	// CompressionTokensRemoved observes how many tokens each
	// compression pass reclaimed.
	CompressionTokensRemoved prometheus.Histogram

	// StoreOperationDuration measures message store latency in seconds.
	// Labels: op (append|list|update|flag|...)
	StoreOperationDuration *prometheus.HistogramVec

	// Errors tracks errors by component and failure class.
	// Labels: component (orchestrator|processor|transport|store|tools),
	// class (the llm.FailureClass string or an engine error name)
	Errors *prometheus.CounterVec
}

// NewMetrics creates the engine's Prometheus collectors, registered on
// reg. A nil reg leaves them unregistered, which tests use to avoid
// polluting the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_runs_total",
				Help: "Total number of finished runs by status",
			},
			[]string{"status"},
		),

		RunIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_run_iterations",
				Help:    "Model iterations per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 25},
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		CompressionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_compression_runs_total",
				Help: "Total compression passes by outcome",
			},
			[]string{"outcome"},
		),

		CompressionTokensRemoved: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_compression_tokens_removed",
				Help:    "Tokens reclaimed per compression pass",
				Buckets: []float64{1000, 5000, 10000, 25000, 50000, 100000, 200000},
			},
		),

		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_store_operation_duration_seconds",
				Help:    "Duration of message store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_errors_total",
				Help: "Total errors by component and failure class",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, iterations int) {
	m.Runs.WithLabelValues(status).Inc()
	if iterations > 0 {
		m.RunIterations.Observe(float64(iterations))
	}
}

// RecordLLMRequest records latency and token consumption for one
// model call.
func (m *Metrics) RecordLLMRequest(provider, model string, duration time.Duration, usage models.UsageReport) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if usage.PromptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(usage.CompletionTokens))
	}
	if usage.CacheReadTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "cache_read").Add(float64(usage.CacheReadTokens))
	}
	if usage.CacheCreationTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "cache_write").Add(float64(usage.CacheCreationTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool string, isError bool, duration time.Duration) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompression records one compression pass.
func (m *Metrics) RecordCompression(outcome string, tokensRemoved int) {
	m.CompressionRuns.WithLabelValues(outcome).Inc()
	if tokensRemoved > 0 {
		m.CompressionTokensRemoved.Observe(float64(tokensRemoved))
	}
}

// RecordStoreOperation records one message store call.
func (m *Metrics) RecordStoreOperation(op string, duration time.Duration) {
	m.StoreOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordError increments the error counter for a component and class.
func (m *Metrics) RecordError(component, class string) {
	m.Errors.WithLabelValues(component, class).Inc()
}
