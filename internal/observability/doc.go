// Package observability provides logging, metrics, tracing, and run
// timelines for the Weft engine.
//
// # Logging
//
// Logging is built on log/slog. NewLogger returns a Logger whose
// handler redacts sensitive data (API keys, bearer tokens, DSN
// passwords) and appends the context's correlation ids (run_id,
// thread_id, account_id) to every record. Components that hold a plain
// *slog.Logger get the same treatment through Slog():
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	engine := engine.New(deps, engine.WithLogger(logger.Slog()))
//
// # Metrics
//
// Metrics use Prometheus with a weft_ prefix and cover run outcomes,
// iteration counts, LLM latency and token consumption, tool
// executions, compression activity, store latency, and error rates:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordRun("completed", 3)
//
// Passing a nil registerer leaves the collectors unregistered, which
// tests use for isolation.
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. Spans cover
// runs, iterations, LLM streams, tool executions, compression passes,
// and store calls. With no endpoint configured the tracer is a no-op:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "weft",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// # Run timelines
//
// TimelineRecorder keeps the ordered steps of recent runs in memory so
// a misbehaving run can be replayed step by step. Recording is
// optional: a nil recorder is valid and records nothing.
package observability
