package engine

import (
	"time"

	"github.com/weftlabs/weft/internal/backoff"
)

// StopAgent is the stop sequence the XML tool-call convention instructs
// the model to emit after a tool block. It is sent with every request
// when XML tools are enabled so the provider cuts generation there.
const StopAgent = "|||STOP_AGENT|||"

// eventBufferSize bounds the run's outbound event channel. A slow
// consumer applies backpressure to the stream loop rather than growing
// memory.
const eventBufferSize = 64

// Config tunes one orchestrator instance. The zero value is unusable;
// start from DefaultConfig.
type Config struct {
	// MaxIterations caps LLM calls per user turn, counting the first.
	// Default: 25.
	MaxIterations int

	// MaxErrorRetries caps each retryable failure class separately:
	// tool-pairing strips, overload reroutes, and transient retries.
	// Default: 3.
	MaxErrorRetries int

	// MaxTokens is the completion cap sent with each request.
	// Default: 4096.
	MaxTokens int

	// Temperature is passed through to the transport. Zero means
	// provider default.
	Temperature float64

	// XMLTools enables the XML tool-call convention: requests carry the
	// StopAgent stop sequence and the stream is scanned for tool tags.
	// Native tool_calls deltas are handled regardless.
	XMLTools bool

	// XMLToolLimit caps XML tool blocks accepted from one response.
	// Crossing it ends the turn with finish_reason
	// xml_tool_limit_reached. Default: 5.
	XMLToolLimit int

	// HistoryPrefetchTimeout bounds the concurrent history read at run
	// entry. On expiry the orchestrator falls back to an in-line fetch.
	// Default: 10s.
	HistoryPrefetchTimeout time.Duration

	// UsagePrefetchTimeout bounds the prior-usage prefetch. Default: 5s.
	UsagePrefetchTimeout time.Duration

	// FastPathRatio is the fraction of the model's usable context under
	// which the predicted prompt skips the authoritative count and
	// compression check. Default: 0.9.
	FastPathRatio float64

	// DefaultModel is the catalog id used when a request names none.
	DefaultModel string

	// VisionModel is the run-scoped switch target when the requested
	// model lacks vision and the thread history contains images. Empty
	// disables the switch.
	VisionModel string

	// FallbackTransport is the transport id used on provider overload
	// when the model's catalog entry names no fallback of its own.
	FallbackTransport string

	// TransientBackoff separates retries of transient transport
	// failures.
	TransientBackoff backoff.Policy

	// OverloadBackoff separates retries after a provider overload
	// reroute.
	OverloadBackoff backoff.Policy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:          25,
		MaxErrorRetries:        3,
		MaxTokens:              4096,
		XMLToolLimit:           5,
		HistoryPrefetchTimeout: 10 * time.Second,
		UsagePrefetchTimeout:   5 * time.Second,
		FastPathRatio:          0.9,
		TransientBackoff:       backoff.Default(),
		OverloadBackoff:        backoff.Gentle(),
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxErrorRetries <= 0 {
		cfg.MaxErrorRetries = defaults.MaxErrorRetries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.XMLToolLimit <= 0 {
		cfg.XMLToolLimit = defaults.XMLToolLimit
	}
	if cfg.HistoryPrefetchTimeout <= 0 {
		cfg.HistoryPrefetchTimeout = defaults.HistoryPrefetchTimeout
	}
	if cfg.UsagePrefetchTimeout <= 0 {
		cfg.UsagePrefetchTimeout = defaults.UsagePrefetchTimeout
	}
	if cfg.FastPathRatio <= 0 || cfg.FastPathRatio >= 1 {
		cfg.FastPathRatio = defaults.FastPathRatio
	}
	if cfg.TransientBackoff.InitialInterval <= 0 {
		cfg.TransientBackoff = defaults.TransientBackoff
	}
	if cfg.OverloadBackoff.InitialInterval <= 0 {
		cfg.OverloadBackoff = defaults.OverloadBackoff
	}
	return cfg
}
