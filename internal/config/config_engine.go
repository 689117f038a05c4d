package config

import "time"

// EngineConfig tunes the run loop.
type EngineConfig struct {
	// MaxIterations caps auto-continue LLM calls per user turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxErrorRetries caps retries for each retryable failure class
	// (tool-pairing fallback, overload reroute, transient).
	MaxErrorRetries int `yaml:"max_error_retries"`

	// MaxTokens is the completion cap sent with each LLM request.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is passed through to the transport. Zero means
	// provider default.
	Temperature float64 `yaml:"temperature"`

	// XMLTools enables the XML tool-call convention: the stop sequence
	// is sent with each request and the stream is scanned for tool
	// tags. Native tool_calls work regardless.
	XMLTools bool `yaml:"xml_tools"`

	// XMLToolLimit caps XML tool blocks parsed from one response.
	// Exceeding it ends the stream with finish_reason
	// xml_tool_limit_reached.
	XMLToolLimit int `yaml:"xml_tool_limit"`

	// HistoryPrefetchTimeout bounds the concurrent history read at run
	// entry before falling back to an in-line fetch.
	HistoryPrefetchTimeout time.Duration `yaml:"history_prefetch_timeout"`

	// UsagePrefetchTimeout bounds the prior-usage prefetch.
	UsagePrefetchTimeout time.Duration `yaml:"usage_prefetch_timeout"`

	// FastPathRatio is the fraction of the model's usable context under
	// which the predicted prompt size skips the full count-and-compress
	// check.
	FastPathRatio float64 `yaml:"fast_path_ratio"`

	Tools ToolExecConfig `yaml:"tools"`
	Retry RetryConfig    `yaml:"retry"`
}

// ToolExecConfig tunes tool dispatch.
type ToolExecConfig struct {
	// Concurrency bounds parallel-safe tools in flight at once.
	Concurrency int `yaml:"concurrency"`

	// Timeout is the per-call budget for tools that declare none.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts re-runs attempts that fail without producing a
	// result.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff separates attempts when MaxAttempts exceeds one.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RetryConfig shapes the backoff applied to transient transport
// failures between iterations.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}
