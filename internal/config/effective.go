package config

import (
	"github.com/weftlabs/weft/internal/backoff"
	"github.com/weftlabs/weft/internal/billing"
	"github.com/weftlabs/weft/internal/compact"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/hints"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/observability"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tokens"
	"github.com/weftlabs/weft/internal/tools"
)

// EffectiveEngineConfig converts the engine and llm groups into
// orchestrator settings. The overload backoff has no file knob and
// stays at the engine default.
func EffectiveEngineConfig(eng EngineConfig, llmCfg LLMConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxIterations = eng.MaxIterations
	cfg.MaxErrorRetries = eng.MaxErrorRetries
	cfg.MaxTokens = eng.MaxTokens
	cfg.Temperature = eng.Temperature
	cfg.XMLTools = eng.XMLTools
	cfg.XMLToolLimit = eng.XMLToolLimit
	cfg.HistoryPrefetchTimeout = eng.HistoryPrefetchTimeout
	cfg.UsagePrefetchTimeout = eng.UsagePrefetchTimeout
	cfg.FastPathRatio = eng.FastPathRatio
	cfg.DefaultModel = llmCfg.DefaultModel
	cfg.VisionModel = llmCfg.VisionModel
	cfg.FallbackTransport = llmCfg.FallbackTransport
	cfg.TransientBackoff = EffectiveRetryPolicy(eng)
	return cfg
}

// EffectiveCompressionLimits converts config overrides into runtime
// compression limits, starting from the defaults.
func EffectiveCompressionLimits(cfg CompressionConfig) compact.Limits {
	limits := compact.DefaultLimits()

	if cfg.KeepToolResults != nil {
		limits.KeepToolResults = clampInt(*cfg.KeepToolResults, 0)
	}
	if cfg.KeepUserMessages != nil {
		limits.KeepUserMessages = clampInt(*cfg.KeepUserMessages, 0)
	}
	if cfg.KeepAssistantMessages != nil {
		limits.KeepAssistantMessages = clampInt(*cfg.KeepAssistantMessages, 0)
	}
	if cfg.TruncateChars != nil {
		limits.TruncateChars = clampInt(*cfg.TruncateChars, 0)
	}
	if cfg.AggressiveChars != nil {
		limits.AggressiveChars = clampInt(*cfg.AggressiveChars, 0)
	}
	if cfg.MinGroupsToKeep != nil {
		limits.MinGroupsToKeep = clampInt(*cfg.MinGroupsToKeep, 1)
	}
	if cfg.MaxGroups != nil {
		limits.MaxGroups = clampInt(*cfg.MaxGroups, 1)
	}
	if cfg.TargetRatio != nil {
		limits.TargetRatio = clampFloat(*cfg.TargetRatio, 0.05, 0.95)
	}
	return limits
}

// EffectiveAccountantConfig converts the llm group into token
// accountant settings.
func EffectiveAccountantConfig(cfg LLMConfig) tokens.Config {
	return tokens.Config{
		ProviderTimeout: cfg.CountTimeout,
		PoolSize:        cfg.TokenizerPool,
	}
}

// EffectiveAnthropicConfig builds the Anthropic transport settings.
func EffectiveAnthropicConfig(cfg LLMConfig) llm.AnthropicConfig {
	return llm.AnthropicConfig{
		APIKey:  cfg.Providers.Anthropic.APIKey,
		BaseURL: cfg.Providers.Anthropic.BaseURL,
	}
}

// EffectiveOpenAIConfig builds the OpenAI transport settings.
func EffectiveOpenAIConfig(cfg LLMConfig) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
	}
}

// EffectiveBedrockConfig builds the Bedrock transport settings.
func EffectiveBedrockConfig(cfg LLMConfig) llm.BedrockConfig {
	return llm.BedrockConfig{
		Region:          cfg.Providers.Bedrock.Region,
		AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
		SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
		SessionToken:    cfg.Providers.Bedrock.SessionToken,
	}
}

// EffectivePostgresConfig builds the postgres store settings.
func EffectivePostgresConfig(cfg StoreConfig) *store.PostgresConfig {
	return &store.PostgresConfig{
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Database:        cfg.Postgres.Database,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Postgres.ConnectTimeout,
	}
}

// EffectiveHintsConfig builds the hint cache settings.
func EffectiveHintsConfig(cfg CacheConfig) hints.Config {
	return hints.Config{
		TrueTTL:   cfg.Hints.TrueTTL,
		FalseTTL:  cfg.Hints.FalseTTL,
		KeyPrefix: cfg.Hints.KeyPrefix,
		MaxLocal:  cfg.Hints.MaxLocal,
	}
}

// EffectiveTrackerConfig builds the billing tracker settings. The
// metrics registerer is wired at composition, not from the file.
func EffectiveTrackerConfig(cfg BillingConfig) billing.TrackerConfig {
	return billing.TrackerConfig{
		MaxAge:   cfg.MaxAge,
		MaxCount: cfg.MaxCount,
	}
}

// EffectiveExecConfig builds the tool executor settings.
func EffectiveExecConfig(cfg EngineConfig) tools.ExecConfig {
	return tools.ExecConfig{
		Concurrency:  cfg.Tools.Concurrency,
		Timeout:      cfg.Tools.Timeout,
		MaxAttempts:  cfg.Tools.MaxAttempts,
		RetryBackoff: cfg.Tools.RetryBackoff,
	}
}

// EffectiveRetryPolicy builds the transient-failure backoff policy.
func EffectiveRetryPolicy(cfg EngineConfig) backoff.Policy {
	return backoff.Policy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          clampFloat(cfg.Retry.Jitter, 0, 1),
	}
}

// EffectiveLogConfig builds the logger settings. Output stays nil so
// the logger defaults to stdout.
func EffectiveLogConfig(cfg LoggingConfig) observability.LogConfig {
	return observability.LogConfig{
		Level:          cfg.Level,
		Format:         cfg.Format,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.RedactPatterns,
	}
}

// EffectiveTraceConfig builds the tracer settings. Disabled tracing
// clears the endpoint, which makes the tracer a no-op.
func EffectiveTraceConfig(cfg ObservabilityConfig) observability.TraceConfig {
	tc := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		tc.Endpoint = cfg.Tracing.Endpoint
	}
	return tc
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampInt(value int, min int) int {
	if value < min {
		return min
	}
	return value
}
