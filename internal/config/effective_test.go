package config

import (
	"testing"
	"time"
)

func TestEffectiveCompressionLimitsDefaults(t *testing.T) {
	limits := EffectiveCompressionLimits(CompressionConfig{})

	if limits.KeepToolResults != 5 {
		t.Errorf("KeepToolResults = %d, want 5", limits.KeepToolResults)
	}
	if limits.KeepUserMessages != 10 || limits.KeepAssistantMessages != 10 {
		t.Errorf("recency windows = %d/%d, want 10/10", limits.KeepUserMessages, limits.KeepAssistantMessages)
	}
	if limits.TruncateChars != 3000 || limits.AggressiveChars != 1000 {
		t.Errorf("truncation = %d/%d, want 3000/1000", limits.TruncateChars, limits.AggressiveChars)
	}
	if limits.MinGroupsToKeep != 5 || limits.MaxGroups != 320 {
		t.Errorf("groups = %d/%d, want 5/320", limits.MinGroupsToKeep, limits.MaxGroups)
	}
	if limits.TargetRatio != 0.6 {
		t.Errorf("TargetRatio = %g, want 0.6", limits.TargetRatio)
	}
}

func TestEffectiveCompressionLimitsClamps(t *testing.T) {
	neg := -3
	zero := 0
	ratio := 0.001

	limits := EffectiveCompressionLimits(CompressionConfig{
		KeepToolResults: &neg,
		MinGroupsToKeep: &zero,
		TargetRatio:     &ratio,
	})

	if limits.KeepToolResults != 0 {
		t.Errorf("KeepToolResults = %d, want clamped 0", limits.KeepToolResults)
	}
	if limits.MinGroupsToKeep != 1 {
		t.Errorf("MinGroupsToKeep = %d, want clamped 1", limits.MinGroupsToKeep)
	}
	if limits.TargetRatio != 0.05 {
		t.Errorf("TargetRatio = %g, want clamped 0.05", limits.TargetRatio)
	}
}

func TestEffectiveTransportConfigs(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers.Anthropic = AnthropicProviderConfig{APIKey: "sk-a", BaseURL: "https://proxy.example"}
	cfg.LLM.Providers.OpenAI = OpenAIProviderConfig{APIKey: "sk-o", BaseURL: "https://openrouter.example"}
	cfg.LLM.Providers.Bedrock = BedrockProviderConfig{Region: "eu-west-1", AccessKeyID: "AK"}

	ac := EffectiveAnthropicConfig(cfg.LLM)
	if ac.APIKey != "sk-a" || ac.BaseURL != "https://proxy.example" {
		t.Errorf("anthropic = %+v", ac)
	}
	oc := EffectiveOpenAIConfig(cfg.LLM)
	if oc.APIKey != "sk-o" || oc.BaseURL != "https://openrouter.example" {
		t.Errorf("openai = %+v", oc)
	}
	bc := EffectiveBedrockConfig(cfg.LLM)
	if bc.Region != "eu-west-1" || bc.AccessKeyID != "AK" {
		t.Errorf("bedrock = %+v", bc)
	}
}

func TestEffectiveAccountantConfig(t *testing.T) {
	cfg := LLMConfig{CountTimeout: 3 * time.Second, TokenizerPool: 2}
	tc := EffectiveAccountantConfig(cfg)
	if tc.ProviderTimeout != 3*time.Second || tc.PoolSize != 2 {
		t.Errorf("accountant config = %+v", tc)
	}
}

func TestEffectivePostgresConfig(t *testing.T) {
	cfg := Default().Store
	cfg.Postgres.Password = "pw"

	pg := EffectivePostgresConfig(cfg)
	if pg.Host != "localhost" || pg.Port != 5432 || pg.Database != "weft" {
		t.Errorf("postgres = %+v", pg)
	}
	if pg.Password != "pw" {
		t.Errorf("Password = %q", pg.Password)
	}
	if pg.MaxOpenConns != 25 || pg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("pool = %d/%s", pg.MaxOpenConns, pg.ConnMaxLifetime)
	}
}

func TestEffectiveHintsConfig(t *testing.T) {
	hc := EffectiveHintsConfig(Default().Cache)
	if hc.TrueTTL != 24*time.Hour || hc.FalseTTL != 2*time.Minute {
		t.Errorf("TTLs = %s/%s", hc.TrueTTL, hc.FalseTTL)
	}
	if hc.KeyPrefix != "weft:hints" || hc.MaxLocal != 4096 {
		t.Errorf("hints = %+v", hc)
	}
}

func TestEffectiveExecConfig(t *testing.T) {
	ec := EffectiveExecConfig(Default().Engine)
	if ec.Concurrency != 4 || ec.Timeout != 60*time.Second {
		t.Errorf("exec = %+v", ec)
	}
	if ec.MaxAttempts != 1 || ec.RetryBackoff != 500*time.Millisecond {
		t.Errorf("retry = %d/%s", ec.MaxAttempts, ec.RetryBackoff)
	}
}

func TestEffectiveRetryPolicy(t *testing.T) {
	p := EffectiveRetryPolicy(Default().Engine)
	if p.InitialInterval != 100*time.Millisecond || p.MaxInterval != 30*time.Second {
		t.Errorf("intervals = %s/%s", p.InitialInterval, p.MaxInterval)
	}
	if p.Multiplier != 2 || p.Jitter != 0.1 {
		t.Errorf("shape = %g/%g", p.Multiplier, p.Jitter)
	}

	over := Default().Engine
	over.Retry.Jitter = 9
	if got := EffectiveRetryPolicy(over).Jitter; got != 1 {
		t.Errorf("Jitter = %g, want clamped 1", got)
	}
}

func TestEffectiveEngineConfig(t *testing.T) {
	def := Default()
	ec := EffectiveEngineConfig(def.Engine, def.LLM)
	if ec.MaxIterations != 25 || ec.MaxErrorRetries != 3 || ec.MaxTokens != 4096 {
		t.Errorf("caps = %d/%d/%d", ec.MaxIterations, ec.MaxErrorRetries, ec.MaxTokens)
	}
	if ec.FastPathRatio != 0.9 || ec.XMLToolLimit != 5 {
		t.Errorf("ratio/limit = %g/%d", ec.FastPathRatio, ec.XMLToolLimit)
	}
	if ec.HistoryPrefetchTimeout != 10*time.Second || ec.UsagePrefetchTimeout != 5*time.Second {
		t.Errorf("prefetch = %s/%s", ec.HistoryPrefetchTimeout, ec.UsagePrefetchTimeout)
	}
	if ec.DefaultModel != def.LLM.DefaultModel || ec.VisionModel != def.LLM.VisionModel {
		t.Errorf("models = %q/%q", ec.DefaultModel, ec.VisionModel)
	}
	if ec.TransientBackoff.InitialInterval != 100*time.Millisecond {
		t.Errorf("transient backoff = %+v", ec.TransientBackoff)
	}
	if ec.OverloadBackoff.InitialInterval != 500*time.Millisecond {
		t.Errorf("overload backoff should keep the engine default, got %+v", ec.OverloadBackoff)
	}

	withFallback := def.LLM
	withFallback.FallbackTransport = "bedrock/us.anthropic.claude-sonnet-4-20250514-v1:0"
	if got := EffectiveEngineConfig(def.Engine, withFallback).FallbackTransport; got != withFallback.FallbackTransport {
		t.Errorf("FallbackTransport = %q", got)
	}
}

func TestEffectiveTrackerConfig(t *testing.T) {
	tc := EffectiveTrackerConfig(Default().Billing)
	if tc.MaxAge != 24*time.Hour || tc.MaxCount != 10000 {
		t.Errorf("tracker = %+v", tc)
	}
	if tc.Registerer != nil {
		t.Error("Registerer should stay nil for the caller to wire")
	}
}

func TestEffectiveTraceConfigDisabledClearsEndpoint(t *testing.T) {
	cfg := ObservabilityConfig{Tracing: TracingConfig{
		Enabled:      false,
		Endpoint:     "collector:4317",
		ServiceName:  "weft",
		SamplingRate: 0.5,
	}}

	tc := EffectiveTraceConfig(cfg)
	if tc.Endpoint != "" {
		t.Errorf("Endpoint = %q, want empty when disabled", tc.Endpoint)
	}

	cfg.Tracing.Enabled = true
	tc = EffectiveTraceConfig(cfg)
	if tc.Endpoint != "collector:4317" || tc.SamplingRate != 0.5 {
		t.Errorf("trace config = %+v", tc)
	}
}

func TestEffectiveLogConfig(t *testing.T) {
	lc := EffectiveLogConfig(LoggingConfig{Level: "debug", Format: "text", AddSource: true})
	if lc.Level != "debug" || lc.Format != "text" || !lc.AddSource {
		t.Errorf("log config = %+v", lc)
	}
	if lc.Output != nil {
		t.Error("Output should stay nil so the logger defaults to stdout")
	}
}
