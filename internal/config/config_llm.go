package config

import "time"

// LLMConfig configures the model transports and token counting.
type LLMConfig struct {
	// DefaultModel is the catalog id used when a run names none.
	DefaultModel string `yaml:"default_model"`

	// VisionModel is the run-scoped switch target for threads whose
	// history contains images when the requested model lacks vision.
	VisionModel string `yaml:"vision_model"`

	// FallbackTransport is the transport id ("provider/model-id") used
	// on provider overload when the model's catalog entry names no
	// fallback of its own.
	FallbackTransport string `yaml:"fallback_transport"`

	// CountTimeout bounds one provider token-counting call.
	CountTimeout time.Duration `yaml:"count_timeout"`

	// TokenizerPool bounds concurrent local tokenizer runs.
	// Zero means GOMAXPROCS.
	TokenizerPool int `yaml:"tokenizer_pool"`

	Providers ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig carries per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicProviderConfig `yaml:"anthropic"`
	OpenAI    OpenAIProviderConfig    `yaml:"openai"`
	Bedrock   BedrockProviderConfig   `yaml:"bedrock"`
}

type AnthropicProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type OpenAIProviderConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL points the transport at any OpenAI-compatible gateway
	// (OpenRouter, a local proxy).
	BaseURL string `yaml:"base_url"`
}

type BedrockProviderConfig struct {
	// Enabled registers the Bedrock transport. Credentials fall back
	// to the default AWS chain when not set explicitly.
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}
