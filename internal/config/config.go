// Package config loads and validates the engine configuration.
//
// Configuration is YAML with three loader features: $include composition
// (with cycle detection), ${ENV} expansion, and JSON5 fragments for
// files carrying inline tool schemas. Unknown keys are rejected so a
// typo fails loudly at startup instead of silently running defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the thread engine.
type Config struct {
	// Version is the config file schema version. Zero is treated as
	// current so programmatic configs need not set it.
	Version int `yaml:"version"`

	LLM           LLMConfig           `yaml:"llm"`
	Engine        EngineConfig        `yaml:"engine"`
	Compression   CompressionConfig   `yaml:"compression"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	Billing       BillingConfig       `yaml:"billing"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every knob at its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.VisionModel == "" {
		cfg.LLM.VisionModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.CountTimeout == 0 {
		cfg.LLM.CountTimeout = 10 * time.Second
	}

	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 25
	}
	if cfg.Engine.MaxErrorRetries == 0 {
		cfg.Engine.MaxErrorRetries = 3
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 4096
	}
	if cfg.Engine.XMLToolLimit == 0 {
		cfg.Engine.XMLToolLimit = 5
	}
	if cfg.Engine.HistoryPrefetchTimeout == 0 {
		cfg.Engine.HistoryPrefetchTimeout = 10 * time.Second
	}
	if cfg.Engine.UsagePrefetchTimeout == 0 {
		cfg.Engine.UsagePrefetchTimeout = 5 * time.Second
	}
	if cfg.Engine.FastPathRatio == 0 {
		cfg.Engine.FastPathRatio = 0.9
	}
	if cfg.Engine.Tools.Concurrency == 0 {
		cfg.Engine.Tools.Concurrency = 4
	}
	if cfg.Engine.Tools.Timeout == 0 {
		cfg.Engine.Tools.Timeout = 60 * time.Second
	}
	if cfg.Engine.Tools.MaxAttempts == 0 {
		cfg.Engine.Tools.MaxAttempts = 1
	}
	if cfg.Engine.Tools.RetryBackoff == 0 {
		cfg.Engine.Tools.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Engine.Retry.InitialInterval == 0 {
		cfg.Engine.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Engine.Retry.MaxInterval == 0 {
		cfg.Engine.Retry.MaxInterval = 30 * time.Second
	}
	if cfg.Engine.Retry.Multiplier == 0 {
		cfg.Engine.Retry.Multiplier = 2
	}
	if cfg.Engine.Retry.Jitter == 0 {
		cfg.Engine.Retry.Jitter = 0.1
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Postgres.Host == "" {
		cfg.Store.Postgres.Host = "localhost"
	}
	if cfg.Store.Postgres.Port == 0 {
		cfg.Store.Postgres.Port = 5432
	}
	if cfg.Store.Postgres.User == "" {
		cfg.Store.Postgres.User = "weft"
	}
	if cfg.Store.Postgres.Database == "" {
		cfg.Store.Postgres.Database = "weft"
	}
	if cfg.Store.Postgres.SSLMode == "" {
		cfg.Store.Postgres.SSLMode = "disable"
	}
	if cfg.Store.Postgres.MaxOpenConns == 0 {
		cfg.Store.Postgres.MaxOpenConns = 25
	}
	if cfg.Store.Postgres.MaxIdleConns == 0 {
		cfg.Store.Postgres.MaxIdleConns = 5
	}
	if cfg.Store.Postgres.ConnMaxLifetime == 0 {
		cfg.Store.Postgres.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Store.Postgres.ConnMaxIdleTime == 0 {
		cfg.Store.Postgres.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Store.Postgres.ConnectTimeout == 0 {
		cfg.Store.Postgres.ConnectTimeout = 10 * time.Second
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "weft.db"
	}

	if cfg.Cache.Hints.TrueTTL == 0 {
		cfg.Cache.Hints.TrueTTL = 24 * time.Hour
	}
	if cfg.Cache.Hints.FalseTTL == 0 {
		cfg.Cache.Hints.FalseTTL = 2 * time.Minute
	}
	if cfg.Cache.Hints.KeyPrefix == "" {
		cfg.Cache.Hints.KeyPrefix = "weft:hints"
	}
	if cfg.Cache.Hints.MaxLocal == 0 {
		cfg.Cache.Hints.MaxLocal = 4096
	}

	if cfg.Billing.MaxAge == 0 {
		cfg.Billing.MaxAge = 24 * time.Hour
	}
	if cfg.Billing.MaxCount == 0 {
		cfg.Billing.MaxCount = 10000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "weft"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints. Error messages name the
// offending yaml key.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, sqlite (got %q)", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && strings.TrimSpace(c.Store.SQLite.Path) == "" {
		return fmt.Errorf("store.sqlite.path must not be blank")
	}

	if f := c.LLM.FallbackTransport; f != "" && !strings.Contains(f, "/") {
		return fmt.Errorf("llm.fallback_transport must be a provider/model-id pair (got %q)", f)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	if r := c.Engine.FastPathRatio; r <= 0 || r > 1 {
		return fmt.Errorf("engine.fast_path_ratio must be in (0, 1] (got %g)", r)
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be at least 1 (got %d)", c.Engine.MaxIterations)
	}
	if c.Engine.MaxErrorRetries < 0 {
		return fmt.Errorf("engine.max_error_retries must not be negative (got %d)", c.Engine.MaxErrorRetries)
	}
	if t := c.Engine.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("engine.temperature must be in [0, 2] (got %g)", t)
	}

	if c.Compression.TargetRatio != nil {
		if r := *c.Compression.TargetRatio; r <= 0 || r >= 1 {
			return fmt.Errorf("compression.target_ratio must be in (0, 1) (got %g)", r)
		}
	}

	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate must be in [0, 1] (got %g)", r)
	}

	return nil
}
