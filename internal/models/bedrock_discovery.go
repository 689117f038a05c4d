package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// BedrockDiscoveryConfig controls runtime discovery of Bedrock-hosted
// models. Disabled by default; the static catalog is always available.
type BedrockDiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// ProviderFilter limits discovery to the named upstream providers
	// (e.g. "anthropic", "meta"). Empty means all providers.
	ProviderFilter []string `yaml:"provider_filter"`
	// DefaultContextWindow is assigned to discovered models, which do
	// not report their window through the listing API.
	DefaultContextWindow int `yaml:"default_context_window"`
	DefaultMaxTokens     int `yaml:"default_max_tokens"`
}

// DefaultBedrockDiscoveryConfig returns the standard discovery settings.
func DefaultBedrockDiscoveryConfig() BedrockDiscoveryConfig {
	return BedrockDiscoveryConfig{
		Enabled:              false,
		Region:               "us-east-1",
		RefreshInterval:      15 * time.Minute,
		DefaultContextWindow: 200_000,
		DefaultMaxTokens:     4_096,
	}
}

// BedrockClient is the slice of the Bedrock control-plane API that
// discovery uses. Satisfied by *bedrock.Client.
type BedrockClient interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockDiscovery lists foundation models from Bedrock and converts
// them into catalog descriptors routed through the bedrock transport.
// Results are cached for the configured refresh interval; a failed
// refresh serves the stale cache rather than erroring.
type BedrockDiscovery struct {
	config BedrockDiscoveryConfig
	logger *slog.Logger

	mu        sync.Mutex
	cache     []*Model
	expiresAt time.Time
	inFlight  bool

	clientFactory func(region string) (BedrockClient, error)
}

// NewBedrockDiscovery returns a discovery instance. A nil logger
// defaults to slog.Default.
func NewBedrockDiscovery(cfg BedrockDiscoveryConfig, logger *slog.Logger) *BedrockDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	return &BedrockDiscovery{
		config: cfg,
		logger: logger,
	}
}

// SetClientFactory overrides Bedrock client construction. For tests.
func (d *BedrockDiscovery) SetClientFactory(f func(region string) (BedrockClient, error)) {
	d.clientFactory = f
}

// Discover returns the discovered descriptors, refreshing the cache
// when it has expired. Concurrent callers during a refresh wait for
// the in-flight fetch instead of duplicating it.
func (d *BedrockDiscovery) Discover(ctx context.Context) ([]*Model, error) {
	if !d.config.Enabled {
		return nil, nil
	}

	d.mu.Lock()
	if d.cache != nil && time.Now().Before(d.expiresAt) {
		cached := d.cache
		d.mu.Unlock()
		return cached, nil
	}
	for d.inFlight {
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		d.mu.Lock()
		if d.cache != nil && time.Now().Before(d.expiresAt) {
			cached := d.cache
			d.mu.Unlock()
			return cached, nil
		}
	}
	d.inFlight = true
	d.mu.Unlock()

	discovered, err := d.fetchModels(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	if err != nil {
		if d.cache != nil {
			d.logger.Warn("bedrock discovery refresh failed, serving stale cache",
				"error", err,
				"cached", len(d.cache))
			return d.cache, nil
		}
		return nil, fmt.Errorf("models: bedrock discovery: %w", err)
	}
	d.cache = discovered
	d.expiresAt = time.Now().Add(d.config.RefreshInterval)
	return discovered, nil
}

// RegisterWithCatalog discovers models and registers each with the
// catalog. Static descriptors with the same ID are replaced.
func (d *BedrockDiscovery) RegisterWithCatalog(ctx context.Context, c *Catalog) error {
	discovered, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	for _, m := range discovered {
		if err := c.Register(m); err != nil {
			return err
		}
	}
	if len(discovered) > 0 {
		d.logger.Info("registered bedrock models", "count", len(discovered))
	}
	return nil
}

// ClearCache drops the cached listing, forcing the next Discover to
// refresh.
func (d *BedrockDiscovery) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = nil
	d.expiresAt = time.Time{}
}

func (d *BedrockDiscovery) fetchModels(ctx context.Context) ([]*Model, error) {
	client, err := d.createClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, fmt.Errorf("list foundation models: %w", err)
	}
	filter := normalizeProviderFilter(d.config.ProviderFilter)
	models := make([]*Model, 0, len(out.ModelSummaries))
	for _, summary := range out.ModelSummaries {
		if !d.shouldInclude(summary, filter) {
			continue
		}
		models = append(models, d.toModel(summary))
	}
	return models, nil
}

func (d *BedrockDiscovery) createClient(ctx context.Context) (BedrockClient, error) {
	if d.clientFactory != nil {
		return d.clientFactory(d.config.Region)
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.config.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrock.NewFromConfig(cfg), nil
}

// shouldInclude keeps models the engine can actually drive: streaming
// text generators in active lifecycle, optionally limited to the
// configured providers.
func (d *BedrockDiscovery) shouldInclude(s bedrocktypes.FoundationModelSummary, filter map[string]bool) bool {
	if aws.ToString(s.ModelId) == "" {
		return false
	}
	if !aws.ToBool(s.ResponseStreamingSupported) {
		return false
	}
	if !hasTextModality(s.OutputModalities) {
		return false
	}
	if s.ModelLifecycle != nil && s.ModelLifecycle.Status != bedrocktypes.FoundationModelLifecycleStatusActive {
		return false
	}
	if len(filter) > 0 && !filter[strings.ToLower(bedrockProviderName(s))] {
		return false
	}
	return true
}

func (d *BedrockDiscovery) toModel(s bedrocktypes.FoundationModelSummary) *Model {
	id := aws.ToString(s.ModelId)
	provider := bedrockProviderName(s)
	name := aws.ToString(s.ModelName)
	if name == "" {
		name = id
	}

	family := FamilyGeneric
	encoding := ""
	if strings.EqualFold(provider, "anthropic") {
		family = FamilyClaude
		encoding = "cl100k_base"
	}

	// The listing API does not report windows or pricing. Windows fall
	// back to the configured default; prices stay zero until a static
	// descriptor overrides the entry.
	return &Model{
		ID:              id,
		Name:            name,
		Family:          family,
		Tier:            inferBedrockTier(id, name),
		ContextWindow:   d.config.DefaultContextWindow,
		MaxOutputTokens: d.config.DefaultMaxTokens,
		TransportID:     "bedrock/" + id,
		Encoding:        encoding,
		Capabilities:    inferBedrockCapabilities(s, family),
		Description:     fmt.Sprintf("Bedrock-hosted %s model", provider),
	}
}

// bedrockProviderName returns the upstream provider, from the summary
// field when present, else from the model ID prefix before the first
// dot ("anthropic.claude-..." yields "anthropic").
func bedrockProviderName(s bedrocktypes.FoundationModelSummary) string {
	if p := aws.ToString(s.ProviderName); p != "" {
		return p
	}
	id := aws.ToString(s.ModelId)
	if i := strings.Index(id, "."); i > 0 {
		return id[:i]
	}
	return id
}

func inferBedrockTier(id, name string) Tier {
	lowered := strings.ToLower(id + " " + name)
	switch {
	case strings.Contains(lowered, "opus"):
		return TierFlagship
	case strings.Contains(lowered, "sonnet"):
		return TierStandard
	case strings.Contains(lowered, "haiku"):
		return TierFast
	case strings.Contains(lowered, "micro"),
		strings.Contains(lowered, "lite"),
		strings.Contains(lowered, "nano"),
		strings.Contains(lowered, "mini"):
		return TierMini
	default:
		return TierStandard
	}
}

func inferBedrockCapabilities(s bedrocktypes.FoundationModelSummary, family Family) []Capability {
	// Streaming was a listing filter, so every included model has it.
	caps := []Capability{CapStreaming}
	for _, m := range s.InputModalities {
		if m == bedrocktypes.ModelModalityImage {
			caps = append(caps, CapVision)
			break
		}
	}
	for _, t := range s.InferenceTypesSupported {
		if t == bedrocktypes.InferenceTypeOnDemand {
			caps = append(caps, CapTools)
			break
		}
	}
	if family == FamilyClaude {
		caps = append(caps, CapCaching)
	}
	lowered := strings.ToLower(aws.ToString(s.ModelId) + " " + aws.ToString(s.ModelName))
	if strings.Contains(lowered, "reason") || strings.Contains(lowered, "think") {
		caps = append(caps, CapReasoning)
	}
	return caps
}

func hasTextModality(modalities []bedrocktypes.ModelModality) bool {
	for _, m := range modalities {
		if m == bedrocktypes.ModelModalityText {
			return true
		}
	}
	return false
}

func normalizeProviderFilter(filter []string) map[string]bool {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]bool, len(filter))
	for _, p := range filter {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			out[p] = true
		}
	}
	return out
}
