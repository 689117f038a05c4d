// Package models holds the model catalog: static descriptors for the
// LLMs the engine can run a thread against, plus optional discovery of
// Bedrock-hosted models at runtime.
//
// A descriptor carries everything the rest of the engine needs to know
// about a model without asking the provider: context window and output
// ceiling, token counting family, transport routing, pricing, and
// capability flags. Descriptors are looked up by ID or alias.
package models

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Family groups models by how their tokens are counted. The token
// accountant picks its counting tier from this.
type Family string

const (
	// FamilyClaude models support server-side token counting through
	// their transport.
	FamilyClaude Family = "claude"
	// FamilyGPT models are counted locally with tiktoken.
	FamilyGPT Family = "gpt"
	// FamilyGeneric models have no reliable tokenizer; counts are
	// word-based estimates.
	FamilyGeneric Family = "generic"
)

// Capability is a feature flag on a model.
type Capability string

const (
	CapVision      Capability = "vision"
	CapTools       Capability = "tools"
	CapStreaming   Capability = "streaming"
	CapCaching     Capability = "caching"
	CapReasoning   Capability = "reasoning"
	CapJSON        Capability = "json"
	CapCode        Capability = "code"
	CapLongContext Capability = "long_context"
)

// Tier is a coarse quality/cost bucket.
type Tier string

const (
	TierFlagship Tier = "flagship"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierMini     Tier = "mini"
)

// Model describes a single model the engine can address.
type Model struct {
	// ID is the canonical model identifier, e.g. "claude-sonnet-4-20250514".
	ID string
	// Name is a human-readable display name.
	Name string
	// Family selects the token counting strategy.
	Family Family
	// Tier is the quality/cost bucket.
	Tier Tier

	// ContextWindow is the total token capacity of the model.
	ContextWindow int
	// MaxOutputTokens is the largest completion the model will produce.
	MaxOutputTokens int

	// TransportID routes requests, in "provider/model-id" form, e.g.
	// "anthropic/claude-sonnet-4-20250514".
	TransportID string
	// FallbackTransportID, when set, names a second transport hosting
	// the same model. Used when the primary reports overload.
	FallbackTransportID string

	// Encoding is the tiktoken encoding used for local counting.
	// Empty means no tokenizer is available and counts degrade to
	// word-based estimates.
	Encoding string

	Capabilities []Capability
	Aliases      []string
	Deprecated   bool
	ReplacedBy   string
	ReleaseDate  time.Time
	Description  string

	// Prices are USD per million tokens.
	InputPrice      float64
	OutputPrice     float64
	CacheReadPrice  float64
	CacheWritePrice float64
}

// HasCapability reports whether the model declares the capability.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SupportsVision reports whether the model accepts image input.
func (m *Model) SupportsVision() bool { return m.HasCapability(CapVision) }

// SupportsTools reports whether the model can call tools.
func (m *Model) SupportsTools() bool { return m.HasCapability(CapTools) }

// SupportsCaching reports whether the model honors prompt cache markers.
func (m *Model) SupportsCaching() bool { return m.HasCapability(CapCaching) }

// EffectiveContextLimit is the usable portion of the context window
// after reserving headroom for the response and counting slack. The
// reservation steps down with window size; tiny windows keep a
// proportional 84%.
func (m *Model) EffectiveContextLimit() int {
	w := m.ContextWindow
	switch {
	case w >= 1_000_000:
		return w - 300_000
	case w >= 400_000:
		return w - 64_000
	case w >= 200_000:
		return w - 32_000
	case w >= 100_000:
		return w - 16_000
	default:
		return int(float64(w) * 0.84)
	}
}

// Catalog is a concurrency-safe registry of model descriptors.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model
	aliases map[string]string
}

// NewCatalog returns a catalog seeded with the built-in descriptors.
func NewCatalog() *Catalog {
	c := &Catalog{
		models:  make(map[string]*Model),
		aliases: make(map[string]string),
	}
	c.registerBuiltinModels()
	return c
}

// Register adds or replaces a descriptor. Aliases are case-insensitive.
func (c *Catalog) Register(m *Model) error {
	if m == nil {
		return fmt.Errorf("models: register nil model")
	}
	if m.ID == "" {
		return fmt.Errorf("models: register model without id")
	}
	if m.TransportID == "" {
		return fmt.Errorf("models: model %q has no transport", m.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.ID] = m
	for _, alias := range m.Aliases {
		c.aliases[strings.ToLower(alias)] = m.ID
	}
	return nil
}

// Get looks up a descriptor by ID or alias.
func (c *Catalog) Get(id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[id]; ok {
		return m, true
	}
	if canonical, ok := c.aliases[strings.ToLower(id)]; ok {
		if m, ok := c.models[canonical]; ok {
			return m, true
		}
	}
	return nil, false
}

// MustGet is Get that panics on a miss. For wiring code where the ID
// is a compile-time constant.
func (c *Catalog) MustGet(id string) *Model {
	m, ok := c.Get(id)
	if !ok {
		panic(fmt.Sprintf("models: unknown model %q", id))
	}
	return m
}

// Filter narrows List results. Zero value matches everything except
// deprecated models.
type Filter struct {
	Families             []Family
	Tiers                []Tier
	RequiredCapabilities []Capability
	MinContextWindow     int
	IncludeDeprecated    bool
}

// Matches reports whether the model passes the filter.
func (f Filter) Matches(m *Model) bool {
	if m.Deprecated && !f.IncludeDeprecated {
		return false
	}
	if len(f.Families) > 0 {
		found := false
		for _, fam := range f.Families {
			if m.Family == fam {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tiers) > 0 {
		found := false
		for _, t := range f.Tiers {
			if m.Tier == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, cap := range f.RequiredCapabilities {
		if !m.HasCapability(cap) {
			return false
		}
	}
	if f.MinContextWindow > 0 && m.ContextWindow < f.MinContextWindow {
		return false
	}
	return true
}

// List returns matching descriptors sorted by family, tier, then ID.
func (c *Catalog) List(f Filter) []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		if out[i].Tier != out[j].Tier {
			return tierRank(out[i].Tier) < tierRank(out[j].Tier)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByFamily returns all non-deprecated models in a family.
func (c *Catalog) ListByFamily(fam Family) []*Model {
	return c.List(Filter{Families: []Family{fam}})
}

// ListByCapability returns all non-deprecated models with a capability.
func (c *Catalog) ListByCapability(cap Capability) []*Model {
	return c.List(Filter{RequiredCapabilities: []Capability{cap}})
}

func tierRank(t Tier) int {
	switch t {
	case TierFlagship:
		return 0
	case TierStandard:
		return 1
	case TierFast:
		return 2
	case TierMini:
		return 3
	default:
		return 4
	}
}

func (c *Catalog) registerBuiltinModels() {
	builtins := []*Model{
		{
			ID:                  "claude-opus-4-1-20250805",
			Name:                "Claude Opus 4.1",
			Family:              FamilyClaude,
			Tier:                TierFlagship,
			ContextWindow:       200_000,
			MaxOutputTokens:     32_000,
			TransportID:         "anthropic/claude-opus-4-1-20250805",
			FallbackTransportID: "bedrock/us.anthropic.claude-opus-4-1-20250805-v1:0",
			Encoding:            "cl100k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapCaching,
				CapReasoning, CapCode,
			},
			Aliases:         []string{"claude-opus-4-1", "opus"},
			ReleaseDate:     time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC),
			Description:     "Most capable Claude model for complex agentic work",
			InputPrice:      15.00,
			OutputPrice:     75.00,
			CacheReadPrice:  1.50,
			CacheWritePrice: 18.75,
		},
		{
			ID:                  "claude-sonnet-4-20250514",
			Name:                "Claude Sonnet 4",
			Family:              FamilyClaude,
			Tier:                TierStandard,
			ContextWindow:       200_000,
			MaxOutputTokens:     64_000,
			TransportID:         "anthropic/claude-sonnet-4-20250514",
			FallbackTransportID: "bedrock/us.anthropic.claude-sonnet-4-20250514-v1:0",
			Encoding:            "cl100k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapCaching,
				CapCode, CapLongContext,
			},
			Aliases:         []string{"claude-sonnet-4", "sonnet"},
			ReleaseDate:     time.Date(2025, 5, 14, 0, 0, 0, 0, time.UTC),
			Description:     "Balanced Claude model, default for agent threads",
			InputPrice:      3.00,
			OutputPrice:     15.00,
			CacheReadPrice:  0.30,
			CacheWritePrice: 3.75,
		},
		{
			ID:              "claude-3-5-haiku-20241022",
			Name:            "Claude Haiku 3.5",
			Family:          FamilyClaude,
			Tier:            TierFast,
			ContextWindow:   200_000,
			MaxOutputTokens: 8_192,
			TransportID:     "anthropic/claude-3-5-haiku-20241022",
			Encoding:        "cl100k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapCaching,
			},
			Aliases:         []string{"claude-3-5-haiku", "haiku"},
			ReleaseDate:     time.Date(2024, 10, 22, 0, 0, 0, 0, time.UTC),
			Description:     "Fast low-cost Claude model",
			InputPrice:      0.80,
			OutputPrice:     4.00,
			CacheReadPrice:  0.08,
			CacheWritePrice: 1.00,
		},
		{
			ID:              "gpt-4o",
			Name:            "GPT-4o",
			Family:          FamilyGPT,
			Tier:            TierStandard,
			ContextWindow:   128_000,
			MaxOutputTokens: 16_384,
			TransportID:     "openai/gpt-4o",
			Encoding:        "o200k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapJSON,
			},
			Aliases:        []string{"gpt4o"},
			ReleaseDate:    time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
			Description:    "OpenAI multimodal model",
			InputPrice:     2.50,
			OutputPrice:    10.00,
			CacheReadPrice: 1.25,
		},
		{
			ID:              "gpt-4o-mini",
			Name:            "GPT-4o mini",
			Family:          FamilyGPT,
			Tier:            TierMini,
			ContextWindow:   128_000,
			MaxOutputTokens: 16_384,
			TransportID:     "openai/gpt-4o-mini",
			Encoding:        "o200k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapJSON,
			},
			Aliases:        []string{"gpt4o-mini"},
			ReleaseDate:    time.Date(2024, 7, 18, 0, 0, 0, 0, time.UTC),
			Description:    "Small fast OpenAI model",
			InputPrice:     0.15,
			OutputPrice:    0.60,
			CacheReadPrice: 0.075,
		},
		{
			ID:              "o1",
			Name:            "OpenAI o1",
			Family:          FamilyGPT,
			Tier:            TierFlagship,
			ContextWindow:   200_000,
			MaxOutputTokens: 100_000,
			TransportID:     "openai/o1",
			Encoding:        "o200k_base",
			Capabilities: []Capability{
				CapVision, CapTools, CapStreaming, CapReasoning,
			},
			ReleaseDate:    time.Date(2024, 12, 17, 0, 0, 0, 0, time.UTC),
			Description:    "OpenAI reasoning model",
			InputPrice:     15.00,
			OutputPrice:    60.00,
			CacheReadPrice: 7.50,
		},
	}
	for _, m := range builtins {
		// Built-in descriptors are well-formed; Register only fails
		// on missing ID or transport.
		_ = c.Register(m)
	}
}
