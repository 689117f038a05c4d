package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Credentials carries per-provider credentials. Transports are built
// lazily, so credentials for providers a deployment never routes to are
// never validated or dialed.
type Credentials struct {
	Anthropic AnthropicConfig
	Bedrock   BedrockConfig
	OpenAI    OpenAIConfig
}

// Registry resolves transport ids of the form "provider/model-id" to
// transports. Each provider client is constructed on first use and reused
// after that. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	creds Credentials
	built map[string]Transport
}

// NewRegistry creates a registry over the given credentials.
func NewRegistry(creds Credentials) *Registry {
	return &Registry{
		creds: creds,
		built: make(map[string]Transport),
	}
}

// Register installs a transport under a provider key, replacing any lazy
// construction for that key. Tests use this to route through fakes.
func (r *Registry) Register(provider string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built[provider] = t
}

// Resolve splits a transport id at the first slash and returns the
// provider's transport together with the provider-native model id. The
// model id may itself contain slashes or colons (Bedrock ids do).
func (r *Registry) Resolve(transportID string) (Transport, string, error) {
	provider, modelID, ok := strings.Cut(transportID, "/")
	if !ok || provider == "" || modelID == "" {
		return nil, "", fmt.Errorf("llm: malformed transport id %q, want provider/model-id", transportID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.built[provider]; ok {
		return t, modelID, nil
	}

	var t Transport
	var err error
	switch provider {
	case "anthropic":
		t, err = NewAnthropicTransport(r.creds.Anthropic)
	case "bedrock":
		t, err = NewBedrockTransport(r.creds.Bedrock)
	case "openai":
		t, err = NewOpenAITransport(r.creds.OpenAI)
	default:
		return nil, "", fmt.Errorf("llm: unknown transport provider %q", provider)
	}
	if err != nil {
		return nil, "", fmt.Errorf("llm: init %s transport: %w", provider, err)
	}

	r.built[provider] = t
	return t, modelID, nil
}

// Counter resolves a transport id to its server-side token counter, when
// the provider has one. Providers without a counting endpoint report false
// and the caller falls back to local estimation.
func (r *Registry) Counter(transportID string) (TokenCounter, string, bool) {
	t, modelID, err := r.Resolve(transportID)
	if err != nil {
		return nil, "", false
	}
	counter, ok := t.(TokenCounter)
	if !ok {
		return nil, "", false
	}
	return counter, modelID, true
}
