package models

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

type fakeBedrockClient struct {
	summaries []bedrocktypes.FoundationModelSummary
	err       error
	calls     atomic.Int32
}

func (f *fakeBedrockClient) ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &bedrock.ListFoundationModelsOutput{ModelSummaries: f.summaries}, nil
}

func streamingSummary(id, name, provider string) bedrocktypes.FoundationModelSummary {
	return bedrocktypes.FoundationModelSummary{
		ModelId:                    aws.String(id),
		ModelName:                  aws.String(name),
		ProviderName:               aws.String(provider),
		ResponseStreamingSupported: aws.Bool(true),
		InputModalities:            []bedrocktypes.ModelModality{bedrocktypes.ModelModalityText},
		OutputModalities:           []bedrocktypes.ModelModality{bedrocktypes.ModelModalityText},
		InferenceTypesSupported:    []bedrocktypes.InferenceType{bedrocktypes.InferenceTypeOnDemand},
		ModelLifecycle: &bedrocktypes.FoundationModelLifecycle{
			Status: bedrocktypes.FoundationModelLifecycleStatusActive,
		},
	}
}

func newTestDiscovery(client *fakeBedrockClient, cfg BedrockDiscoveryConfig) *BedrockDiscovery {
	d := NewBedrockDiscovery(cfg, nil)
	d.SetClientFactory(func(region string) (BedrockClient, error) {
		return client, nil
	})
	return d
}

func TestBedrockDiscoveryDisabled(t *testing.T) {
	client := &fakeBedrockClient{}
	d := newTestDiscovery(client, BedrockDiscoveryConfig{Enabled: false})
	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != nil {
		t.Errorf("Discover() = %v, want nil when disabled", got)
	}
	if client.calls.Load() != 0 {
		t.Errorf("ListFoundationModels called %d times when disabled", client.calls.Load())
	}
}

func TestBedrockDiscoveryConvertsSummaries(t *testing.T) {
	claude := streamingSummary("anthropic.claude-sonnet-4-20250514-v1:0", "Claude Sonnet 4", "Anthropic")
	claude.InputModalities = append(claude.InputModalities, bedrocktypes.ModelModalityImage)
	llama := streamingSummary("meta.llama3-70b-instruct-v1:0", "Llama 3 70B Instruct", "Meta")

	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{claude, llama}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	cfg.DefaultContextWindow = 128_000
	d := newTestDiscovery(client, cfg)

	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Discover() returned %d models, want 2", len(got))
	}

	sonnet := got[0]
	if sonnet.ID != "anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Fatalf("unexpected order, got %q first", sonnet.ID)
	}
	if sonnet.Family != FamilyClaude {
		t.Errorf("claude Family = %q, want %q", sonnet.Family, FamilyClaude)
	}
	if sonnet.TransportID != "bedrock/anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("claude TransportID = %q", sonnet.TransportID)
	}
	if sonnet.Encoding != "cl100k_base" {
		t.Errorf("claude Encoding = %q", sonnet.Encoding)
	}
	if sonnet.Tier != TierStandard {
		t.Errorf("claude Tier = %q, want %q", sonnet.Tier, TierStandard)
	}
	if sonnet.ContextWindow != 128_000 {
		t.Errorf("claude ContextWindow = %d, want default 128000", sonnet.ContextWindow)
	}
	if !sonnet.SupportsVision() {
		t.Error("claude SupportsVision() = false")
	}
	if !sonnet.SupportsCaching() {
		t.Error("claude SupportsCaching() = false")
	}

	generic := got[1]
	if generic.Family != FamilyGeneric {
		t.Errorf("llama Family = %q, want %q", generic.Family, FamilyGeneric)
	}
	if generic.Encoding != "" {
		t.Errorf("llama Encoding = %q, want empty", generic.Encoding)
	}
	if generic.SupportsCaching() {
		t.Error("llama SupportsCaching() = true")
	}
}

func TestBedrockDiscoveryFilters(t *testing.T) {
	noStream := streamingSummary("amazon.titan-text-lite-v1", "Titan Text Lite", "Amazon")
	noStream.ResponseStreamingSupported = aws.Bool(false)

	legacy := streamingSummary("anthropic.claude-v2", "Claude 2", "Anthropic")
	legacy.ModelLifecycle = &bedrocktypes.FoundationModelLifecycle{
		Status: bedrocktypes.FoundationModelLifecycleStatusLegacy,
	}

	embedding := streamingSummary("amazon.titan-embed-text-v1", "Titan Embeddings", "Amazon")
	embedding.OutputModalities = []bedrocktypes.ModelModality{bedrocktypes.ModelModalityEmbedding}

	noID := streamingSummary("", "Nameless", "Amazon")

	kept := streamingSummary("anthropic.claude-3-5-haiku-20241022-v1:0", "Claude Haiku 3.5", "Anthropic")

	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{
		noStream, legacy, embedding, noID, kept,
	}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	d := newTestDiscovery(client, cfg)

	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Discover() returned %d models, want 1", len(got))
	}
	if got[0].ID != "anthropic.claude-3-5-haiku-20241022-v1:0" {
		t.Errorf("kept %q", got[0].ID)
	}
	if got[0].Tier != TierFast {
		t.Errorf("haiku Tier = %q, want %q", got[0].Tier, TierFast)
	}
}

func TestBedrockDiscoveryProviderFilter(t *testing.T) {
	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{
		streamingSummary("anthropic.claude-sonnet-4-20250514-v1:0", "Claude Sonnet 4", "Anthropic"),
		streamingSummary("meta.llama3-70b-instruct-v1:0", "Llama 3 70B", "Meta"),
	}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	cfg.ProviderFilter = []string{"Anthropic"}
	d := newTestDiscovery(client, cfg)

	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Discover() returned %d models, want 1", len(got))
	}
	if got[0].Family != FamilyClaude {
		t.Errorf("Family = %q", got[0].Family)
	}
}

func TestBedrockDiscoveryCaches(t *testing.T) {
	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{
		streamingSummary("anthropic.claude-sonnet-4-20250514-v1:0", "Claude Sonnet 4", "Anthropic"),
	}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	d := newTestDiscovery(client, cfg)

	ctx := context.Background()
	if _, err := d.Discover(ctx); err != nil {
		t.Fatalf("first Discover() error = %v", err)
	}
	if _, err := d.Discover(ctx); err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("ListFoundationModels called %d times, want 1", got)
	}

	d.ClearCache()
	if _, err := d.Discover(ctx); err != nil {
		t.Fatalf("Discover() after ClearCache error = %v", err)
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("ListFoundationModels called %d times after ClearCache, want 2", got)
	}
}

func TestBedrockDiscoveryServesStaleCacheOnError(t *testing.T) {
	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{
		streamingSummary("anthropic.claude-sonnet-4-20250514-v1:0", "Claude Sonnet 4", "Anthropic"),
	}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	cfg.RefreshInterval = time.Nanosecond
	d := newTestDiscovery(client, cfg)

	ctx := context.Background()
	first, err := d.Discover(ctx)
	if err != nil {
		t.Fatalf("first Discover() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first Discover() returned %d models", len(first))
	}

	time.Sleep(time.Millisecond)
	client.err = errors.New("throttled")
	second, err := d.Discover(ctx)
	if err != nil {
		t.Fatalf("stale Discover() error = %v, want nil with stale cache", err)
	}
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Errorf("stale Discover() = %v, want cached models", second)
	}
}

func TestBedrockDiscoveryErrorWithEmptyCache(t *testing.T) {
	client := &fakeBedrockClient{err: errors.New("access denied")}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	d := newTestDiscovery(client, cfg)

	if _, err := d.Discover(context.Background()); err == nil {
		t.Error("Discover() error = nil, want error with no cache to fall back on")
	}
}

func TestBedrockDiscoveryRegisterWithCatalog(t *testing.T) {
	client := &fakeBedrockClient{summaries: []bedrocktypes.FoundationModelSummary{
		streamingSummary("anthropic.claude-sonnet-4-20250514-v1:0", "Claude Sonnet 4", "Anthropic"),
	}}
	cfg := DefaultBedrockDiscoveryConfig()
	cfg.Enabled = true
	d := newTestDiscovery(client, cfg)

	c := NewCatalog()
	if err := d.RegisterWithCatalog(context.Background(), c); err != nil {
		t.Fatalf("RegisterWithCatalog() error = %v", err)
	}
	m, ok := c.Get("anthropic.claude-sonnet-4-20250514-v1:0")
	if !ok {
		t.Fatal("discovered model not registered")
	}
	if m.TransportID != "bedrock/anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("TransportID = %q", m.TransportID)
	}
}
