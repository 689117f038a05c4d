// Package llm provides streaming transports to LLM providers and the
// failure classification applied at the transport boundary.
package llm

import (
	"context"
	"encoding/json"

	"github.com/weftlabs/weft/pkg/models"
)

// Transport streams completions from one provider family. Implementations
// are safe for concurrent use; each Stream call owns an independent
// goroutine and channel.
type Transport interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream opens a streaming completion. The returned channel is closed
	// by the transport when the stream ends; the final delta carries
	// Done=true with the finish reason and, when the provider supplies
	// it, a usage block. Errors surface either as an immediate return
	// (request rejected) or as a delta with Err set (mid-stream failure),
	// both classified as *TransportError.
	Stream(ctx context.Context, req Request) (<-chan StreamDelta, error)
}

// TokenCounter is implemented by transports whose provider exposes an
// official token-counting endpoint.
type TokenCounter interface {
	CountTokens(ctx context.Context, model string, msgs []*models.Message, system string) (int, error)
}

// Request is a provider-neutral completion request. Messages are the exact
// prompt list: already compressed, pairing-validated, and normalized.
type Request struct {
	// Model is the transport-level model id, already stripped of the
	// provider prefix by the registry.
	Model string

	// System is the system prompt, handled outside Messages because
	// Anthropic-family APIs take it as a separate field.
	System string

	// SystemCached marks the system block for prefix caching.
	SystemCached bool

	Messages []*models.Message
	Tools    []ToolSchema

	MaxTokens     int
	StopSequences []string
	Temperature   float64
}

// ToolSchema describes one tool for native tool calling.
type ToolSchema struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters json.RawMessage
}

// StreamDelta is one unit of streaming output, normalized across
// providers.
type StreamDelta struct {
	// Text is an incremental piece of assistant text.
	Text string

	// ToolCall is a native tool-call fragment. Fragments for one call
	// share an Index; the processor reassembles id, name, and arguments.
	ToolCall *ToolCallDelta

	// FinishReason is set on the final delta when the provider reported
	// one.
	FinishReason models.FinishReason

	// StopSequence is the stop sequence that ended generation, when the
	// provider reports one. Empty otherwise. Providers strip the sequence
	// from the text, so this is the only way the caller learns which one
	// fired.
	StopSequence string

	// Usage is the provider's final usage block, when supplied.
	Usage *Usage

	// Err is a mid-stream failure; always a *TransportError.
	Err error

	// Done marks the last delta of the stream.
	Done bool
}

// ToolCallDelta is a fragment of a native tool call.
type ToolCallDelta struct {
	// Index identifies which in-flight call this fragment extends.
	Index int

	// ID and Name are set on the first fragment that carries them.
	ID   string
	Name string

	// ArgumentsDelta is an incremental piece of the serialized JSON
	// arguments.
	ArgumentsDelta string

	// Complete marks the call fully assembled (providers with explicit
	// per-block stop events). Providers without it finalize all pending
	// calls on finish_reason=tool_calls.
	Complete bool
}

// Usage is the provider-reported token consumption for one stream.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Report converts provider usage into a UsageReport for billing.
func (u Usage) Report(model string) models.UsageReport {
	return models.UsageReport{
		PromptTokens:        u.InputTokens,
		CompletionTokens:    u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheWriteTokens,
		Model:               model,
	}
}
