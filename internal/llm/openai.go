package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weftlabs/weft/pkg/models"
)

// OpenAIConfig holds configuration for the OpenAI transport.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the API endpoint. Pointing it at an
	// OpenAI-compatible gateway (OpenRouter, a local proxy) reuses this
	// transport for any model the gateway fronts.
	BaseURL string
}

// OpenAITransport streams completions through the Chat Completions API.
// There is no server-side token counting endpoint, so gpt-family counting
// falls through to the accountant's tokenizer tier.
type OpenAITransport struct {
	client *openai.Client
	name   string
}

// NewOpenAITransport creates an OpenAI transport from config.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	name := "openai"
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
		name = "openai-compatible"
	}

	return &OpenAITransport{
		client: openai.NewClientWithConfig(clientConfig),
		name:   name,
	}, nil
}

// Name returns the transport identifier used for routing and logging.
func (t *OpenAITransport) Name() string {
	return t.name
}

// Stream sends the request and returns a channel of deltas.
func (t *OpenAITransport) Stream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		// Without this the API omits usage from the stream entirely and
		// billing would have to be estimated.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := t.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, t.wrapError(err, req.Model)
	}

	deltas := make(chan StreamDelta)
	go t.pump(ctx, stream, deltas, req.Model)

	return deltas, nil
}

// pump consumes the chat completion stream. Tool call fragments carry an
// index so multiple calls can stream interleaved; each fragment is
// forwarded immediately and the calls are marked complete when the finish
// reason arrives, since the API has no per-call stop marker.
func (t *OpenAITransport) pump(ctx context.Context, stream *openai.ChatCompletionStream, deltas chan<- StreamDelta, model string) {
	defer close(deltas)
	defer stream.Close()

	emit := func(d StreamDelta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage Usage
	finish := models.FinishStop
	open := map[int]bool{}

	closeCalls := func() bool {
		indexes := make([]int, 0, len(open))
		for idx := range open {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			if !emit(StreamDelta{ToolCall: &ToolCallDelta{Index: idx, Complete: true}}) {
				return false
			}
			delete(open, idx)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !closeCalls() {
					return
				}
				emit(StreamDelta{
					Done:         true,
					FinishReason: finish,
					Usage:        &usage,
				})
				return
			}
			emit(StreamDelta{Err: t.wrapError(err, model)})
			return
		}

		// The final usage chunk arrives with an empty choices array.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
			if response.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = response.Usage.PromptTokensDetails.CachedTokens
			}
		}

		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !emit(StreamDelta{Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			open[index] = true
			if !emit(StreamDelta{ToolCall: &ToolCallDelta{
				Index:          index,
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}}) {
				return
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
			finish = models.FinishToolCalls
			if !closeCalls() {
				return
			}
		case openai.FinishReasonLength:
			finish = models.FinishLength
		case openai.FinishReasonStop, openai.FinishReasonContentFilter:
			finish = models.FinishStop
		}
	}
}

// convertOpenAIMessages converts engine messages to chat completion format.
// The system prompt is injected as the leading message; each tool result
// becomes its own message with role tool linked by the call id.
func convertOpenAIMessages(msgs []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, convertOpenAIUserMessage(msg))
		}
	}

	return result
}

// convertOpenAIUserMessage builds a user message, switching to the
// multi-content format when image attachments are present.
func convertOpenAIUserMessage(msg *models.Message) openai.ChatCompletionMessage {
	oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}

	if !msg.HasImageAttachment() {
		oaiMsg.Content = msg.Content
		return oaiMsg
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Attachments)+1)
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	oaiMsg.MultiContent = parts

	return oaiMsg
}

// convertOpenAITools converts tool schemas to function definitions. A bad
// schema degrades to an empty object so one broken tool cannot take down
// the whole request.
func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// wrapError converts SDK errors into classified transport errors. The SDK
// distinguishes API errors (parsed body) from request errors (transport
// level); both carry an HTTP status.
func (t *OpenAITransport) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsTransportError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		te := &TransportError{
			Provider: t.name,
			Model:    model,
			Cause:    err,
			Class:    ClassUnknown,
		}
		te = te.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			te = te.WithMessage(apiErr.Message)
		}
		if apiErr.Type != "" {
			te = te.WithCode(apiErr.Type)
		}
		return te
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		te := &TransportError{
			Provider: t.name,
			Model:    model,
			Cause:    err,
			Class:    ClassUnknown,
			Message:  fmt.Sprintf("request failed with status %d", reqErr.HTTPStatusCode),
		}
		return te.WithStatus(reqErr.HTTPStatusCode)
	}

	return NewTransportError(t.name, model, err)
}
