package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weftlabs/weft/pkg/models"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed. Protects against streams that
// flood with empty events, which would otherwise spin the reader goroutine.
const maxEmptyStreamEvents = 300

// AnthropicConfig holds configuration for the Anthropic transport.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string
}

// AnthropicTransport streams completions through Anthropic's Messages API.
// It also implements TokenCounter via the count_tokens endpoint, which is
// the accurate tier of the token accountant for claude-family models.
type AnthropicTransport struct {
	client anthropic.Client
}

// NewAnthropicTransport creates an Anthropic transport from config.
func NewAnthropicTransport(cfg AnthropicConfig) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicTransport{client: anthropic.NewClient(options...)}, nil
}

// Name returns the transport identifier used for routing and logging.
func (t *AnthropicTransport) Name() string {
	return "anthropic"
}

// Stream sends the request and returns a channel of deltas. Conversion
// failures surface synchronously; everything after the HTTP exchange starts
// arrives on the channel, which is closed when the stream ends.
func (t *AnthropicTransport) Stream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, err
	}

	deltas := make(chan StreamDelta)

	go func() {
		defer close(deltas)
		stream := t.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		t.pump(ctx, stream, deltas, req.Model)
	}()

	return deltas, nil
}

// CountTokens asks the provider to count the prompt exactly as it would be
// billed. Tool schemas are not included; the accountant adds their overhead
// from its estimator tier.
func (t *AnthropicTransport) CountTokens(ctx context.Context, model string, msgs []*models.Message, system string) (int, error) {
	converted, err := convertAnthropicMessages(msgs)
	if err != nil {
		return 0, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(model),
		Messages: converted,
	}
	if system != "" {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{
			OfTextBlockArray: []anthropic.TextBlockParam{{Type: "text", Text: system}},
		}
	}

	count, err := t.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return 0, t.wrapError(err, model)
	}

	return int(count.InputTokens), nil
}

// buildParams converts the request into Anthropic API parameters.
func (t *AnthropicTransport) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}

	// System prompt is separate from the messages array in Anthropic's API.
	if req.System != "" {
		block := anthropic.TextBlockParam{Type: "text", Text: req.System}
		if req.SystemCached {
			block.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params, nil
}

// pump consumes SSE events and converts them into deltas. Tool call input
// arrives as JSON fragments across multiple events; each fragment is
// forwarded as it lands and the block stop marks the call complete so the
// consumer can reassemble per index.
func (t *AnthropicTransport) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], deltas chan<- StreamDelta, model string) {
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
	stopSequence := ""
	toolBlocks := map[int64]int{} // content block index -> tool call index
	nextToolIndex := 0
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			u := messageStart.Message.Usage
			usage.InputTokens = int(u.InputTokens)
			usage.CacheReadTokens = int(u.CacheReadInputTokens)
			usage.CacheWriteTokens = int(u.CacheCreationInputTokens)
			eventProcessed = true

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			block := contentBlockStart.ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				idx := nextToolIndex
				nextToolIndex++
				toolBlocks[event.Index] = idx
				if !emit(StreamDelta{ToolCall: &ToolCallDelta{
					Index: idx,
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}) {
					return
				}
				eventProcessed = true
			}

		case "content_block_delta":
			contentBlockDelta := event.AsContentBlockDelta()
			delta := contentBlockDelta.Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(StreamDelta{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}

			case "input_json_delta":
				if delta.PartialJSON != "" {
					idx, ok := toolBlocks[event.Index]
					if ok {
						if !emit(StreamDelta{ToolCall: &ToolCallDelta{
							Index:          idx,
							ArgumentsDelta: delta.PartialJSON,
						}}) {
							return
						}
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if idx, ok := toolBlocks[event.Index]; ok {
				delete(toolBlocks, event.Index)
				if !emit(StreamDelta{ToolCall: &ToolCallDelta{
					Index:    idx,
					Complete: true,
				}}) {
					return
				}
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				finish = anthropicFinishReason(string(messageDelta.Delta.StopReason))
			}
			if messageDelta.Delta.StopSequence != "" {
				stopSequence = messageDelta.Delta.StopSequence
			}
			eventProcessed = true

		case "message_stop":
			emit(StreamDelta{
				Done:         true,
				FinishReason: finish,
				StopSequence: stopSequence,
				Usage:        &usage,
			})
			return

		case "error":
			emit(StreamDelta{Err: t.wrapError(errors.New("anthropic stream error"), model)})
			return
		}

		// Malformed stream protection: bail after too many consecutive
		// events that produced nothing.
		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				emit(StreamDelta{Err: t.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
					model,
				)})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(StreamDelta{Err: t.wrapError(err, model)})
	}
}

// anthropicFinishReason maps the provider's stop reason onto the engine's
// finish reasons. A stop_sequence hit maps to plain stop here; whether it
// was the agent termination sequence is decided by the caller from the
// StopSequence field.
func anthropicFinishReason(stopReason string) models.FinishReason {
	switch stopReason {
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	default:
		return models.FinishStop
	}
}

// convertAnthropicMessages converts engine messages to Anthropic's format.
// System messages are skipped because the system prompt travels separately.
// Tool role maps to a user message carrying a tool_result block.
func convertAnthropicMessages(msgs []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.IsToolResult() {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				msg.ToolFailed(),
			))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		content = append(content, anthropicAttachmentBlocks(msg.Attachments)...)

		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.CacheHint() == "ephemeral" {
			markCacheBoundary(content)
		}

		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}

		result = append(result, message)
	}

	return result, nil
}

// markCacheBoundary sets the ephemeral cache marker on the last cacheable
// block of a message. The provider caches the prefix up to and including
// the marked block.
func markCacheBoundary(content []anthropic.ContentBlockParamUnion) {
	for i := len(content) - 1; i >= 0; i-- {
		block := content[i]
		switch {
		case block.OfText != nil:
			block.OfText.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
			content[i] = block
			return
		case block.OfToolResult != nil:
			block.OfToolResult.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
			content[i] = block
			return
		case block.OfToolUse != nil:
			block.OfToolUse.CacheControl = anthropic.CacheControlEphemeralParam{Type: "ephemeral"}
			content[i] = block
			return
		}
	}
}

func anthropicAttachmentBlocks(attachments []models.Attachment) []anthropic.ContentBlockParamUnion {
	if len(attachments) == 0 {
		return nil
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, attachment := range attachments {
		if block, ok := anthropicImageBlock(attachment); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func anthropicImageBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if mediaType, data, ok := parseDataURL(att.URL); ok {
		mt, ok := anthropicMediaType(mediaType)
		if !ok {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
			Type:      "base64",
			MediaType: mt,
			Data:      data,
		}), true
	}
	if att.URL != "" {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{
			Type: "url",
			URL:  att.URL,
		}), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

// parseDataURL splits a data:<mediatype>;base64,<data> URL.
func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

// convertAnthropicTools converts tool schemas to Anthropic tool definitions.
func convertAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into classified transport errors. The API
// error body carries a structured type code and a message; both feed the
// classifier, with the message checked first so pairing rejections beat
// the generic invalid_request_error code.
func (t *AnthropicTransport) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsTransportError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		te := &TransportError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Class:    ClassUnknown,
		}
		te = te.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		raw := apiErr.RawJSON()
		if raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					code = payload.Error.Type
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			te = te.WithMessage(message)
		} else if te.Message == "" {
			te.Message = "anthropic request failed"
		}
		if code != "" {
			te = te.WithCode(code)
		}
		if requestID != "" {
			te = te.WithRequestID(requestID)
		}
		return te
	}

	return NewTransportError("anthropic", model, err)
}
