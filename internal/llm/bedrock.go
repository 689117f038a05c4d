package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/weftlabs/weft/pkg/models"
)

// BedrockConfig holds configuration for the Bedrock transport.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string
}

// BedrockTransport streams completions through the AWS Bedrock Converse API.
// It serves as the fallback route for claude-family models when the direct
// Anthropic endpoint is overloaded, and as the primary route for models
// hosted only on Bedrock.
type BedrockTransport struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockTransport creates a Bedrock transport from config. Credentials
// fall back to the default AWS chain (environment, IAM role) when not set
// explicitly.
func NewBedrockTransport(cfg BedrockConfig) (*BedrockTransport, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockTransport{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
	}, nil
}

// Name returns the transport identifier.
func (t *BedrockTransport) Name() string {
	return "bedrock"
}

// Stream sends the request through ConverseStream and returns a channel of
// deltas. The initial HTTP exchange happens synchronously so request-shape
// errors surface before any channel exists.
func (t *BedrockTransport) Stream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	input, err := t.buildInput(req)
	if err != nil {
		return nil, err
	}

	stream, err := t.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, t.wrapError(err, req.Model)
	}

	deltas := make(chan StreamDelta)
	go t.pump(ctx, stream, deltas, req.Model, req.StopSequences)

	return deltas, nil
}

// CountTokens asks Bedrock to count the prompt server-side. Only claude
// models support the endpoint; callers route other families elsewhere.
func (t *BedrockTransport) CountTokens(ctx context.Context, model string, msgs []*models.Message, system string) (int, error) {
	messages, err := convertBedrockMessages(msgs)
	if err != nil {
		return 0, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	converse := types.ConverseTokensRequest{Messages: messages}
	if system != "" {
		converse.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	out, err := t.client.CountTokens(ctx, &bedrockruntime.CountTokensInput{
		ModelId: aws.String(model),
		Input:   &types.CountTokensInputMemberConverse{Value: converse},
	})
	if err != nil {
		return 0, t.wrapError(err, model)
	}

	return int(aws.ToInt32(out.InputTokens)), nil
}

func (t *BedrockTransport) buildInput(req Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}

	if req.System != "" {
		system := []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
		if req.SystemCached {
			system = append(system, &types.SystemContentBlockMemberCachePoint{
				Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
			})
		}
		input.System = system
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		inference.MaxTokens = aws.Int32(int32(maxTokens))
		configured = true
	}
	if len(req.StopSequences) > 0 {
		inference.StopSequences = req.StopSequences
		configured = true
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	return input, nil
}

// pump consumes Converse stream events. Bedrock sends usage in a metadata
// event after message stop, so the final delta is held back until metadata
// arrives or the event channel closes.
func (t *BedrockTransport) pump(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, deltas chan<- StreamDelta, model string, stopSequences []string) {
	defer close(deltas)

	eventStream := stream.GetStream()
	defer eventStream.Close()

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
	sawStop := false
	inTool := false
	toolIndex := -1

	final := func() StreamDelta {
		return StreamDelta{
			Done:         true,
			FinishReason: finish,
			StopSequence: stopSequence,
			Usage:        &usage,
		}
	}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					emit(StreamDelta{Err: t.wrapError(err, model)})
					return
				}
				emit(final())
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolIndex++
					inTool = true
					if !emit(StreamDelta{ToolCall: &ToolCallDelta{
						Index: toolIndex,
						ID:    aws.ToString(toolUse.Value.ToolUseId),
						Name:  aws.ToString(toolUse.Value.Name),
					}}) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !emit(StreamDelta{Text: delta.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if inTool && delta.Value.Input != nil && *delta.Value.Input != "" {
						if !emit(StreamDelta{ToolCall: &ToolCallDelta{
							Index:          toolIndex,
							ArgumentsDelta: *delta.Value.Input,
						}}) {
							return
						}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inTool {
					inTool = false
					if !emit(StreamDelta{ToolCall: &ToolCallDelta{
						Index:    toolIndex,
						Complete: true,
					}}) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				sawStop = true
				finish = bedrockFinishReason(ev.Value.StopReason)
				// Bedrock reports that a stop sequence fired but not which
				// one. With a single configured sequence the answer is
				// unambiguous.
				if ev.Value.StopReason == types.StopReasonStopSequence && len(stopSequences) == 1 {
					stopSequence = stopSequences[0]
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
					usage.CacheReadTokens = int(aws.ToInt32(ev.Value.Usage.CacheReadInputTokens))
					usage.CacheWriteTokens = int(aws.ToInt32(ev.Value.Usage.CacheWriteInputTokens))
				}
				if sawStop {
					emit(final())
					return
				}
			}
		}
	}
}

func bedrockFinishReason(reason types.StopReason) models.FinishReason {
	switch reason {
	case types.StopReasonMaxTokens:
		return models.FinishLength
	case types.StopReasonToolUse:
		return models.FinishToolCalls
	default:
		return models.FinishStop
	}
}

// convertBedrockMessages converts engine messages to Converse format.
// System messages travel separately; tool role maps to a user message with
// a tool_result block.
func convertBedrockMessages(msgs []*models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(msgs))

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		if msg.IsToolResult() {
			toolResult := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.Content},
				},
			}
			if msg.ToolFailed() {
				toolResult.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: toolResult})
		} else if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, attachment := range msg.Attachments {
			block, ok := bedrockImageBlock(attachment)
			if !ok {
				continue
			}
			content = append(content, block)
		}

		for _, call := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal([]byte(call.Arguments), &inputDoc); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.ID, err)
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		if msg.CacheHint() == "ephemeral" {
			content = append(content, &types.ContentBlockMemberCachePoint{
				Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		result = append(result, types.Message{
			Role:    role,
			Content: content,
		})
	}

	return result, nil
}

// bedrockImageBlock converts a data-URL image attachment into a Converse
// image block. Attachments are normalized to data URLs at ingestion, so
// remote fetching is not a transport concern.
func bedrockImageBlock(att models.Attachment) (types.ContentBlock, bool) {
	if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
		return nil, false
	}
	mediaType, encoded, ok := parseDataURL(att.URL)
	if !ok {
		return nil, false
	}
	if att.MimeType != "" {
		mediaType = att.MimeType
	}
	format, ok := bedrockImageFormat(mediaType)
	if !ok {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, true
}

func bedrockImageFormat(mimeType string) (types.ImageFormat, bool) {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/png":
		return types.ImageFormatPng, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func convertBedrockTools(tools []ToolSchema) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))

	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}

// wrapError converts AWS SDK errors into classified transport errors.
// Smithy carries the service exception name as the error code; the HTTP
// status is folded in by the classifier's code table since the SDK does
// not always expose it directly.
func (t *BedrockTransport) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsTransportError(err) {
		return err
	}

	te := NewTransportError("bedrock", model, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		te = te.WithMessage(apiErr.ErrorMessage()).WithCode(apiErr.ErrorCode())
	}

	return te
}
