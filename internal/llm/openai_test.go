package llm

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weftlabs/weft/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "list the files"},
		{
			Role:    models.RoleAssistant,
			Content: "Listing now.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "ls", Arguments: `{"path":"/tmp"}`},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "a.txt"},
	}

	result := convertOpenAIMessages(msgs, "be helpful")

	if len(result) != 4 {
		t.Fatalf("len(result) = %d, want 4 (system injected)", len(result))
	}

	if result[0].Role != openai.ChatMessageRoleSystem || result[0].Content != "be helpful" {
		t.Errorf("result[0] = %s/%q, want system prompt first", result[0].Role, result[0].Content)
	}
	if result[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("result[1].Role = %q, want user", result[1].Role)
	}

	assistant := result[2]
	if assistant.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("result[2].Role = %q, want assistant", assistant.Role)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(assistant.ToolCalls))
	}
	if assistant.ToolCalls[0].ID != "call_1" || assistant.ToolCalls[0].Function.Name != "ls" {
		t.Errorf("tool call = %s/%s, want call_1/ls",
			assistant.ToolCalls[0].ID, assistant.ToolCalls[0].Function.Name)
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"path":"/tmp"}` {
		t.Errorf("arguments = %q, want raw JSON string", assistant.ToolCalls[0].Function.Arguments)
	}

	toolMsg := result[3]
	if toolMsg.Role != openai.ChatMessageRoleTool {
		t.Errorf("result[3].Role = %q, want tool", toolMsg.Role)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", toolMsg.ToolCallID)
	}
}

func TestConvertOpenAIMessagesNoSystem(t *testing.T) {
	result := convertOpenAIMessages([]*models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, "")

	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1 (no system injected)", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("result[0].Role = %q, want user", result[0].Role)
	}
}

func TestConvertOpenAIUserMessageVision(t *testing.T) {
	msg := &models.Message{
		Role:    models.RoleUser,
		Content: "what is in this image?",
		Attachments: []models.Attachment{
			{Type: "image", URL: "https://example.com/photo.jpg"},
			{Type: "document", URL: "https://example.com/doc.pdf"},
		},
	}

	oaiMsg := convertOpenAIUserMessage(msg)

	if oaiMsg.Content != "" {
		t.Errorf("Content = %q, want empty when MultiContent is used", oaiMsg.Content)
	}
	if len(oaiMsg.MultiContent) != 2 {
		t.Fatalf("len(MultiContent) = %d, want 2 (text + image, document skipped)", len(oaiMsg.MultiContent))
	}
	if oaiMsg.MultiContent[0].Type != openai.ChatMessagePartTypeText {
		t.Errorf("part 0 type = %q, want text", oaiMsg.MultiContent[0].Type)
	}
	if oaiMsg.MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
		t.Errorf("part 1 type = %q, want image_url", oaiMsg.MultiContent[1].Type)
	}
	if oaiMsg.MultiContent[1].ImageURL.URL != "https://example.com/photo.jpg" {
		t.Errorf("image url = %q", oaiMsg.MultiContent[1].ImageURL.URL)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := []ToolSchema{
		{Name: "ls", Description: "List files", Parameters: []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		{Name: "broken", Description: "Bad schema", Parameters: []byte(`{not json`)},
	}

	result := convertOpenAITools(tools)

	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	if result[0].Function.Name != "ls" {
		t.Errorf("Name = %q, want ls", result[0].Function.Name)
	}

	// Broken schema degrades to an empty object instead of failing the request.
	params, ok := result[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("broken tool parameters = %#v, want map", result[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema type = %v, want object", params["type"])
	}
}
