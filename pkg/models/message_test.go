package models

import (
	"testing"
	"time"
)

func TestNormalizeToolCallArguments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty becomes object", "", "{}"},
		{"compact unchanged", `{"a":1}`, `{"a":1}`},
		{"pretty compacted", "{\n  \"a\": 1\n}", `{"a":1}`},
		{"array compacted", "[1, 2, 3]", "[1,2,3]"},
		{"non-json quoted", "list files", `"list files"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{
				Role:      RoleAssistant,
				ToolCalls: []ToolCall{{ID: "c1", Name: "files", Arguments: tt.in}},
			}
			NormalizeToolCallArguments([]*Message{msg})
			if got := msg.ToolCalls[0].Arguments; got != tt.want {
				t.Errorf("Arguments = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeToolCallArgumentsCountsChanges(t *testing.T) {
	msgs := []*Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "c1", Arguments: `{"x": 1}`},
			{ID: "c2", Arguments: `{"y":2}`},
		}},
		{Role: RoleUser, Content: "hi"},
	}
	if got := NormalizeToolCallArguments(msgs); got != 1 {
		t.Errorf("changed = %d, want 1", got)
	}
	// Idempotent on second pass.
	if got := NormalizeToolCallArguments(msgs); got != 0 {
		t.Errorf("second pass changed = %d, want 0", got)
	}
}

func TestMessageClone(t *testing.T) {
	orig := &Message{
		ID:        "m1",
		Role:      RoleAssistant,
		Content:   "text",
		ToolCalls: []ToolCall{{ID: "c1", Name: "a", Arguments: "{}"}},
		Metadata:  map[string]any{"model": "test"},
		CreatedAt: time.Now(),
	}
	c := orig.Clone()
	c.ToolCalls[0].Arguments = `{"changed":true}`
	c.Metadata["model"] = "other"
	c.Content = "mutated"

	if orig.ToolCalls[0].Arguments != "{}" {
		t.Errorf("clone mutated original tool call: %q", orig.ToolCalls[0].Arguments)
	}
	if orig.Metadata["model"] != "test" {
		t.Errorf("clone mutated original metadata: %v", orig.Metadata["model"])
	}
	if orig.Content != "text" {
		t.Errorf("clone mutated original content: %q", orig.Content)
	}
}

func TestDeclaredCallIDs(t *testing.T) {
	m := &Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "c1"}, {ID: "c2"}, {ID: "c3"},
		},
	}
	ids := m.DeclaredCallIDs()
	want := []string{"c1", "c2", "c3"}
	if len(ids) != len(want) {
		t.Fatalf("len = %d, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	user := &Message{Role: RoleUser, Content: "hi"}
	if got := user.DeclaredCallIDs(); got != nil {
		t.Errorf("user DeclaredCallIDs = %v, want nil", got)
	}
}

func TestHasImageAttachment(t *testing.T) {
	m := &Message{Role: RoleUser, Attachments: []Attachment{
		{ID: "a1", Type: "document"},
		{ID: "a2", Type: "image"},
	}}
	if !m.HasImageAttachment() {
		t.Error("HasImageAttachment = false, want true")
	}
	m2 := &Message{Role: RoleUser}
	if m2.HasImageAttachment() {
		t.Error("HasImageAttachment = true for message without attachments")
	}
}
