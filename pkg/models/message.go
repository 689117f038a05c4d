// Package models provides domain types for the Weft thread engine.
package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a thread's append-only log.
//
// Persisted rows are write-once: content is never rewritten in the store.
// Pairing repairs are the single exception. They may set Omitted, which
// hides the row from listings, or strip entries from an assistant's
// ToolCalls when the paired result never landed. In-memory copies may
// carry compressed content; the store is untouched.
type Message struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"` // assistant only

	// ToolCallID links a tool-role message to the assistant tool call it
	// answers. It must match a preceding assistant's declared call id
	// within the same thread.
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Omitted     bool           `json:"omitted,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment on a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an assistant's request to execute a tool.
// Arguments is always a serialized JSON string; structured values coming
// out of a JSONB column are re-serialized at exactly one boundary
// (NormalizeToolCallArguments) because provider APIs require strings.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Metadata keys written by the engine.
const (
	MetaModel        = "model"
	MetaFinishReason = "finish_reason"
	MetaUsage        = "usage"
	MetaCancelled    = "cancelled"
	MetaCacheControl = "cache_control"
	MetaCompressed   = "compressed"
	MetaToolError    = "tool_error"
)

// ToolFailed reports whether a tool result message records a failed
// execution. Providers surface this as the is_error flag on the result
// block.
func (m *Message) ToolFailed() bool {
	if m.Metadata == nil {
		return false
	}
	failed, _ := m.Metadata[MetaToolError].(bool)
	return failed
}

// CacheHint returns the prompt cache marker set on the message, if any.
func (m *Message) CacheHint() string {
	if m.Metadata == nil {
		return ""
	}
	hint, _ := m.Metadata[MetaCacheControl].(string)
	return hint
}

// IsCompressed reports whether compression already rewrote this
// message's content. Compressed messages are never compressed again, so
// repeated passes are stable.
func (m *Message) IsCompressed() bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[MetaCompressed].(bool)
	return v
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 1)
	}
	m.Metadata[key] = value
}

// HasToolCalls reports whether the message declares at least one tool call.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsToolResult reports whether the message answers a tool call.
func (m *Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolCallID != ""
}

// DeclaredCallIDs returns the ids of the message's tool calls in declared
// order. Nil for non-assistant messages.
func (m *Message) DeclaredCallIDs() []string {
	if !m.HasToolCalls() {
		return nil
	}
	ids := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		ids = append(ids, tc.ID)
	}
	return ids
}

// HasImageAttachment reports whether any attachment is an image.
func (m *Message) HasImageAttachment() bool {
	for _, a := range m.Attachments {
		if a.Type == "image" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Compression and repair operate on clones so
// cached history slices are never mutated in place.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	if m.Attachments != nil {
		c.Attachments = make([]Attachment, len(m.Attachments))
		copy(c.Attachments, m.Attachments)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// NormalizeToolCallArguments rewrites every tool call's Arguments field to a
// canonical compact JSON string. Values that round-trip through a JSONB
// store come back pretty-printed or re-keyed; providers reject structured
// values and the prompt cache needs byte-stable bytes, so normalization is
// mandatory before every transport call. Empty arguments become "{}".
// Returns the number of calls rewritten.
func NormalizeToolCallArguments(msgs []*Message) int {
	changed := 0
	for _, m := range msgs {
		if !m.HasToolCalls() {
			continue
		}
		for i := range m.ToolCalls {
			norm := normalizeArguments(m.ToolCalls[i].Arguments)
			if norm != m.ToolCalls[i].Arguments {
				m.ToolCalls[i].Arguments = norm
				changed++
			}
		}
	}
	return changed
}

func normalizeArguments(raw string) string {
	if raw == "" {
		return "{}"
	}
	if !json.Valid([]byte(raw)) {
		// Not JSON at all: pass through as a quoted string so the
		// provider sees valid JSON rather than a rejected body.
		b, err := json.Marshal(raw)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}
