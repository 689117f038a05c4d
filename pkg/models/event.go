package models

import "time"

// Event is the unified stream type the engine emits to callers. It is the
// entire wire surface of the core: upstream HTTP/SSE layers forward events
// verbatim.
//
// Design principles:
//   - Single Type discriminator with one non-nil payload per event
//   - Monotonic Sequence within a run for ordering across goroutines
//   - Forward-compatible: add fields, never rename or remove
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Sequence uint64    `json:"seq"`
	RunID    string    `json:"run_id,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`

	Content *ContentPayload `json:"content,omitempty"`
	Tool    *ToolPayload    `json:"tool,omitempty"`
	Status  *StatusPayload  `json:"status,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// EventType identifies the kind of event.
type EventType string

const (
	EventContent EventType = "content"
	EventTool    EventType = "tool"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

// FinishReason is the provider's reason for ending a stream, normalized
// across transports. It drives the auto-continue decision.
type FinishReason string

const (
	FinishStop            FinishReason = "stop"
	FinishLength          FinishReason = "length"
	FinishToolCalls       FinishReason = "tool_calls"
	FinishAgentTerminated FinishReason = "agent_terminated"
	FinishXMLToolLimit    FinishReason = "xml_tool_limit_reached"
)

// StatusState is the lifecycle state carried by status events.
type StatusState string

const (
	StatusRunning   StatusState = "running"
	StatusCompleted StatusState = "completed"
	StatusStopped   StatusState = "stopped"
	StatusError     StatusState = "error"
	StatusWarning   StatusState = "warning"
)

// ContentPayload carries incremental assistant text.
type ContentPayload struct {
	Text string `json:"text"`
}

// ToolPayload carries a complete tool result with the id of the call it
// answers.
type ToolPayload struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Result     string        `json:"result"`
	IsError    bool          `json:"is_error,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// StatusPayload carries lifecycle transitions. FinishReason is set on
// stream-end statuses; Usage on turn-end statuses.
type StatusPayload struct {
	State        StatusState  `json:"state"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Message      string       `json:"message,omitempty"`
	Usage        *UsageReport `json:"usage,omitempty"`
}

// ErrorPayload is a terminal failure.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// Err preserves the original error for errors.Is/As at runtime;
	// it is never serialized.
	Err error `json:"-"`
}

// NewContentEvent builds a content event.
func NewContentEvent(text string) *Event {
	return &Event{Type: EventContent, Time: time.Now(), Content: &ContentPayload{Text: text}}
}

// NewToolEvent builds a tool-result event.
func NewToolEvent(callID, name, result string, isErr bool, elapsed time.Duration) *Event {
	return &Event{Type: EventTool, Time: time.Now(), Tool: &ToolPayload{
		ToolCallID: callID,
		Name:       name,
		Result:     result,
		IsError:    isErr,
		Elapsed:    elapsed,
	}}
}

// NewStatusEvent builds a status event.
func NewStatusEvent(state StatusState, reason FinishReason) *Event {
	return &Event{Type: EventStatus, Time: time.Now(), Status: &StatusPayload{State: state, FinishReason: reason}}
}

// NewErrorEvent builds a terminal error event.
func NewErrorEvent(err error, code string, retryable bool) *Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Event{Type: EventError, Time: time.Now(), Error: &ErrorPayload{
		Message:   msg,
		Code:      code,
		Retryable: retryable,
		Err:       err,
	}}
}
