// Package tools provides the registry and bounded-concurrency executor
// behind model-requested tool calls.
//
// Tools implement the small Tool interface. Optional interfaces layer
// scheduling hints on top: Sequential opts a tool out of parallel
// dispatch, TimeLimited overrides the per-attempt timeout, and
// XMLTagged renames the tag used by the XML tool-call syntax.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// MaxNameLength bounds registered tool names.
	MaxNameLength = 256

	// MaxArgsSize bounds the serialized arguments for a single call.
	MaxArgsSize = 10 << 20
)

// Tool is a capability the model can invoke during a run.
type Tool interface {
	// Name identifies the tool to the model. Names are unique within
	// a Registry.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON Schema for the tool's arguments. An empty
	// schema disables argument validation.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see go back as
	// an error Result; a non-nil error means the call produced nothing
	// usable and may be retried.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is what a tool reports back into the transcript.
type Result struct {
	Content string
	IsError bool

	// Terminate signals end-of-conversation. The run persists the
	// result, then finishes with reason agent_terminated instead of
	// continuing.
	Terminate bool
}

// Descriptor is the registry's resolved view of one tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage

	// XMLTag is the effective tag for the XML tool-call syntax. It
	// defaults to the tool name.
	XMLTag string

	// ParallelSafe reports whether the tool may run alongside others
	// in the same batch.
	ParallelSafe bool

	// Timeout overrides the executor's per-attempt budget when set.
	Timeout time.Duration
}

// Sequential marks a tool that must not run alongside other tools.
type Sequential interface {
	Sequential() bool
}

// TimeLimited lets a tool declare its own per-attempt timeout.
type TimeLimited interface {
	Timeout() time.Duration
}

// XMLTagged lets a tool claim a custom tag in the XML tool-call
// syntax.
type XMLTagged interface {
	XMLTag() string
}

// NewFunc wraps a plain function as a Tool.
func NewFunc(name, description string, schema json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (*Result, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.fn(ctx, args)
}
