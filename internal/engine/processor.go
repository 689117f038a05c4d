package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/observability"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tokens"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/pkg/models"
)

// storeWriteTimeout bounds turn persistence. Writes run on a context
// detached from run cancellation so a canceled run still lands its
// partial turn.
const storeWriteTimeout = 10 * time.Second

// callState tracks one tool call through its lifecycle:
//
//	idle → assembling(native|xml) → dispatchable → awaiting → persisted
//
// Cancellation is terminal from any state.
type callState int

const (
	callIdle callState = iota
	callAssemblingNative
	callAssemblingXML
	callDispatchable
	callAwaiting
	callPersisted
	callCanceled
)

func (s callState) String() string {
	switch s {
	case callIdle:
		return "idle"
	case callAssemblingNative:
		return "assembling_native"
	case callAssemblingXML:
		return "assembling_xml"
	case callDispatchable:
		return "dispatchable"
	case callAwaiting:
		return "awaiting"
	case callPersisted:
		return "persisted"
	case callCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// processor consumes one run's transport streams: it reassembles tool
// calls from deltas, forwards text as content events, dispatches tools,
// and persists the finished turn. One processor serves one run.
type processor struct {
	threadID string
	store    store.Store
	registry *tools.Registry
	executor *tools.Executor
	est      *tokens.Estimator
	encoding string

	xmlTools bool
	xmlLimit int

	logger   *observability.Logger
	metrics  *observability.Metrics
	timeline *observability.TimelineRecorder

	emit func(context.Context, *models.Event)

	states map[string]callState
}

// turnOutcome is everything one stream produced.
type turnOutcome struct {
	text     string
	calls    []models.ToolCall
	finish   models.FinishReason
	stopSeq  string
	usage    *llm.Usage
	canceled bool
}

// dispatchOutcome reports one turn's tool phase.
type dispatchOutcome struct {
	executions []tools.Execution
	// toolTokens estimates the tokens the results add to the next
	// prompt, so the next iteration's fast path stays honest without a
	// refetch.
	toolTokens int
	// terminated is set when a tool result signaled end-of-conversation.
	terminated bool
}

// consume drains one transport stream. Text deltas become content
// events as they arrive; native fragments and XML blocks assemble into
// tool calls. A mid-stream transport error aborts the turn and is
// returned for classification. Cancellation between chunks returns a
// canceled outcome carrying the partial text; assembled calls are
// dropped since nothing will answer them.
func (p *processor) consume(ctx context.Context, deltas <-chan llm.StreamDelta) (*turnOutcome, error) {
	var (
		text    strings.Builder
		native  = newNativeAssembler()
		out     = &turnOutcome{}
		scanner *xmlScanner
	)
	if p.xmlTools {
		scanner = newXMLScanner(p.xmlLimit)
	}

	appendText := func(s string) {
		if s == "" {
			return
		}
		text.WriteString(s)
		p.emit(ctx, models.NewContentEvent(s))
	}

	for {
		select {
		case <-ctx.Done():
			out.text = text.String()
			out.canceled = true
			return out, nil

		case delta, ok := <-deltas:
			if !ok {
				// Stream closed without a Done delta; treat as end.
				return p.finishTurn(ctx, out, &text, native, scanner), nil
			}
			if delta.Err != nil {
				if ctx.Err() != nil {
					out.text = text.String()
					out.canceled = true
					return out, nil
				}
				return nil, delta.Err
			}
			if delta.Text != "" {
				if scanner != nil {
					appendText(scanner.Feed(delta.Text))
				} else {
					appendText(delta.Text)
				}
			}
			if delta.ToolCall != nil {
				native.feed(delta.ToolCall)
			}
			if delta.Usage != nil {
				out.usage = delta.Usage
			}
			if delta.FinishReason != "" {
				out.finish = delta.FinishReason
			}
			if delta.StopSequence != "" {
				out.stopSeq = delta.StopSequence
			}
			if delta.Done {
				if scanner != nil {
					appendText(scanner.Flush())
				}
				return p.finishTurn(ctx, out, &text, native, scanner), nil
			}
		}
	}
}

// finishTurn reconciles the assembled calls and finish reason once the
// stream has ended.
func (p *processor) finishTurn(ctx context.Context, out *turnOutcome, text *strings.Builder, native *nativeAssembler, scanner *xmlScanner) *turnOutcome {
	out.text = text.String()

	calls := native.finalize(out.finish)
	if scanner != nil {
		for _, call := range scanner.Calls() {
			calls = append(calls, p.resolveXMLCall(call))
		}
	}
	for _, call := range calls {
		p.setState(ctx, call.ID, callDispatchable)
	}
	out.calls = calls

	switch {
	case scanner != nil && scanner.LimitExceeded():
		out.finish = models.FinishXMLToolLimit
	case len(calls) > 0:
		// The XML path ends on a stop sequence; both conventions
		// normalize to tool_calls when calls were assembled.
		out.finish = models.FinishToolCalls
	case out.finish == "":
		out.finish = models.FinishStop
	}
	return out
}

// resolveXMLCall maps an XML tag to its registered tool name. Unknown
// tags pass through; dispatch answers them with an unknown-tool result.
func (p *processor) resolveXMLCall(call models.ToolCall) models.ToolCall {
	if desc, ok := p.registry.ResolveXMLTag(call.Name); ok {
		call.Name = desc.Name
	}
	return call
}

// dispatch runs the turn's tool calls. Execution uses a context
// detached from run cancellation: in-flight tools finish and their
// results persist even when the caller walks away mid-run. Per-call
// timeouts still bound each tool.
func (p *processor) dispatch(ctx context.Context, calls []models.ToolCall) *dispatchOutcome {
	if len(calls) == 0 {
		return &dispatchOutcome{}
	}

	for _, call := range calls {
		p.setState(ctx, call.ID, callAwaiting)
		p.timeline.Record(ctx, observability.Step{
			Type: observability.StepToolStart,
			Name: call.Name,
		})
	}

	execCtx := context.WithoutCancel(ctx)
	executions := p.executor.ExecuteAll(execCtx, calls)

	out := &dispatchOutcome{executions: executions}
	for _, exec := range executions {
		if exec.Result != nil && exec.Result.Terminate {
			out.terminated = true
		}
		isErr := exec.Result != nil && exec.Result.IsError
		p.metrics.RecordToolExecution(exec.Call.Name, isErr, exec.Duration)
	}
	return out
}

// persistAssistant writes the turn's assistant message. On a canceled
// turn the declared calls are stripped, nothing will answer them, and
// the row carries the cancelled marker. Empty turns persist nothing.
func (p *processor) persistAssistant(ctx context.Context, out *turnOutcome, report models.UsageReport) (*models.Message, error) {
	msg := &models.Message{
		Role:      models.RoleAssistant,
		ThreadID:  p.threadID,
		Content:   out.text,
		ToolCalls: out.calls,
	}
	if out.canceled {
		msg.ToolCalls = nil
		msg.SetMeta(models.MetaCancelled, true)
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, nil
	}

	models.NormalizeToolCallArguments([]*models.Message{msg})
	msg.SetMeta(models.MetaModel, report.Model)
	if out.finish != "" {
		msg.SetMeta(models.MetaFinishReason, string(out.finish))
	}
	msg.SetMeta(models.MetaUsage, report)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	start := time.Now()
	id, err := p.store.Append(persistCtx, p.threadID, msg)
	p.metrics.RecordStoreOperation("append", time.Since(start))
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// persistResults writes tool results in declared order regardless of
// completion order, emitting one tool event per result. canceled marks
// results that finished after run cancellation. The persisted messages
// come back for the caller's working history.
func (p *processor) persistResults(ctx context.Context, d *dispatchOutcome, canceled bool) ([]*models.Message, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	msgs := make([]*models.Message, 0, len(d.executions))
	for _, exec := range d.executions {
		result := exec.Result
		if result == nil {
			result = &tools.Result{Content: "tool produced no result", IsError: true}
		}

		msg := &models.Message{
			Role:       models.RoleTool,
			ThreadID:   p.threadID,
			Content:    result.Content,
			ToolCallID: exec.Call.ID,
		}
		if result.IsError {
			msg.SetMeta(models.MetaToolError, true)
		}
		if canceled {
			msg.SetMeta(models.MetaCancelled, true)
		}

		start := time.Now()
		id, err := p.store.Append(persistCtx, p.threadID, msg)
		if err != nil {
			return msgs, err
		}
		p.metrics.RecordStoreOperation("append", time.Since(start))
		msg.ID = id
		msgs = append(msgs, msg)

		p.setState(ctx, exec.Call.ID, callPersisted)
		d.toolTokens += p.est.CountText(p.encoding, result.Content)

		p.emit(ctx, models.NewToolEvent(exec.Call.ID, exec.Call.Name, result.Content, result.IsError, exec.Duration))
		p.timeline.Record(ctx, observability.Step{
			Type:     observability.StepToolEnd,
			Name:     exec.Call.Name,
			Duration: exec.Duration,
		})
	}
	return msgs, nil
}

func (p *processor) setState(ctx context.Context, callID string, state callState) {
	if callID == "" {
		return
	}
	if p.states == nil {
		p.states = make(map[string]callState)
	}
	prev := p.states[callID]
	if prev == callCanceled {
		return
	}
	p.states[callID] = state
	p.logger.Debug(ctx, "tool call state", "call_id", callID, "from", prev.String(), "to", state.String())
}

// nativeAssembler reassembles provider tool_calls deltas. Fragments for
// one call share an index; id, name, and arguments accumulate across
// fragments.
type nativeAssembler struct {
	order []int
	calls map[int]*nativeCall
}

type nativeCall struct {
	id    string
	name  string
	args  strings.Builder
	state callState
}

func newNativeAssembler() *nativeAssembler {
	return &nativeAssembler{calls: make(map[int]*nativeCall)}
}

func (na *nativeAssembler) feed(d *llm.ToolCallDelta) {
	c, ok := na.calls[d.Index]
	if !ok {
		c = &nativeCall{state: callAssemblingNative}
		na.calls[d.Index] = c
		na.order = append(na.order, d.Index)
	}
	if d.ID != "" {
		c.id = d.ID
	}
	if d.Name != "" {
		c.name = d.Name
	}
	if d.ArgumentsDelta != "" {
		c.args.WriteString(d.ArgumentsDelta)
	}
	if d.Complete {
		c.state = callDispatchable
	}
}

// finalize returns the assembled calls in arrival order. Calls still
// assembling are promoted when the provider ended with tool_calls,
// covering providers without per-block stop events; otherwise they were
// cut mid-assembly and are dropped.
func (na *nativeAssembler) finalize(finish models.FinishReason) []models.ToolCall {
	var out []models.ToolCall
	for _, idx := range na.order {
		c := na.calls[idx]
		if c.state == callAssemblingNative && finish == models.FinishToolCalls {
			c.state = callDispatchable
		}
		if c.state != callDispatchable || c.name == "" {
			continue
		}
		id := c.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, models.ToolCall{ID: id, Name: c.name, Arguments: c.args.String()})
	}
	return out
}
