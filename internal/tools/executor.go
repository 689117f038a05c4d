package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/pkg/models"
)

const (
	// DefaultConcurrency bounds how many tools run at once.
	DefaultConcurrency = 4

	// DefaultTimeout is the per-attempt budget for a single tool call.
	DefaultTimeout = 60 * time.Second

	// DefaultRetryBackoff separates attempts when retries are enabled.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// ExecConfig tunes the executor.
type ExecConfig struct {
	// Concurrency is the maximum number of tools in flight.
	Concurrency int

	// Timeout bounds a single attempt for tools that do not declare
	// their own limit.
	Timeout time.Duration

	// MaxAttempts re-runs attempts that fail without producing a
	// result. Error results are final and never retried.
	MaxAttempts int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// DefaultExecConfig returns the executor defaults.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency:  DefaultConcurrency,
		Timeout:      DefaultTimeout,
		MaxAttempts:  1,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Execution is the outcome of one tool call, tagged with its position
// in the batch so callers can append results in declared order.
type Execution struct {
	Index    int
	Call     models.ToolCall
	Result   *Result
	Duration time.Duration
	TimedOut bool
}

// Executor runs batches of tool calls against a Registry. Every call
// yields a Result; tool panics, timeouts, and cancellations all fold
// into error results rather than escaping.
type Executor struct {
	registry *Registry
	config   ExecConfig
	logger   *slog.Logger
}

// NewExecutor builds an executor. Zero config fields take defaults and
// a nil logger falls back to slog.Default.
func NewExecutor(registry *Registry, config ExecConfig, logger *slog.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, config: config, logger: logger}
}

// ExecuteAll runs a batch and returns one Execution per call, indexed
// by declared order. Batches where every tool is parallel-safe run
// concurrently; a batch that includes any sequential tool runs
// entirely in declared order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []Execution {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) > 1 && e.batchParallelSafe(calls) {
		return e.ExecuteConcurrently(ctx, calls)
	}
	return e.ExecuteSequentially(ctx, calls)
}

func (e *Executor) batchParallelSafe(calls []models.ToolCall) bool {
	for _, call := range calls {
		if !e.registry.ParallelSafe(call.Name) {
			return false
		}
	}
	return true
}

// ExecuteConcurrently runs the batch with at most Concurrency tools in
// flight. Results are indexed by input position, not completion order.
func (e *Executor) ExecuteConcurrently(ctx context.Context, calls []models.ToolCall) []Execution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Execution, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(index int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[index] = Execution{
					Index:  index,
					Call:   call,
					Result: errorResult("tool %s cancelled", call.Name),
				}
				return
			}
			defer func() { <-sem }()

			results[index] = e.runOne(ctx, index, call)
		}(i, call)
	}

	wg.Wait()
	return results
}

// ExecuteSequentially runs calls one at a time in declared order.
func (e *Executor) ExecuteSequentially(ctx context.Context, calls []models.ToolCall) []Execution {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Execution, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = Execution{
				Index:  i,
				Call:   call,
				Result: errorResult("tool %s cancelled", call.Name),
			}
			continue
		}
		results[i] = e.runOne(ctx, i, call)
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, index int, call models.ToolCall) Execution {
	timeout := e.config.Timeout
	if desc, ok := e.registry.Describe(call.Name); ok && desc.Timeout > 0 {
		timeout = desc.Timeout
	}

	start := time.Now()
	var (
		res      *Result
		timedOut bool
		err      error
	)
	for attempt := 1; ; attempt++ {
		res, timedOut, err = e.executeWithTimeout(ctx, call, timeout)
		if err == nil || attempt >= e.config.MaxAttempts || ctx.Err() != nil {
			break
		}
		e.logger.Warn("tool attempt failed",
			"tool", call.Name,
			"call_id", call.ID,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
		case <-time.After(e.config.RetryBackoff):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		switch {
		case timedOut:
			res = errorResult("tool %s timed out after %s", call.Name, timeout)
		case errors.Is(err, context.Canceled):
			res = errorResult("tool %s cancelled", call.Name)
		default:
			res = errorResult("tool %s failed: %v", call.Name, err)
		}
	}

	return Execution{
		Index:    index,
		Call:     call,
		Result:   res,
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
}

// executeWithTimeout runs one attempt in its own goroutine so a stuck
// tool cannot wedge the executor. The reported timedOut distinguishes
// the per-tool deadline from cancellation of the surrounding run.
func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*Result, bool, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"call_id", call.ID,
					"panic", rec)
				select {
				case done <- outcome{res: errorResult("tool %s panicked: %v", call.Name, rec)}:
				default:
				}
			}
		}()

		res, err := e.registry.Execute(execCtx, call.Name, json.RawMessage(call.Arguments))
		select {
		case done <- outcome{res: res, err: err}:
		default:
			// The attempt already timed out; nobody is listening.
			e.logger.Warn("discarding late tool result",
				"tool", call.Name,
				"call_id", call.ID)
		}
	}()

	select {
	case out := <-done:
		return out.res, false, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, execCtx.Err()
		}
		return nil, false, ctx.Err()
	}
}
