package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftlabs/weft/pkg/models"
)

func newTestExecutor(t *testing.T, reg *Registry, config ExecConfig) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExecutor(reg, config, logger)
}

func TestExecutorRespectsConcurrencyLimit(t *testing.T) {
	const maxConcurrency = 2
	const numCalls = 6

	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "blocking",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			current := atomic.AddInt32(&concurrent, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return &Result{Content: "done"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{
		Concurrency: maxConcurrency,
		Timeout:     5 * time.Second,
	})

	calls := make([]models.ToolCall, numCalls)
	for i := 0; i < numCalls; i++ {
		calls[i] = models.ToolCall{
			ID:        string(rune('a' + i)),
			Name:      "blocking",
			Arguments: `{}`,
		}
	}

	results := executor.ExecuteConcurrently(context.Background(), calls)

	if len(results) != numCalls {
		t.Fatalf("got %d results, want %d", len(results), numCalls)
	}
	if maxConcurrent > int32(maxConcurrency) {
		t.Errorf("max concurrent was %d, should not exceed %d", maxConcurrent, maxConcurrency)
	}
	for i, r := range results {
		if r.Result.IsError {
			t.Errorf("result %d failed: %s", i, r.Result.Content)
		}
	}
}

func TestExecutorPreservesDeclaredOrder(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "tool_slow",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			time.Sleep(100 * time.Millisecond)
			return &Result{Content: "slow"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err = reg.Register(&testTool{
		name: "tool_fast",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			time.Sleep(10 * time.Millisecond)
			return &Result{Content: "fast"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: 5 * time.Second})

	// Slow first so completion order inverts declared order.
	calls := []models.ToolCall{
		{ID: "0", Name: "tool_slow", Arguments: `{}`},
		{ID: "1", Name: "tool_fast", Arguments: `{}`},
		{ID: "2", Name: "tool_slow", Arguments: `{}`},
		{ID: "3", Name: "tool_fast", Arguments: `{}`},
	}

	results := executor.ExecuteAll(context.Background(), calls)

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result[%d].Index = %d, want %d", i, r.Index, i)
		}
		if r.Call.ID != calls[i].ID {
			t.Errorf("result[%d].Call.ID = %s, want %s", i, r.Call.ID, calls[i].ID)
		}
		wantContent := "slow"
		if i%2 == 1 {
			wantContent = "fast"
		}
		if r.Result.Content != wantContent {
			t.Errorf("result[%d].Content = %q, want %q", i, r.Result.Content, wantContent)
		}
		if r.Duration <= 0 {
			t.Errorf("result[%d].Duration = %v, want > 0", i, r.Duration)
		}
	}
}

func TestExecutorTimeout(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "slow",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			// Ignores its context so the deadline must fire.
			time.Sleep(time.Second)
			return &Result{Content: "late"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: 50 * time.Millisecond})

	start := time.Now()
	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "slow", Arguments: `{}`},
	})
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("took %v, expected to time out around 50ms", elapsed)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if !r.TimedOut {
		t.Error("expected TimedOut")
	}
	if !r.Result.IsError {
		t.Error("expected IsError for timeout")
	}
	if !strings.Contains(r.Result.Content, "timed out") {
		t.Errorf("Content = %q, want timeout message", r.Result.Content)
	}
}

func TestExecutorPerToolTimeoutOverride(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&testTool{
		name:    "brief",
		timeout: 30 * time.Millisecond,
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			time.Sleep(500 * time.Millisecond)
			return &Result{Content: "late"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// The config default is far larger than the tool's own limit.
	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: 5 * time.Second})

	start := time.Now()
	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "brief", Arguments: `{}`},
	})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("took %v, expected the 30ms tool limit to apply", elapsed)
	}
	if !results[0].TimedOut {
		t.Error("expected TimedOut under the tool's own limit")
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "bomb",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(&testTool{name: "healthy"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: time.Second})

	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "bomb", Arguments: `{}`},
	})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.Result.IsError {
		t.Error("expected IsError after panic")
	}
	if !strings.Contains(r.Result.Content, "panicked") || !strings.Contains(r.Result.Content, "boom") {
		t.Errorf("Content = %q, want panic message", r.Result.Content)
	}

	// The executor keeps working after a recovered panic.
	results = executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "2", Name: "healthy", Arguments: `{}`},
	})
	if results[0].Result.IsError {
		t.Errorf("healthy call failed after panic: %s", results[0].Result.Content)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	var attempts int32

	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "flaky",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errors.New("transient failure")
			}
			return &Result{Content: "recovered"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{
		Concurrency:  4,
		Timeout:      time.Second,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	})

	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "flaky", Arguments: `{}`},
	})

	r := results[0]
	if r.Result.IsError {
		t.Errorf("expected success after retries, got %q", r.Result.Content)
	}
	if r.Result.Content != "recovered" {
		t.Errorf("Content = %q, want recovered", r.Result.Content)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestExecutorDoesNotRetryErrorResults(t *testing.T) {
	var attempts int32

	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "strict",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			atomic.AddInt32(&attempts, 1)
			return &Result{Content: "bad input", IsError: true}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{
		Concurrency:  4,
		Timeout:      time.Second,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	})

	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "strict", Arguments: `{}`},
	})

	if !results[0].Result.IsError {
		t.Error("expected the error result to pass through")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (error results are final)", got)
	}
}

func TestExecutorContextCancellation(t *testing.T) {
	reg := NewRegistry()

	toolStarted := make(chan struct{})
	err := reg.Register(&testTool{
		name: "blocking",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			close(toolStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Execution)
	go func() {
		done <- executor.ExecuteAll(ctx, []models.ToolCall{
			{ID: "1", Name: "blocking", Arguments: `{}`},
		})
	}()

	<-toolStarted
	cancel()
	results := <-done

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.Result.IsError {
		t.Error("expected IsError for cancelled context")
	}
	if r.TimedOut {
		t.Error("TimedOut should be false for cancellation")
	}
	if !strings.Contains(r.Result.Content, "cancelled") {
		t.Errorf("Content = %q, want cancellation message", r.Result.Content)
	}
}

func TestExecuteAllGoesSequentialForSequentialTools(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	var order []string
	var mu sync.Mutex

	track := func(marker string) func(ctx context.Context, args json.RawMessage) (*Result, error) {
		return func(ctx context.Context, args json.RawMessage) (*Result, error) {
			current := atomic.AddInt32(&concurrent, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			order = append(order, marker)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return &Result{Content: marker}, nil
		}
	}

	reg := NewRegistry()
	if err := reg.Register(&testTool{name: "shell", sequential: true, execFunc: track("shell")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(&testTool{name: "fetch", execFunc: track("fetch")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: time.Second})

	// One sequential tool in the batch forces declared order for all.
	calls := []models.ToolCall{
		{ID: "1", Name: "fetch", Arguments: `{}`},
		{ID: "2", Name: "shell", Arguments: `{}`},
		{ID: "3", Name: "fetch", Arguments: `{}`},
		{ID: "4", Name: "shell", Arguments: `{}`},
	}
	results := executor.ExecuteAll(context.Background(), calls)

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if maxConcurrent != 1 {
		t.Errorf("max concurrent = %d, want 1", maxConcurrent)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"fetch", "shell", "fetch", "shell"}
	for i, marker := range order {
		if marker != want[i] {
			t.Errorf("execution order = %v, want %v", order, want)
			break
		}
	}
}

func TestExecuteAllRunsSafeBatchesConcurrently(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&testTool{
		name: "sleeper",
		execFunc: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			time.Sleep(50 * time.Millisecond)
			return &Result{Content: "done"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	executor := newTestExecutor(t, reg, ExecConfig{Concurrency: 4, Timeout: time.Second})

	calls := []models.ToolCall{
		{ID: "1", Name: "sleeper", Arguments: `{}`},
		{ID: "2", Name: "sleeper", Arguments: `{}`},
		{ID: "3", Name: "sleeper", Arguments: `{}`},
		{ID: "4", Name: "sleeper", Arguments: `{}`},
	}

	start := time.Now()
	results := executor.ExecuteAll(context.Background(), calls)
	elapsed := time.Since(start)

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	// Four 50ms sleeps in parallel should finish well under the
	// sequential 200ms.
	if elapsed > 150*time.Millisecond {
		t.Errorf("took %v, expected concurrent execution", elapsed)
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	reg := NewRegistry()
	executor := newTestExecutor(t, reg, DefaultExecConfig())

	results := executor.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "ghost", Arguments: `{}`},
	})

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.Result.IsError || !strings.Contains(r.Result.Content, "tool not found") {
		t.Errorf("result = %+v, want not-found error result", r.Result)
	}
}

func TestExecutorEmptyBatch(t *testing.T) {
	executor := newTestExecutor(t, NewRegistry(), DefaultExecConfig())
	if results := executor.ExecuteAll(context.Background(), nil); results != nil {
		t.Errorf("got %v, want nil for empty batch", results)
	}
}

func TestDefaultExecConfig(t *testing.T) {
	config := DefaultExecConfig()
	if config.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", config.Concurrency)
	}
	if config.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", config.Timeout)
	}
	if config.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", config.MaxAttempts)
	}
	if config.RetryBackoff != 500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 500ms", config.RetryBackoff)
	}
}
