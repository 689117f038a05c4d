package observability

import (
	"context"
	"log/slog"
)

// ContextKey is the type for context keys used in correlation.
type ContextKey string

const (
	// RunIDKey is the context key for run ids (one engine turn).
	RunIDKey ContextKey = "run_id"

	// ThreadIDKey is the context key for thread ids.
	ThreadIDKey ContextKey = "thread_id"

	// AccountIDKey is the context key for account ids.
	AccountIDKey ContextKey = "account_id"
)

// AddRunID adds a run ID to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// AddThreadID adds a thread ID to the context.
func AddThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// GetThreadID retrieves the thread ID from the context.
func GetThreadID(ctx context.Context) string {
	if id, ok := ctx.Value(ThreadIDKey).(string); ok {
		return id
	}
	return ""
}

// AddAccountID adds an account ID to the context.
func AddAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// GetAccountID retrieves the account ID from the context.
func GetAccountID(ctx context.Context) string {
	if id, ok := ctx.Value(AccountIDKey).(string); ok {
		return id
	}
	return ""
}

// contextAttrs collects the correlation ids present on the context as
// log attributes.
func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs := make([]slog.Attr, 0, 3)
	if id := GetRunID(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if id := GetThreadID(ctx); id != "" {
		attrs = append(attrs, slog.String("thread_id", id))
	}
	if id := GetAccountID(ctx); id != "" {
		attrs = append(attrs, slog.String("account_id", id))
	}
	return attrs
}
