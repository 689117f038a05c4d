package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/weftlabs/weft/pkg/models"
)

func TestMemoryStoreThreadLifecycle(t *testing.T) {
	store := NewMemoryStore()
	thread := &models.Thread{AccountID: "acct-1", ProjectID: "proj-1"}

	if err := store.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if thread.ID == "" {
		t.Fatalf("expected thread id to be assigned")
	}
	if thread.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be assigned")
	}

	loaded, err := store.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if loaded.AccountID != "acct-1" {
		t.Fatalf("expected account acct-1, got %q", loaded.AccountID)
	}

	if err := store.DeleteThread(context.Background(), thread.ID); err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}
	if _, err := store.GetThread(context.Background(), thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_GetNonExistent(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetThread(context.Background(), "nonexistent-id")
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestMemoryStore_DeleteNonExistent(t *testing.T) {
	store := NewMemoryStore()
	err := store.DeleteThread(context.Background(), "nonexistent-id")
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func newThread(t *testing.T, store Store) string {
	t.Helper()
	thread := &models.Thread{}
	if err := store.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	return thread.ID
}

func TestMemoryStoreAppendAndList(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	msg := &models.Message{Role: models.RoleUser, Content: "hello"}
	id, err := store.Append(ctx, threadID, msg)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id == "" {
		t.Fatalf("expected message id to be assigned")
	}
	if msg.ID != id {
		t.Fatalf("expected id %q reflected onto the message, got %q", id, msg.ID)
	}
	if msg.ThreadID != threadID {
		t.Fatalf("expected thread id reflected onto the message")
	}

	if _, err := store.Append(ctx, threadID, &models.Message{Role: models.RoleAssistant, Content: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi" {
		t.Fatalf("expected insertion order, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestMemoryStore_AppendToMissingThread(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Append(context.Background(), "nope", &models.Message{Role: models.RoleUser, Content: "x"})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestMemoryStoreListLightweight(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if _, err := store.Append(ctx, threadID, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, err := store.List(ctx, threadID, true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != lightweightLimit {
		t.Fatalf("expected %d messages, got %d", lightweightLimit, len(msgs))
	}
	if msgs[0].Content != "m10" {
		t.Fatalf("expected window to start at m10, got %q", msgs[0].Content)
	}
	if msgs[len(msgs)-1].Content != "m59" {
		t.Fatalf("expected window to end at m59, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestMemoryStoreListPaginated(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if _, err := store.Append(ctx, threadID, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	page, err := store.ListPaginated(ctx, threadID, 4, 3)
	if err != nil {
		t.Fatalf("ListPaginated() error = %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page))
	}
	if page[0].Content != "m4" || page[2].Content != "m6" {
		t.Fatalf("expected m4..m6, got %q..%q", page[0].Content, page[2].Content)
	}

	empty, err := store.ListPaginated(ctx, threadID, 100, 3)
	if err != nil {
		t.Fatalf("ListPaginated() error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}

	all, err := store.ListPaginated(ctx, threadID, 0, 0)
	if err != nil {
		t.Fatalf("ListPaginated() error = %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected default batch to cover all 10, got %d", len(all))
	}
}

func TestMemoryStoreMarkToolResultsOmitted(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	assistant := &models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: "{}"},
			{ID: "call_2", Name: "search", Arguments: "{}"},
		},
	}
	if _, err := store.Append(ctx, threadID, assistant); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	for _, callID := range []string{"call_1", "call_2"} {
		msg := &models.Message{Role: models.RoleTool, ToolCallID: callID, Content: "result"}
		if _, err := store.Append(ctx, threadID, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := store.MarkToolResultsOmitted(ctx, threadID, []string{"call_1"})
	if err != nil {
		t.Fatalf("MarkToolResultsOmitted() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row marked, got %d", n)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected omitted row excluded from listing, got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.ToolCallID == "call_1" {
			t.Fatalf("expected result for call_1 to be hidden")
		}
	}

	// Marking again is a no-op: already-omitted rows do not count.
	n, err = store.MarkToolResultsOmitted(ctx, threadID, []string{"call_1"})
	if err != nil {
		t.Fatalf("MarkToolResultsOmitted() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows on repeat, got %d", n)
	}
}

func TestMemoryStoreRemoveToolCallsFromAssistants(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	assistant := &models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: "{}"},
			{ID: "call_2", Name: "fetch", Arguments: "{}"},
		},
	}
	if _, err := store.Append(ctx, threadID, assistant); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	n, err := store.RemoveToolCallsFromAssistants(ctx, threadID, []string{"call_1"})
	if err != nil {
		t.Fatalf("RemoveToolCallsFromAssistants() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 call removed, got %d", n)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "call_2" {
		t.Fatalf("expected only call_2 to remain, got %+v", msgs[0].ToolCalls)
	}

	n, err = store.RemoveToolCallsFromAssistants(ctx, threadID, []string{"call_2"})
	if err != nil {
		t.Fatalf("RemoveToolCallsFromAssistants() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 call removed, got %d", n)
	}

	msgs, err = store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs[0].ToolCalls) != 0 {
		t.Fatalf("expected no calls to remain, got %+v", msgs[0].ToolCalls)
	}
}

func TestMemoryStoreGetLastUsageRecord(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	usage, err := store.GetLastUsageRecord(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLastUsageRecord() error = %v", err)
	}
	if usage != nil {
		t.Fatalf("expected nil usage on empty thread, got %+v", usage)
	}

	first := &models.Message{Role: models.RoleAssistant, Content: "a"}
	first.SetMeta(models.MetaUsage, &models.UsageReport{PromptTokens: 100, CompletionTokens: 20, Model: "m1"})
	if _, err := store.Append(ctx, threadID, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	second := &models.Message{Role: models.RoleAssistant, Content: "b"}
	second.SetMeta(models.MetaUsage, &models.UsageReport{PromptTokens: 300, CompletionTokens: 50, Model: "m1"})
	if _, err := store.Append(ctx, threadID, second); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Trailing messages without usage must not shadow the record.
	if _, err := store.Append(ctx, threadID, &models.Message{Role: models.RoleUser, Content: "next"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	usage, err = store.GetLastUsageRecord(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLastUsageRecord() error = %v", err)
	}
	if usage == nil {
		t.Fatalf("expected a usage record")
	}
	if usage.PromptTokens != 300 || usage.CompletionTokens != 50 {
		t.Fatalf("expected newest record 300/50, got %d/%d", usage.PromptTokens, usage.CompletionTokens)
	}
}

func TestMemoryStoreGetLastUsageRecord_MapEncoded(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	// Usage that round-tripped through JSON arrives as a generic map.
	msg := &models.Message{Role: models.RoleAssistant, Content: "a"}
	msg.SetMeta(models.MetaUsage, map[string]any{
		"prompt_tokens":     float64(42),
		"completion_tokens": float64(7),
		"model":             "m1",
	})
	if _, err := store.Append(ctx, threadID, msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	usage, err := store.GetLastUsageRecord(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLastUsageRecord() error = %v", err)
	}
	if usage == nil {
		t.Fatalf("expected a usage record")
	}
	if usage.PromptTokens != 42 || usage.CompletionTokens != 7 {
		t.Fatalf("expected 42/7, got %d/%d", usage.PromptTokens, usage.CompletionTokens)
	}
}

func TestMemoryStoreGetLatestUserMessage(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	content, err := store.GetLatestUserMessage(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLatestUserMessage() error = %v", err)
	}
	if content != "" {
		t.Fatalf("expected empty content on empty thread, got %q", content)
	}

	for _, m := range []*models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "reply"},
		{Role: models.RoleUser, Content: "second"},
	} {
		if _, err := store.Append(ctx, threadID, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	content, err = store.GetLatestUserMessage(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLatestUserMessage() error = %v", err)
	}
	if content != "second" {
		t.Fatalf("expected %q, got %q", "second", content)
	}
}

func TestMemoryStoreCacheRebuildFlag(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	needs, err := store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		t.Fatalf("GetCacheNeedsRebuild() error = %v", err)
	}
	if needs {
		t.Fatalf("expected flag to default to false")
	}

	if err := store.SetCacheNeedsRebuild(ctx, threadID, true); err != nil {
		t.Fatalf("SetCacheNeedsRebuild() error = %v", err)
	}
	needs, err = store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		t.Fatalf("GetCacheNeedsRebuild() error = %v", err)
	}
	if !needs {
		t.Fatalf("expected flag to be set")
	}

	if err := store.SetCacheNeedsRebuild(ctx, threadID, false); err != nil {
		t.Fatalf("SetCacheNeedsRebuild() error = %v", err)
	}
	needs, err = store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		t.Fatalf("GetCacheNeedsRebuild() error = %v", err)
	}
	if needs {
		t.Fatalf("expected flag to be cleared")
	}

	if err := store.SetCacheNeedsRebuild(ctx, "nope", true); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound for unknown thread, got %v", err)
	}
	if _, err := store.GetCacheNeedsRebuild(ctx, "nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound for unknown thread, got %v", err)
	}
}

func TestMemoryStore_ClonesOnRead(t *testing.T) {
	store := NewMemoryStore()
	threadID := newThread(t, store)
	ctx := context.Background()

	msg := &models.Message{Role: models.RoleUser, Content: "original"}
	if _, err := store.Append(ctx, threadID, msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	msgs[0].Content = "mutated"

	again, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if again[0].Content != "original" {
		t.Fatalf("expected stored content untouched, got %q", again[0].Content)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()
	threadID := newThread(t, store)

	done := make(chan struct{})
	// Writer goroutine
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			msg := &models.Message{Role: models.RoleUser, Content: "msg"}
			_, _ = store.Append(ctx, threadID, msg)
		}
	}()

	// Reader goroutine
	for i := 0; i < 100; i++ {
		_, _ = store.GetThread(ctx, threadID)
		_, _ = store.List(ctx, threadID, true)
	}
	<-done

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() after concurrent access error = %v", err)
	}
	if len(msgs) != 100 {
		t.Fatalf("expected 100 messages, got %d", len(msgs))
	}
}
