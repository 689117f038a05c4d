package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/weftlabs/weft/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func TestSQLiteStoreThreadLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	thread := &models.Thread{AccountID: "acct-1", Metadata: map[string]any{"env": "test"}}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if thread.ID == "" {
		t.Fatal("expected thread id to be assigned")
	}

	loaded, err := store.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if loaded.AccountID != "acct-1" {
		t.Fatalf("expected account acct-1, got %q", loaded.AccountID)
	}
	if loaded.Metadata["env"] != "test" {
		t.Fatalf("expected metadata round trip, got %+v", loaded.Metadata)
	}
	if loaded.CreatedAt.IsZero() {
		t.Fatal("expected created_at round trip")
	}

	if err := store.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}
	if _, err := store.GetThread(ctx, thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound after delete, got %v", err)
	}
	if err := store.DeleteThread(ctx, thread.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound on double delete, got %v", err)
	}
}

func TestSQLiteStoreAppendAndList(t *testing.T) {
	store := newSQLiteStore(t)
	threadID := newThread(t, store)
	ctx := context.Background()

	assistant := &models.Message{
		Role:    models.RoleAssistant,
		Content: "checking",
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: `{"q":"weather"}`},
		},
		Attachments: []models.Attachment{{ID: "a1", Type: "image", URL: "http://example.com/x.png"}},
		Metadata:    map[string]any{"model": "m1"},
	}
	if _, err := store.Append(ctx, threadID, &models.Message{Role: models.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	id, err := store.Append(ctx, threadID, assistant)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id == "" || assistant.ID != id {
		t.Fatalf("expected assigned id reflected onto the message, got %q/%q", id, assistant.ID)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "checking" {
		t.Fatalf("expected insertion order, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
	got := msgs[1]
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Arguments != `{"q":"weather"}` {
		t.Fatalf("expected tool calls round trip, got %+v", got.ToolCalls)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Type != "image" {
		t.Fatalf("expected attachments round trip, got %+v", got.Attachments)
	}
	if got.Metadata["model"] != "m1" {
		t.Fatalf("expected metadata round trip, got %+v", got.Metadata)
	}
}

func TestSQLiteStore_AppendToMissingThread(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.Append(context.Background(), "nope", &models.Message{Role: models.RoleUser, Content: "x"})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown thread")
	}
}

func TestSQLiteStoreLightweightAndPagination(t *testing.T) {
	store := newSQLiteStore(t)
	threadID := newThread(t, store)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if _, err := store.Append(ctx, threadID, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	recent, err := store.List(ctx, threadID, true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recent) != lightweightLimit {
		t.Fatalf("expected %d recent messages, got %d", lightweightLimit, len(recent))
	}
	if recent[0].Content != "m10" || recent[len(recent)-1].Content != "m59" {
		t.Fatalf("expected chronological window m10..m59, got %q..%q",
			recent[0].Content, recent[len(recent)-1].Content)
	}

	page, err := store.ListPaginated(ctx, threadID, 4, 3)
	if err != nil {
		t.Fatalf("ListPaginated() error = %v", err)
	}
	if len(page) != 3 || page[0].Content != "m4" || page[2].Content != "m6" {
		t.Fatalf("expected page m4..m6, got %d messages", len(page))
	}

	empty, err := store.ListPaginated(ctx, threadID, 200, 10)
	if err != nil {
		t.Fatalf("ListPaginated() error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

func TestSQLiteStoreRepairs(t *testing.T) {
	store := newSQLiteStore(t)
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
	result := &models.Message{Role: models.RoleTool, ToolCallID: "call_1", Content: "found"}
	if _, err := store.Append(ctx, threadID, result); err != nil {
		t.Fatalf("Append() error = %v", err)
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
	if len(msgs) != 1 {
		t.Fatalf("expected omitted result hidden, got %d messages", len(msgs))
	}

	// Already-omitted rows do not count again.
	n, err = store.MarkToolResultsOmitted(ctx, threadID, []string{"call_1"})
	if err != nil {
		t.Fatalf("MarkToolResultsOmitted() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected repeat to mark 0 rows, got %d", n)
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
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "call_1" {
		t.Fatalf("expected only call_1 declared, got %+v", msgs[0].ToolCalls)
	}

	// Empty id lists skip the database entirely.
	if n, err := store.MarkToolResultsOmitted(ctx, threadID, nil); err != nil || n != 0 {
		t.Fatalf("expected no-op for empty ids, got n=%d err=%v", n, err)
	}
	if n, err := store.RemoveToolCallsFromAssistants(ctx, threadID, nil); err != nil || n != 0 {
		t.Fatalf("expected no-op for empty ids, got n=%d err=%v", n, err)
	}
}

func TestSQLiteStoreUsageAndLatestUser(t *testing.T) {
	store := newSQLiteStore(t)
	threadID := newThread(t, store)
	ctx := context.Background()

	usage, err := store.GetLastUsageRecord(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLastUsageRecord() error = %v", err)
	}
	if usage != nil {
		t.Fatalf("expected nil usage on empty thread, got %+v", usage)
	}

	first := &models.Message{Role: models.RoleUser, Content: "question"}
	if _, err := store.Append(ctx, threadID, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	reply := &models.Message{Role: models.RoleAssistant, Content: "answer"}
	reply.SetMeta(models.MetaUsage, &models.UsageReport{PromptTokens: 250, CompletionTokens: 40, Model: "m1"})
	if _, err := store.Append(ctx, threadID, reply); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	usage, err = store.GetLastUsageRecord(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLastUsageRecord() error = %v", err)
	}
	if usage == nil || usage.PromptTokens != 250 || usage.CompletionTokens != 40 {
		t.Fatalf("expected usage 250/40, got %+v", usage)
	}

	content, err := store.GetLatestUserMessage(ctx, threadID)
	if err != nil {
		t.Fatalf("GetLatestUserMessage() error = %v", err)
	}
	if content != "question" {
		t.Fatalf("expected %q, got %q", "question", content)
	}
}

func TestSQLiteStoreCacheRebuildFlag(t *testing.T) {
	store := newSQLiteStore(t)
	threadID := newThread(t, store)
	ctx := context.Background()

	needs, err := store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		t.Fatalf("GetCacheNeedsRebuild() error = %v", err)
	}
	if needs {
		t.Fatal("expected flag to default to false")
	}

	if err := store.SetCacheNeedsRebuild(ctx, threadID, true); err != nil {
		t.Fatalf("SetCacheNeedsRebuild() error = %v", err)
	}
	needs, err = store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		t.Fatalf("GetCacheNeedsRebuild() error = %v", err)
	}
	if !needs {
		t.Fatal("expected flag to be set")
	}

	if err := store.SetCacheNeedsRebuild(ctx, "nope", true); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
	if _, err := store.GetCacheNeedsRebuild(ctx, "nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestSQLiteStoreCascadeDelete(t *testing.T) {
	store := newSQLiteStore(t)
	threadID := newThread(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if _, err := store.Append(ctx, threadID, msg); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := store.DeleteThread(ctx, threadID); err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}

	msgs, err := store.List(ctx, threadID, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected cascade to remove messages, got %d", len(msgs))
	}
}
