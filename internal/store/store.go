// Package store persists threads and their append-only message logs.
//
// Three implementations share one interface: MemoryStore for tests and
// local runs, PostgresStore and SQLiteStore for durable deployments.
// CachedStore wraps any of them with a per-thread read cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/pkg/models"
)

// ErrThreadNotFound is returned for operations against a thread id that
// was never created or has been deleted.
var ErrThreadNotFound = errors.New("thread not found")

// lightweightLimit bounds the recent window returned by lightweight
// listing. Lightweight reads back warm-start display only; prompt
// construction always uses the full listing.
const lightweightLimit = 50

// defaultPageSize is used when ListPaginated gets a non-positive batch.
const defaultPageSize = 100

// Store is the persistence interface consumed by the engine. Messages
// are write-once and strictly ordered by insertion; the store is the
// single source of truth for order. The two repair operations and the
// omitted flag are the only mutations ever applied to a persisted row.
type Store interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// DeleteThread removes a thread and cascades to its messages.
	DeleteThread(ctx context.Context, id string) error

	// Append writes a message to the thread log and returns its id,
	// generating one when the message has none.
	Append(ctx context.Context, threadID string, msg *models.Message) (string, error)
	// List returns the thread history in insertion order, skipping rows
	// a repair marked omitted. Lightweight mode returns a bounded recent
	// window for warm-start display.
	List(ctx context.Context, threadID string, lightweight bool) ([]*models.Message, error)
	// ListPaginated returns one batch of history starting at offset, for
	// walking very long threads.
	ListPaginated(ctx context.Context, threadID string, offset, batchSize int) ([]*models.Message, error)
	// GetLastUsageRecord returns the usage report of the newest message
	// carrying one, or nil when the thread has none.
	GetLastUsageRecord(ctx context.Context, threadID string) (*models.UsageReport, error)
	// GetLatestUserMessage returns the content of the newest user
	// message, or "" when the thread has none.
	GetLatestUserMessage(ctx context.Context, threadID string) (string, error)

	// MarkToolResultsOmitted flags tool results answering the given call
	// ids so later listings skip them. Returns the number of rows marked.
	MarkToolResultsOmitted(ctx context.Context, threadID string, ids []string) (int, error)
	// RemoveToolCallsFromAssistants strips the given call ids from
	// assistant declarations. Returns the number of calls removed.
	RemoveToolCallsFromAssistants(ctx context.Context, threadID string, ids []string) (int, error)

	// SetCacheNeedsRebuild flags that prompt cache marker positions must
	// be recomputed before the next prompt build.
	SetCacheNeedsRebuild(ctx context.Context, threadID string, needs bool) error
	GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error)

	// InvalidateCache drops any in-process cached history for the
	// thread. A no-op for stores without a read cache.
	InvalidateCache(threadID string)
}

// usageFromMeta extracts a usage report stored under the usage metadata
// key. The value is a live struct when set in process and a decoded JSON
// map after a round-trip through a durable store; both forms decode.
func usageFromMeta(meta map[string]any) *models.UsageReport {
	v, ok := meta[models.MetaUsage]
	if !ok || v == nil {
		return nil
	}
	switch u := v.(type) {
	case *models.UsageReport:
		c := *u
		return &c
	case models.UsageReport:
		c := u
		return &c
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var r models.UsageReport
		if err := json.Unmarshal(b, &r); err != nil || r.IsZero() {
			return nil
		}
		return &r
	}
}

// stripCalls returns calls without the dropped ids and how many were
// removed. The input slice is not modified.
func stripCalls(calls []models.ToolCall, drop map[string]bool) ([]models.ToolCall, int) {
	removed := 0
	kept := make([]models.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if drop[tc.ID] {
			removed++
			continue
		}
		kept = append(kept, tc)
	}
	if removed == 0 {
		return calls, 0
	}
	if len(kept) == 0 {
		return nil, removed
	}
	return kept, removed
}

// unmarshalMessageJSON fills a scanned message's structured columns.
// Durable stores persist empty slices and maps as JSON null.
func unmarshalMessageJSON(msg *models.Message, toolCalls, attachments, metadata []byte) error {
	if len(toolCalls) > 0 && string(toolCalls) != "null" {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	if len(attachments) > 0 && string(attachments) != "null" {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return nil
}
