package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/pkg/models"
)

// maxMessagesPerThread limits messages held per thread to prevent
// unbounded memory growth. When exceeded, the oldest rows are trimmed.
const maxMessagesPerThread = 10000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	rebuild  map[string]bool
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		rebuild:  map[string]bool{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneThread(thread)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	// Reflect generated fields back to the caller.
	thread.ID = clone.ID
	thread.CreatedAt = clone.CreatedAt
	thread.UpdatedAt = clone.UpdatedAt
	m.threads[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(thread), nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[id]; !ok {
		return ErrThreadNotFound
	}
	delete(m.threads, id)
	delete(m.messages, id)
	delete(m.rebuild, id)
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, threadID string, msg *models.Message) (string, error) {
	if msg == nil {
		return "", errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[threadID]
	if !ok {
		return "", ErrThreadNotFound
	}
	clone := msg.Clone()
	clone.ThreadID = threadID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	// Reflect generated fields back to the caller.
	msg.ID = clone.ID
	msg.ThreadID = clone.ThreadID
	msg.CreatedAt = clone.CreatedAt

	m.messages[threadID] = append(m.messages[threadID], clone)
	if len(m.messages[threadID]) > maxMessagesPerThread {
		excess := len(m.messages[threadID]) - maxMessagesPerThread
		m.messages[threadID] = m.messages[threadID][excess:]
	}
	thread.UpdatedAt = time.Now()
	return clone.ID, nil
}

func (m *MemoryStore) List(ctx context.Context, threadID string, lightweight bool) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.visibleLocked(threadID)
	if lightweight && len(out) > lightweightLimit {
		out = out[len(out)-lightweightLimit:]
	}
	return out, nil
}

func (m *MemoryStore) ListPaginated(ctx context.Context, threadID string, offset, batchSize int) ([]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.visibleLocked(threadID)
	if offset >= len(all) {
		return []*models.Message{}, nil
	}
	end := offset + batchSize
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// visibleLocked clones the non-omitted history in insertion order. The
// caller holds at least a read lock.
func (m *MemoryStore) visibleLocked(threadID string) []*models.Message {
	msgs := m.messages[threadID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Omitted {
			continue
		}
		out = append(out, msg.Clone())
	}
	return out
}

func (m *MemoryStore) GetLastUsageRecord(ctx context.Context, threadID string) (*models.UsageReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Metadata == nil {
			continue
		}
		if usage := usageFromMeta(msgs[i].Metadata); usage != nil {
			return usage, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetLatestUserMessage(ctx context.Context, threadID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser && !msgs[i].Omitted {
			return msgs[i].Content, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) MarkToolResultsOmitted(ctx context.Context, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	marked := 0
	for _, msg := range m.messages[threadID] {
		if msg.Role != models.RoleTool || msg.Omitted || !drop[msg.ToolCallID] {
			continue
		}
		msg.Omitted = true
		marked++
	}
	return marked, nil
}

func (m *MemoryStore) RemoveToolCallsFromAssistants(ctx context.Context, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, msg := range m.messages[threadID] {
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		kept, n := stripCalls(msg.ToolCalls, drop)
		if n == 0 {
			continue
		}
		msg.ToolCalls = kept
		removed += n
	}
	return removed, nil
}

func (m *MemoryStore) SetCacheNeedsRebuild(ctx context.Context, threadID string, needs bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	if needs {
		m.rebuild[threadID] = true
	} else {
		delete(m.rebuild, threadID)
	}
	return nil
}

func (m *MemoryStore) GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return false, ErrThreadNotFound
	}
	return m.rebuild[threadID], nil
}

// InvalidateCache is a no-op: the in-memory store has no separate read
// cache to drop.
func (m *MemoryStore) InvalidateCache(threadID string) {}

func cloneThread(thread *models.Thread) *models.Thread {
	if thread == nil {
		return nil
	}
	clone := *thread
	if thread.Metadata != nil {
		clone.Metadata = make(map[string]any, len(thread.Metadata))
		for k, v := range thread.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
