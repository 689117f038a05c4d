package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/weftlabs/weft/pkg/models"
)

// CachedStore wraps another Store with a per-thread in-process copy of
// the full history. Reads that hit the cache skip the backing store
// entirely; every write path invalidates the thread's entry so the next
// read repopulates from durable state.
//
// While a thread's cache_needs_rebuild flag is set the cache is not
// consulted for full listings. The flag marks histories whose prompt
// cache markers are stale relative to a recent mutation, and serving a
// possibly stale in-process copy there would re-pin the old markers.
// Reads still pass through to the backing store and refresh the entry,
// so clearing the flag leaves a warm cache behind.
type CachedStore struct {
	Store

	logger *slog.Logger

	mu      sync.RWMutex
	history map[string][]*models.Message
}

// NewCachedStore wraps inner with an in-process history cache.
func NewCachedStore(inner Store, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:   inner,
		logger:  logger,
		history: make(map[string][]*models.Message),
	}
}

func (s *CachedStore) Append(ctx context.Context, threadID string, msg *models.Message) (string, error) {
	id, err := s.Store.Append(ctx, threadID, msg)
	if err != nil {
		return "", err
	}
	s.InvalidateCache(threadID)
	return id, nil
}

func (s *CachedStore) List(ctx context.Context, threadID string, lightweight bool) ([]*models.Message, error) {
	if lightweight {
		if cached, ok := s.cachedHistory(threadID); ok {
			if len(cached) > lightweightLimit {
				cached = cached[len(cached)-lightweightLimit:]
			}
			return cached, nil
		}
		return s.Store.List(ctx, threadID, true)
	}

	needsRebuild, err := s.Store.GetCacheNeedsRebuild(ctx, threadID)
	if err != nil {
		// Fail toward the backing store rather than a possibly stale copy.
		s.logger.Warn("cache rebuild check failed, bypassing cache",
			"thread_id", threadID,
			"error", err)
		needsRebuild = true
	}

	if !needsRebuild {
		if cached, ok := s.cachedHistory(threadID); ok {
			return cached, nil
		}
	}

	msgs, err := s.Store.List(ctx, threadID, false)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.history[threadID] = models.CloneMessages(msgs)
	s.mu.Unlock()

	return msgs, nil
}

func (s *CachedStore) MarkToolResultsOmitted(ctx context.Context, threadID string, ids []string) (int, error) {
	n, err := s.Store.MarkToolResultsOmitted(ctx, threadID, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.InvalidateCache(threadID)
	}
	return n, nil
}

func (s *CachedStore) RemoveToolCallsFromAssistants(ctx context.Context, threadID string, ids []string) (int, error) {
	n, err := s.Store.RemoveToolCallsFromAssistants(ctx, threadID, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.InvalidateCache(threadID)
	}
	return n, nil
}

func (s *CachedStore) DeleteThread(ctx context.Context, id string) error {
	if err := s.Store.DeleteThread(ctx, id); err != nil {
		return err
	}
	s.InvalidateCache(id)
	return nil
}

// InvalidateCache drops the cached history for a thread.
func (s *CachedStore) InvalidateCache(threadID string) {
	s.mu.Lock()
	delete(s.history, threadID)
	s.mu.Unlock()
	s.Store.InvalidateCache(threadID)
}

// cachedHistory returns a cloned copy of the cached history. Callers
// get an independent slice they may mutate freely.
func (s *CachedStore) cachedHistory(threadID string) ([]*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.history[threadID]
	if !ok {
		return nil, false
	}
	return models.CloneMessages(msgs), true
}
