// Package hints caches per-thread facts that sit on the hot run path
// but are expensive to recompute, backed by redis with an in-process
// layer in front. The one hint today is whether a thread's history
// contains image attachments, which drives the run-scoped switch to a
// vision-capable model.
package hints

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scanner recomputes a hint from the message store on a cache miss.
type Scanner func(ctx context.Context, threadID string) (bool, error)

// Config controls hint lifetimes and cache sizing.
type Config struct {
	// TrueTTL is how long a positive has-images hint lives. History is
	// append-only and attachments are never removed, so a positive hint
	// only goes stale when the thread itself is deleted.
	TrueTTL time.Duration

	// FalseTTL is how long a negative hint lives. The very next message
	// can carry an image, so negative hints stay short.
	FalseTTL time.Duration

	// KeyPrefix namespaces redis keys.
	KeyPrefix string

	// MaxLocal bounds the in-process layer.
	MaxLocal int
}

// DefaultConfig returns the standard hint lifetimes.
func DefaultConfig() Config {
	return Config{
		TrueTTL:   24 * time.Hour,
		FalseTTL:  2 * time.Minute,
		KeyPrefix: "weft:hints",
		MaxLocal:  4096,
	}
}

type entry struct {
	value   bool
	expires time.Time
}

// Cache answers hint lookups from a local map first, then redis, then
// a store scan. Both cache layers are best-effort: a redis outage
// degrades to scanning, never to a failed run.
type Cache struct {
	rdb    redisClient
	scan   Scanner
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]entry
}

// NewCache builds a hint cache. rdb may be nil, which leaves the cache
// purely in-process. scan may be nil when no store is wired, in which
// case misses report false.
func NewCache(rdb redisClient, scan Scanner, config Config, logger *slog.Logger) *Cache {
	def := DefaultConfig()
	if config.TrueTTL <= 0 {
		config.TrueTTL = def.TrueTTL
	}
	if config.FalseTTL <= 0 {
		config.FalseTTL = def.FalseTTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.MaxLocal <= 0 {
		config.MaxLocal = def.MaxLocal
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		rdb:    rdb,
		scan:   scan,
		config: config,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]entry),
	}
}

// HasImages reports whether the thread's history holds at least one
// image attachment. Lookup order is local map, redis, store scan; both
// cache layers are refreshed on the way out. Scan errors propagate and
// nothing is cached for them.
func (c *Cache) HasImages(ctx context.Context, threadID string) (bool, error) {
	if v, ok := c.localGet(threadID); ok {
		return v, nil
	}

	if c.rdb != nil {
		v, ok, err := c.redisGet(ctx, imagesKey(c.config.KeyPrefix, threadID))
		if err != nil {
			c.logger.Warn("hint lookup failed, falling back to scan",
				"thread_id", threadID, "error", err)
		} else if ok {
			c.localSet(threadID, v)
			return v, nil
		}
	}

	if c.scan == nil {
		return false, nil
	}
	v, err := c.scan(ctx, threadID)
	if err != nil {
		return false, err
	}
	c.store(ctx, threadID, v)
	return v, nil
}

// SetHasImages records the hint directly. The engine calls this when a
// message with an image attachment lands on a thread, which is cheaper
// than invalidating and rescanning.
func (c *Cache) SetHasImages(ctx context.Context, threadID string, v bool) {
	c.store(ctx, threadID, v)
}

// Invalidate drops the thread's hint from both layers. Used when a
// thread is deleted or its history is rewritten.
func (c *Cache) Invalidate(ctx context.Context, threadID string) {
	c.mu.Lock()
	delete(c.local, threadID)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.redisDel(ctx, imagesKey(c.config.KeyPrefix, threadID)); err != nil {
		c.logger.Warn("hint invalidation failed",
			"thread_id", threadID, "error", err)
	}
}

// ttlFor picks the lifetime for a hint value. Positive hints are
// stable on an append-only log; negative ones are not.
func (c *Cache) ttlFor(v bool) time.Duration {
	if v {
		return c.config.TrueTTL
	}
	return c.config.FalseTTL
}

func (c *Cache) store(ctx context.Context, threadID string, v bool) {
	c.localSet(threadID, v)

	if c.rdb == nil {
		return
	}
	if err := c.redisSet(ctx, imagesKey(c.config.KeyPrefix, threadID), v, c.ttlFor(v)); err != nil {
		c.logger.Warn("hint write failed",
			"thread_id", threadID, "error", err)
	}
}

func (c *Cache) localGet(threadID string) (bool, bool) {
	c.mu.RLock()
	e, ok := c.local[threadID]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return false, false
	}
	return e.value, true
}

func (c *Cache) localSet(threadID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= c.config.MaxLocal {
		c.prune()
	}
	c.local[threadID] = entry{value: v, expires: c.now().Add(c.ttlFor(v))}
}

// prune drops expired entries, then evicts the soonest-expiring until
// the map fits. Caller holds mu.
func (c *Cache) prune() {
	now := c.now()
	for id, e := range c.local {
		if now.After(e.expires) {
			delete(c.local, id)
		}
	}
	for len(c.local) >= c.config.MaxLocal {
		var (
			victim   string
			earliest time.Time
		)
		for id, e := range c.local {
			if victim == "" || e.expires.Before(earliest) {
				victim = id
				earliest = e.expires
			}
		}
		if victim == "" {
			return
		}
		delete(c.local, victim)
	}
}

// Len reports the in-process layer's size.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}
