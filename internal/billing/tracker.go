package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	catalog "github.com/weftlabs/weft/internal/models"
	"github.com/weftlabs/weft/pkg/models"
)

// Totals accumulates token counts and spend for one grouping key.
type Totals struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	Turns               int64
	EstimatedTurns      int64
}

func (t *Totals) add(u models.UsageReport, cost float64) {
	t.PromptTokens += int64(u.PromptTokens)
	t.CompletionTokens += int64(u.CompletionTokens)
	t.CacheReadTokens += int64(u.CacheReadTokens)
	t.CacheCreationTokens += int64(u.CacheCreationTokens)
	t.CostUSD += cost
	t.Turns++
	if u.Estimated {
		t.EstimatedTurns++
	}
}

// TrackerConfig tunes the in-memory tracker.
type TrackerConfig struct {
	// MaxAge bounds how long records and dedup entries are kept.
	MaxAge time.Duration

	// MaxCount bounds the retained record list.
	MaxCount int

	// Registerer receives the billing collectors. Nil leaves them
	// unregistered, which test trackers rely on.
	Registerer prometheus.Registerer
}

// DefaultTrackerConfig returns the tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAge:   24 * time.Hour,
		MaxCount: 10000,
	}
}

// Tracker is the in-memory Sink. It prices records against the model
// catalog, deduplicates on message id, and keeps rolling per-account
// and per-model totals. Credit budgets are optional: accounts without
// one are never denied.
type Tracker struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	seen      map[string]time.Time
	records   []Record
	byAccount map[string]*Totals
	byModel   map[string]*Totals
	budgets   map[string]float64

	maxAge   time.Duration
	maxCount int
}

// NewTracker builds a tracker over the given catalog. A nil logger
// falls back to slog.Default.
func NewTracker(cat *catalog.Catalog, config TrackerConfig, logger *slog.Logger) *Tracker {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxCount <= 0 {
		config.MaxCount = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		catalog:   cat,
		logger:    logger,
		metrics:   NewMetrics(config.Registerer),
		seen:      make(map[string]time.Time),
		byAccount: make(map[string]*Totals),
		byModel:   make(map[string]*Totals),
		budgets:   make(map[string]float64),
		maxAge:    config.MaxAge,
		maxCount:  config.MaxCount,
	}
}

// Record meters one turn. Replays of a message id are dropped; records
// without a message id cannot be deduplicated and always meter.
func (t *Tracker) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	cost := t.price(rec)

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.MessageID != "" {
		if _, dup := t.seen[rec.MessageID]; dup {
			t.metrics.Duplicates.Inc()
			t.logger.Debug("duplicate usage record dropped",
				"message_id", rec.MessageID,
				"thread_id", rec.ThreadID)
			return nil
		}
		t.seen[rec.MessageID] = rec.Timestamp
	}

	t.records = append(t.records, rec)
	totalsFor(t.byAccount, rec.AccountID).add(rec.Usage, cost)
	totalsFor(t.byModel, rec.Model).add(rec.Usage, cost)
	t.prune(rec.Timestamp)

	t.observe(rec, cost)
	return nil
}

// CheckCredits denies accounts that have spent past their budget.
// Accounts without a budget are always funded.
func (t *Tracker) CheckCredits(ctx context.Context, accountID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	budget, ok := t.budgets[accountID]
	if !ok {
		return nil
	}
	if tt := t.byAccount[accountID]; tt != nil && tt.CostUSD >= budget {
		t.metrics.CreditDenials.Inc()
		return fmt.Errorf("account %s spent $%.4f of $%.4f: %w",
			accountID, tt.CostUSD, budget, ErrInsufficientCredits)
	}
	return nil
}

// SetBudget grants an account a spend ceiling in USD. A zero or
// negative budget removes the ceiling.
func (t *Tracker) SetBudget(accountID string, usd float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if usd <= 0 {
		delete(t.budgets, accountID)
		return
	}
	t.budgets[accountID] = usd
}

// AccountTotals returns a copy of the running totals for an account.
func (t *Tracker) AccountTotals(accountID string) Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tt := t.byAccount[accountID]; tt != nil {
		return *tt
	}
	return Totals{}
}

// ModelTotals returns a copy of the running totals for a model.
func (t *Tracker) ModelTotals(model string) Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tt := t.byModel[model]; tt != nil {
		return *tt
	}
	return Totals{}
}

// Recent returns up to limit records, oldest first. A non-positive
// limit returns everything retained.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	start := len(t.records) - limit
	out := make([]Record, limit)
	copy(out, t.records[start:])
	return out
}

// Summary returns per-account totals keyed by account id.
func (t *Tracker) Summary() map[string]Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Totals, len(t.byAccount))
	for account, tt := range t.byAccount {
		out[account] = *tt
	}
	return out
}

func (t *Tracker) price(rec Record) float64 {
	if t.catalog == nil {
		return 0
	}
	m, ok := t.catalog.Get(rec.Model)
	if !ok {
		t.logger.Warn("no pricing for model, recording tokens only",
			"model", rec.Model)
		return 0
	}
	u := rec.Usage
	return m.Pricing().Cost(u.PromptTokens, u.CompletionTokens, u.CacheReadTokens, u.CacheCreationTokens)
}

func totalsFor(m map[string]*Totals, key string) *Totals {
	tt := m[key]
	if tt == nil {
		tt = &Totals{}
		m[key] = tt
	}
	return tt
}

// prune drops records and dedup entries older than maxAge, and trims
// the record list to maxCount. Totals are rolling and never pruned.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.maxAge)

	start := 0
	for i, r := range t.records {
		if r.Timestamp.After(cutoff) {
			start = i
			break
		}
		start = i + 1
	}
	if start > 0 {
		t.records = t.records[start:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}

	for id, ts := range t.seen {
		if !ts.After(cutoff) {
			delete(t.seen, id)
		}
	}
}

func (t *Tracker) observe(rec Record, cost float64) {
	estimated := "false"
	if rec.Usage.Estimated {
		estimated = "true"
	}
	t.metrics.Turns.WithLabelValues(rec.Model, estimated).Inc()

	u := rec.Usage
	if u.PromptTokens > 0 {
		t.metrics.Tokens.WithLabelValues(rec.Model, "prompt").Add(float64(u.PromptTokens))
	}
	if u.CompletionTokens > 0 {
		t.metrics.Tokens.WithLabelValues(rec.Model, "completion").Add(float64(u.CompletionTokens))
	}
	if u.CacheReadTokens > 0 {
		t.metrics.Tokens.WithLabelValues(rec.Model, "cache_read").Add(float64(u.CacheReadTokens))
	}
	if u.CacheCreationTokens > 0 {
		t.metrics.Tokens.WithLabelValues(rec.Model, "cache_write").Add(float64(u.CacheCreationTokens))
	}
	if cost > 0 {
		t.metrics.Cost.WithLabelValues(rec.Model).Add(cost)
	}
}
