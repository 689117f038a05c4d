package tokens

import (
	"context"
	"log/slog"
	"time"

	"github.com/weftlabs/weft/internal/llm"
	catalog "github.com/weftlabs/weft/internal/models"
	"github.com/weftlabs/weft/pkg/models"
)

// defaultProviderTimeout bounds one provider counting call. A slow count
// endpoint must never stall a turn; the accountant estimates instead.
const defaultProviderTimeout = 10 * time.Second

// Config tunes the accountant.
type Config struct {
	// ProviderTimeout bounds one provider counting call. Zero means the
	// default.
	ProviderTimeout time.Duration
	// PoolSize bounds concurrent local tokenizer runs. Zero means
	// GOMAXPROCS.
	PoolSize int
}

// Accountant counts prompt tokens for a model, picking the most accurate
// tier available:
//
//  1. the transport's official counting endpoint, when the model routes
//     through a provider that has one,
//  2. a local tokenizer keyed by the descriptor's encoding,
//  3. a word heuristic, when the encoding is absent or fails to load.
//
// A provider counting failure is never fatal; it logs and drops a tier.
type Accountant struct {
	registry *llm.Registry
	est      *Estimator
	pool     *Pool
	logger   *slog.Logger
	timeout  time.Duration
}

// NewAccountant wires an accountant over the transport registry. A nil
// registry disables the provider tier, which tests use to pin behavior
// to the local tiers.
func NewAccountant(registry *llm.Registry, cfg Config, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	return &Accountant{
		registry: registry,
		est:      NewEstimator(),
		pool:     NewPool(cfg.PoolSize),
		logger:   logger,
		timeout:  cfg.ProviderTimeout,
	}
}

// Count returns the prompt token total for the messages plus system
// prompt under the model. The messages must already carry any cache
// markers that will be sent, so cache write overhead is included in
// provider counts.
func (a *Accountant) Count(ctx context.Context, model *catalog.Model, msgs []*models.Message, system string) (int, error) {
	if a.registry != nil {
		if counter, modelID, ok := a.registry.Counter(model.TransportID); ok {
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			n, err := counter.CountTokens(cctx, modelID, msgs, system)
			cancel()
			if err == nil {
				return n, nil
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			a.logger.Warn("provider token count failed, falling back to local estimate",
				"model", model.ID,
				"transport", model.TransportID,
				"error", err)
		}
	}
	var total int
	if err := a.pool.Do(ctx, func() {
		total = a.est.CountMessages(model.Encoding, msgs, system)
	}); err != nil {
		return 0, err
	}
	return total, nil
}

// CountTools approximates the prompt overhead of native tool schemas.
// Counting endpoints take messages only, so schema cost is always a
// local estimate added on top of Count.
func (a *Accountant) CountTools(model *catalog.Model, tools []llm.ToolSchema) int {
	total := 0
	for _, t := range tools {
		total += perMessageOverhead
		total += a.est.CountText(model.Encoding, t.Name)
		total += a.est.CountText(model.Encoding, t.Description)
		total += a.est.CountText(model.Encoding, string(t.Parameters))
	}
	return total
}

// Estimate builds a usage report for a turn whose provider returned no
// usage block (crash, cancellation, malformed stream). The prompt side
// goes through the regular counting tiers; the completion side is always
// locally counted because counting endpoints accept prompts only. The
// report is flagged estimated so billing can tag the charge.
func (a *Accountant) Estimate(ctx context.Context, model *catalog.Model, promptMsgs []*models.Message, system, completion string) models.UsageReport {
	prompt, err := a.Count(ctx, model, promptMsgs, system)
	if err != nil {
		// Canceled mid-count. Billing still needs a number, so finish
		// synchronously on the local tier.
		prompt = a.est.CountMessages(model.Encoding, promptMsgs, system)
	}
	return models.UsageReport{
		PromptTokens:     prompt,
		CompletionTokens: a.est.CountText(model.Encoding, completion),
		Model:            model.ID,
		Estimated:        true,
	}
}
