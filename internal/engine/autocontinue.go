package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/internal/backoff"
	"github.com/weftlabs/weft/internal/billing"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/observability"
	"github.com/weftlabs/weft/pkg/models"
)

// loopAction is the controller's verdict between iterations.
type loopAction int

const (
	// actionContinue starts the next iteration.
	actionContinue loopAction = iota
	// actionRetry re-runs the current iteration after a recoverable
	// transport failure.
	actionRetry
	// actionStop ends the turn normally.
	actionStop
	// actionFail ends the turn with an error.
	actionFail
)

// autoContinue bounds the run loop and owns the between-iteration
// decisions: the finish-reason table, the credit re-check, and the
// recovery ladder for transport failures. Each recovery path keeps its
// own counter against MaxErrorRetries.
type autoContinue struct {
	cfg     Config
	billing billing.Sink
	logger  *observability.Logger
	metrics *observability.Metrics

	iteration int

	pairingRetries   int
	overloadRetries  int
	transientRetries int

	// stripTools makes the next prompt build drop tool content, the
	// emergency answer to providers rejecting the structure.
	stripTools bool
	// useFallback routes the next request through the model's fallback
	// transport.
	useFallback bool
}

func newAutoContinue(cfg Config, sink billing.Sink, logger *observability.Logger, metrics *observability.Metrics) *autoContinue {
	if sink == nil {
		sink = billing.NopSink{}
	}
	return &autoContinue{cfg: cfg, billing: sink, logger: logger, metrics: metrics}
}

// begin gates the next iteration: the iteration cap first, then the
// account's credit standing. A nil return means the iteration may run.
func (ac *autoContinue) begin(ctx context.Context, accountID string) error {
	if ac.iteration >= ac.cfg.MaxIterations {
		return ErrMaxIterations
	}
	if err := ac.billing.CheckCredits(ctx, accountID); err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			return ErrInsufficientCredits
		}
		// The check itself failed; the turn proceeds rather than
		// blocking on a billing outage.
		ac.logger.Warn(ctx, "credit check failed", "error", err)
	}
	return nil
}

// advance consumes one iteration.
func (ac *autoContinue) advance() { ac.iteration++ }

// afterFinish applies the finish-reason table. tool_calls and length
// continue; everything else ends the turn.
func (ac *autoContinue) afterFinish(finish models.FinishReason) loopAction {
	switch finish {
	case models.FinishToolCalls, models.FinishLength:
		return actionContinue
	default:
		return actionStop
	}
}

// afterStreamError classifies a transport failure and picks the
// recovery: repair-and-replay for pairing rejections, fallback reroute
// for overload, backoff for transients. Every path is capped; crossing
// a cap fails the turn with the exhausted counter's error.
func (ac *autoContinue) afterStreamError(ctx context.Context, err error) (loopAction, error) {
	class := llm.Classify(err)
	ac.metrics.RecordError("engine", string(class))

	switch {
	case class == llm.ClassCanceled:
		return actionFail, ErrRunCanceled

	case class.RepairHistory():
		ac.pairingRetries++
		if ac.pairingRetries > ac.cfg.MaxErrorRetries {
			return actionFail, fmt.Errorf("tool pairing recovery: %w after %d attempts: %w", ErrRetriesExhausted, ac.cfg.MaxErrorRetries, err)
		}
		ac.stripTools = true
		ac.logger.Warn(ctx, "provider rejected tool structure, stripping tool content",
			"attempt", ac.pairingRetries, "error", err)
		return actionRetry, nil

	case class.UseFallbackTransport():
		ac.overloadRetries++
		if ac.overloadRetries > ac.cfg.MaxErrorRetries {
			return actionFail, fmt.Errorf("overload reroute: %w after %d attempts: %w", ErrRetriesExhausted, ac.cfg.MaxErrorRetries, err)
		}
		ac.useFallback = true
		ac.logger.Warn(ctx, "provider overloaded, rerouting to fallback transport",
			"attempt", ac.overloadRetries, "error", err)
		if err := backoff.Sleep(ctx, ac.cfg.OverloadBackoff.Delay(ac.overloadRetries)); err != nil {
			return actionFail, ErrRunCanceled
		}
		return actionRetry, nil

	case class.Retryable():
		ac.transientRetries++
		if ac.transientRetries > ac.cfg.MaxErrorRetries {
			return actionFail, fmt.Errorf("transient failure: %w after %d attempts: %w", ErrRetriesExhausted, ac.cfg.MaxErrorRetries, err)
		}
		ac.logger.Warn(ctx, "transient transport failure, backing off",
			"attempt", ac.transientRetries, "error", err)
		if err := backoff.Sleep(ctx, ac.cfg.TransientBackoff.Delay(ac.transientRetries)); err != nil {
			return actionFail, ErrRunCanceled
		}
		return actionRetry, nil

	default:
		return actionFail, err
	}
}

// consumeStrip reports whether the next prompt build must strip tool
// content, resetting the flag. The strip applies to one build; a clean
// response afterwards resumes normal prompts.
func (ac *autoContinue) consumeStrip() bool {
	s := ac.stripTools
	ac.stripTools = false
	return s
}

// capNotice renders the synthetic content line emitted when a cap ends
// the turn, so callers can surface why the run stopped mid-thought.
func capNotice(err error) string {
	switch {
	case errors.Is(err, ErrMaxIterations):
		return "\n[run stopped: iteration limit reached]"
	case errors.Is(err, ErrInsufficientCredits):
		return "\n[run stopped: insufficient credits]"
	case errors.Is(err, ErrRetriesExhausted):
		return "\n[run stopped: error retries exhausted]"
	default:
		return ""
	}
}
