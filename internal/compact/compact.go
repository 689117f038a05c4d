// Package compact shrinks thread histories to fit a model's usable
// context window.
//
// Compression is tiered: cheap content rewrites first (old tool outputs,
// then old user and assistant text), whole-group omission last. Every
// rewrite is deterministic, because the prompt cache keys on byte-stable
// history; summarizing through an LLM is ruled out for that reason.
// Groups are never split, so tool-call pairing survives every tier, and
// the output is re-validated anyway.
package compact

import (
	"context"
	"fmt"
	"log/slog"

	catalog "github.com/weftlabs/weft/internal/models"
	"github.com/weftlabs/weft/internal/pairing"
	"github.com/weftlabs/weft/internal/tokens"
	"github.com/weftlabs/weft/pkg/models"
)

// defaultTargetRatio is the hysteresis target: compression runs only
// when the prompt exceeds the usable limit, but then drives it down to
// this fraction of the limit so marginal turns do not recompress every
// time.
const defaultTargetRatio = 0.6

// summaryHeadChars is how much of a compressed tool result's original
// content the summary retains.
const summaryHeadChars = 150

// truncSlack is the minimum saving that justifies a truncation marker.
// It also keeps repeated passes stable: a message already cut to the
// limit plus its marker is within slack and stays untouched.
const truncSlack = 100

// Limits carries the compression tuning knobs.
type Limits struct {
	// KeepToolResults is how many of the most recent tool results stay
	// uncompressed.
	KeepToolResults int `yaml:"keep_tool_results"`
	// KeepUserMessages is how many of the most recent user messages
	// stay untruncated.
	KeepUserMessages int `yaml:"keep_user_messages"`
	// KeepAssistantMessages is the assistant-side recency window.
	KeepAssistantMessages int `yaml:"keep_assistant_messages"`
	// TruncateChars is the retained prefix length for old messages.
	TruncateChars int `yaml:"truncate_chars"`
	// AggressiveChars replaces TruncateChars on the second pass.
	AggressiveChars int `yaml:"aggressive_chars"`
	// MinGroupsToKeep is the floor below which group omission stops.
	MinGroupsToKeep int `yaml:"min_groups_to_keep"`
	// MaxGroups caps the group count regardless of token budget.
	MaxGroups int `yaml:"max_groups"`
	// TargetRatio is the hysteresis target as a fraction of the usable
	// limit. Zero means the default.
	TargetRatio float64 `yaml:"target_ratio"`
}

// DefaultLimits returns the standard tuning.
func DefaultLimits() Limits {
	return Limits{
		KeepToolResults:       5,
		KeepUserMessages:      10,
		KeepAssistantMessages: 10,
		TruncateChars:         3000,
		AggressiveChars:       1000,
		MinGroupsToKeep:       5,
		MaxGroups:             320,
		TargetRatio:           defaultTargetRatio,
	}
}

// Counter counts prompt tokens. Satisfied by the token accountant.
type Counter interface {
	Count(ctx context.Context, model *catalog.Model, msgs []*models.Message, system string) (int, error)
}

// Result reports what one Compress call did.
type Result struct {
	Compressed      bool
	TokensBefore    int
	TokensAfter     int
	ToolsSummarized int
	Truncated       int
	GroupsOmitted   int
	// PairingRepaired is set when the post-compression validation had
	// to fix something. The tiers preserve pairing by construction, so
	// a set flag means the input was already broken.
	PairingRepaired bool
}

// Compressor applies the tiered strategy with recount between tiers.
type Compressor struct {
	counter Counter
	est     *tokens.Estimator
	limits  Limits
	logger  *slog.Logger
}

// New returns a compressor using counter for authoritative counts.
func New(counter Counter, limits Limits, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MinGroupsToKeep <= 0 {
		limits.MinGroupsToKeep = DefaultLimits().MinGroupsToKeep
	}
	if limits.MaxGroups <= 0 {
		limits.MaxGroups = DefaultLimits().MaxGroups
	}
	if limits.TargetRatio <= 0 || limits.TargetRatio >= 1 {
		limits.TargetRatio = defaultTargetRatio
	}
	return &Compressor{
		counter: counter,
		est:     tokens.NewEstimator(),
		limits:  limits,
		logger:  logger,
	}
}

// Compress returns a history fitting the model's usable context. The
// input is never mutated; when nothing needs doing the input slice is
// returned as is. actualTotal, when positive, is trusted as the current
// token total (the provider reported it last turn) and saves the
// initial count.
func (c *Compressor) Compress(ctx context.Context, model *catalog.Model, msgs []*models.Message, system string, actualTotal int) ([]*models.Message, Result, error) {
	maxTokens := model.EffectiveContextLimit()
	target := int(float64(maxTokens) * c.limits.TargetRatio)

	var res Result
	total := actualTotal
	if total <= 0 {
		var err error
		total, err = c.counter.Count(ctx, model, msgs, system)
		if err != nil {
			return nil, res, fmt.Errorf("compact: initial count: %w", err)
		}
	}
	res.TokensBefore = total
	res.TokensAfter = total

	overBudget := total > maxTokens
	capExceeded := len(models.GroupMessages(msgs)) > c.limits.MaxGroups
	if !overBudget && !capExceeded {
		return msgs, res, nil
	}

	work := models.CloneMessages(msgs)

	recount := func() error {
		n, err := c.counter.Count(ctx, model, work, system)
		if err != nil {
			return err
		}
		total = n
		res.TokensAfter = n
		return nil
	}

	type tier struct {
		name  string
		apply func() int
	}
	tiers := []tier{
		{"tool-results", func() int {
			n := c.summarizeToolResults(work, c.limits.KeepToolResults)
			res.ToolsSummarized += n
			return n
		}},
		{"user-truncate", func() int {
			n := c.truncateByRole(work, models.RoleUser, c.limits.KeepUserMessages, c.limits.TruncateChars)
			res.Truncated += n
			return n
		}},
		{"assistant-truncate", func() int {
			n := c.truncateByRole(work, models.RoleAssistant, c.limits.KeepAssistantMessages, c.limits.TruncateChars)
			res.Truncated += n
			return n
		}},
		{"aggressive", func() int {
			s := c.summarizeToolResults(work, halve(c.limits.KeepToolResults))
			res.ToolsSummarized += s
			n := c.truncateByRole(work, models.RoleUser, halve(c.limits.KeepUserMessages), c.limits.AggressiveChars)
			n += c.truncateByRole(work, models.RoleAssistant, halve(c.limits.KeepAssistantMessages), c.limits.AggressiveChars)
			res.Truncated += n
			return s + n
		}},
	}

	if overBudget {
		for _, t := range tiers {
			if t.apply() == 0 {
				continue
			}
			if err := recount(); err != nil {
				return nil, res, fmt.Errorf("compact: recount after %s: %w", t.name, err)
			}
			if total <= target {
				break
			}
		}
	}

	groups := models.GroupMessages(work)

	if overBudget && total > target && len(groups) > c.limits.MinGroupsToKeep {
		before := len(groups)
		var err error
		groups, err = c.omitMiddleGroups(ctx, model, groups, system, &total, target)
		if err != nil {
			return nil, res, err
		}
		res.GroupsOmitted += before - len(groups)
		work = models.FlattenGroups(groups)
		res.TokensAfter = total
	}

	if len(groups) > c.limits.MaxGroups {
		head := c.limits.MaxGroups / 2
		tail := c.limits.MaxGroups - head
		res.GroupsOmitted += len(groups) - c.limits.MaxGroups
		kept := make([]*models.MessageGroup, 0, c.limits.MaxGroups)
		kept = append(kept, groups[:head]...)
		kept = append(kept, groups[len(groups)-tail:]...)
		groups = kept
		work = models.FlattenGroups(groups)
		if err := recount(); err != nil {
			return nil, res, fmt.Errorf("compact: recount after group cap: %w", err)
		}
	}

	repaired, rep := pairing.Repair(work)
	if !rep.Clean() {
		res.PairingRepaired = true
		c.logger.Warn("compression output needed pairing repair",
			"orphaned", len(rep.OrphanedResults),
			"unanswered", len(rep.UnansweredCalls),
			"out_of_order", len(rep.OutOfOrder))
		work = repaired
	}

	if total > maxTokens {
		c.logger.Warn("history still over budget after all tiers",
			"model", model.ID,
			"tokens", total,
			"max_tokens", maxTokens)
	}

	res.Compressed = res.ToolsSummarized > 0 || res.Truncated > 0 ||
		res.GroupsOmitted > 0 || res.PairingRepaired
	if !res.Compressed {
		// Every tier declined to act. Hand back the original slice so
		// callers can rely on identity for change detection.
		return msgs, res, nil
	}
	return work, res, nil
}

// summarizeToolResults replaces the content of tool results older than
// the keep window with a short deterministic summary naming the original
// message. Pairing fields stay intact.
func (c *Compressor) summarizeToolResults(msgs []*models.Message, keep int) int {
	changed := 0
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !m.IsToolResult() {
			continue
		}
		seen++
		if seen <= keep || m.IsCompressed() {
			continue
		}
		head, omitted := truncateRunes(m.Content, summaryHeadChars)
		if omitted <= truncSlack {
			// Short results cost less than the marker would.
			continue
		}
		clone := m.Clone()
		clone.Content = fmt.Sprintf("%s\n[tool result compressed: %d chars omitted; message_id=%s]", head, omitted, m.ID)
		clone.SetMeta(models.MetaCompressed, true)
		msgs[i] = clone
		changed++
	}
	return changed
}

// truncateByRole truncates messages of the role older than the keep
// window down to maxChars, appending a marker naming the original. Tool
// results are not touched here and assistants keep their tool calls.
func (c *Compressor) truncateByRole(msgs []*models.Message, role models.Role, keep, maxChars int) int {
	changed := 0
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != role || m.IsToolResult() {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		head, omitted := truncateRunes(m.Content, maxChars)
		if omitted <= truncSlack {
			continue
		}
		clone := m.Clone()
		clone.Content = fmt.Sprintf("%s\n[truncated: %d chars omitted; message_id=%s]", head, omitted, m.ID)
		clone.SetMeta(models.MetaCompressed, true)
		msgs[i] = clone
		changed++
	}
	return changed
}

// omitMiddleGroups removes groups middle-first until the target is met
// or the floor is reached. Removals are projected with the local
// estimator scaled to the last authoritative count, then confirmed with
// a real recount, so a provider counting endpoint is hit once per batch
// rather than once per group.
func (c *Compressor) omitMiddleGroups(ctx context.Context, model *catalog.Model, groups []*models.MessageGroup, system string, total *int, target int) ([]*models.MessageGroup, error) {
	for *total > target && len(groups) > c.limits.MinGroupsToKeep {
		local := c.localCount(model, groups, system)
		scale := 1.0
		if local > 0 {
			scale = float64(*total) / float64(local)
		}

		removedAny := false
		for len(groups) > c.limits.MinGroupsToKeep {
			mid := len(groups) / 2
			groups = append(groups[:mid:mid], groups[mid+1:]...)
			removedAny = true
			projected := float64(c.localCount(model, groups, system)) * scale
			if int(projected) <= target {
				break
			}
		}
		if !removedAny {
			break
		}

		n, err := c.counter.Count(ctx, model, models.FlattenGroups(groups), system)
		if err != nil {
			return nil, fmt.Errorf("compact: recount after group omission: %w", err)
		}
		*total = n
	}
	return groups, nil
}

func (c *Compressor) localCount(model *catalog.Model, groups []*models.MessageGroup, system string) int {
	return c.est.CountMessages(model.Encoding, models.FlattenGroups(groups), system)
}

// truncateRunes keeps the first max runes and reports how many were cut.
func truncateRunes(s string, max int) (string, int) {
	if max <= 0 {
		return "", len([]rune(s))
	}
	r := []rune(s)
	if len(r) <= max {
		return s, 0
	}
	return string(r[:max]), len(r) - max
}

func halve(n int) int {
	h := n / 2
	if h < 1 {
		return 1
	}
	return h
}
