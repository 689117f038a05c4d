// Package pairing enforces the tool-call pairing invariants on message
// lists bound for an LLM.
//
// Three properties must hold before a prompt goes on the wire:
//
//   - completeness: every tool result refers to a call declared by an
//     earlier assistant message,
//   - answered: every declared call id is answered before the next
//     non-tool message,
//   - ordering: the results for one assistant's calls sit contiguously,
//     immediately after that assistant message.
//
// Providers hard-reject violations, so the engine validates after every
// fetch and after every compression, and repairs rather than fails.
package pairing

import (
	"sort"

	"github.com/weftlabs/weft/pkg/models"
)

// Report lists the violations found in a message list.
type Report struct {
	// OrphanedResults holds tool_call_ids of result messages that answer
	// no earlier declared call. Duplicate answers to an already-answered
	// id count as orphans.
	OrphanedResults []string
	// UnansweredCalls holds declared ids with no result before the next
	// non-tool message.
	UnansweredCalls []string
	// OutOfOrder holds ids whose call and result both exist but are not
	// contiguous; repair removes both sides together.
	OutOfOrder []string
}

// Clean reports whether the list satisfied all three properties.
func (r Report) Clean() bool {
	return len(r.OrphanedResults) == 0 && len(r.UnansweredCalls) == 0 && len(r.OutOfOrder) == 0
}

// analysis records violation positions so repair can act on messages,
// not just ids. Ids may collide across a corrupted history; positions
// cannot.
type analysis struct {
	report Report
	// orphanIdx marks tool-result message indices to drop.
	orphanIdx map[int]bool
	// dropCalls maps assistant message index to the set of call ids to
	// remove from its declaration.
	dropCalls map[int]map[string]bool
}

// Validate checks the three pairing properties and returns the report.
func Validate(msgs []*models.Message) Report {
	return analyze(msgs).report
}

// Repair returns a list satisfying the pairing properties, together with
// the report of what was fixed. Messages are cloned before modification;
// the input slice and its messages are never mutated. When the report is
// clean the input slice is returned as is.
func Repair(msgs []*models.Message) ([]*models.Message, Report) {
	a := analyze(msgs)
	if a.report.Clean() {
		return msgs, a.report
	}

	out := make([]*models.Message, 0, len(msgs))
	for i, m := range msgs {
		if a.orphanIdx[i] {
			continue
		}
		if drop := a.dropCalls[i]; len(drop) > 0 {
			clone := m.Clone()
			kept := clone.ToolCalls[:0]
			for _, tc := range clone.ToolCalls {
				if !drop[tc.ID] {
					kept = append(kept, tc)
				}
			}
			clone.ToolCalls = kept
			if len(clone.ToolCalls) == 0 && clone.Content == "" {
				// Declaration-only assistant with every call removed
				// carries nothing; providers reject empty messages.
				continue
			}
			out = append(out, clone)
			continue
		}
		out = append(out, m)
	}
	return out, a.report
}

// StripToolContent removes all tool interaction from the list: tool-role
// messages are dropped and assistants lose their tool_calls. Assistants
// left with no text are dropped too. This is the emergency fallback for
// providers that reject a history the normal repair could not fix.
func StripToolContent(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			continue
		}
		if m.HasToolCalls() {
			if m.Content == "" {
				continue
			}
			clone := m.Clone()
			clone.ToolCalls = nil
			out = append(out, clone)
			continue
		}
		out = append(out, m)
	}
	return out
}

func analyze(msgs []*models.Message) analysis {
	a := analysis{
		orphanIdx: make(map[int]bool),
		dropCalls: make(map[int]map[string]bool),
	}

	// declaredAt maps call id to the declaring assistant's index. A
	// duplicate declaration is treated as owned by its first declarer.
	declaredAt := make(map[string]int)
	for i, m := range msgs {
		for _, id := range m.DeclaredCallIDs() {
			if _, ok := declaredAt[id]; !ok {
				declaredAt[id] = i
			}
		}
	}

	answered := make(map[string]bool)
	orphans := make(map[string]bool)
	unanswered := make(map[string]bool)
	outOfOrder := make(map[string]bool)

	dropCall := func(assistantIdx int, id string) {
		if a.dropCalls[assistantIdx] == nil {
			a.dropCalls[assistantIdx] = make(map[string]bool)
		}
		a.dropCalls[assistantIdx][id] = true
	}

	for i, m := range msgs {
		if !m.HasToolCalls() {
			continue
		}

		// The contiguous answer window is the run of tool messages
		// directly after the assistant.
		window := make(map[string]int)
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == models.RoleTool; j++ {
			id := msgs[j].ToolCallID
			if _, dup := window[id]; dup {
				continue
			}
			window[id] = j
		}

		for _, id := range m.DeclaredCallIDs() {
			if declaredAt[id] != i {
				// Re-declaration of an id owned by an earlier assistant.
				// The result, if any, belongs to the first declarer;
				// this copy can never be answered.
				unanswered[id] = true
				dropCall(i, id)
				continue
			}
			if _, ok := window[id]; ok {
				answered[id] = true
				continue
			}
			// Not in the window. A result elsewhere in the list makes
			// this an ordering violation; no result at all makes it
			// unanswered. Either way the call id is removed, and an
			// out-of-place result goes with it.
			late := -1
			for k, t := range msgs {
				if t.Role == models.RoleTool && t.ToolCallID == id && !a.orphanIdx[k] {
					late = k
					break
				}
			}
			if late >= 0 {
				outOfOrder[id] = true
				a.orphanIdx[late] = true
				dropCall(i, id)
			} else {
				unanswered[id] = true
				dropCall(i, id)
			}
		}
	}

	// Results not claimed by any window are orphans: unknown id, result
	// before its call, or a duplicate answer.
	claimed := make(map[int]bool)
	for i, m := range msgs {
		if !m.HasToolCalls() {
			continue
		}
		seen := make(map[string]bool)
		for j := i + 1; j < len(msgs) && msgs[j].Role == models.RoleTool; j++ {
			id := msgs[j].ToolCallID
			if declaredAt[id] == i && !seen[id] {
				claimed[j] = true
				seen[id] = true
			}
		}
	}
	for i, m := range msgs {
		if m.Role != models.RoleTool {
			continue
		}
		if claimed[i] || a.orphanIdx[i] {
			continue
		}
		if outOfOrder[m.ToolCallID] {
			// Already removed together with its call.
			a.orphanIdx[i] = true
			continue
		}
		orphans[m.ToolCallID] = true
		a.orphanIdx[i] = true
	}

	a.report.OrphanedResults = sortedKeys(orphans)
	a.report.UnansweredCalls = sortedKeys(unanswered)
	a.report.OutOfOrder = sortedKeys(outOfOrder)
	return a
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
