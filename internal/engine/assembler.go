package engine

import (
	"sync"

	"github.com/weftlabs/weft/pkg/models"
)

// maxCacheBlocks is the provider cap on cache marker positions for the
// Anthropic family: the system block, the memory block, and up to two
// history anchors.
const maxCacheBlocks = 4

// historyMarkers is the share of maxCacheBlocks spent inside history.
const historyMarkers = 2

// minHistoryForMarkers is the history length below which deep markers
// are not worth a cache write.
const minHistoryForMarkers = 12

// markerReserve keeps markers off the churning tail of the history so
// the cached prefix survives the next turn.
const markerReserve = 6

// Prompt is an assembled request body: the system block plus the final
// ordered message list, with cache markers already applied.
type Prompt struct {
	System       string
	SystemCached bool
	Messages     []*models.Message
}

// Assembler builds the final prompt order: system, then the memory
// block, then compressed history. It owns cache marker placement and
// keeps per-thread anchor ids so markers stay on the same messages
// across turns. Anchors are recomputed when the thread's rebuild flag
// was set or when a remembered anchor no longer exists in the history.
type Assembler struct {
	mu      sync.Mutex
	anchors map[string][]string
}

// NewAssembler returns an assembler with no remembered anchors.
func NewAssembler() *Assembler {
	return &Assembler{anchors: make(map[string][]string)}
}

// Build assembles the prompt for one LLM call. memoryBlock may be nil.
// cacheable should reflect the model's prompt-caching capability;
// when false no markers are applied. rebuild forces fresh anchor
// positions. The input history is not mutated.
func (a *Assembler) Build(threadID, system string, memoryBlock *models.Message, history []*models.Message, cacheable, rebuild bool) Prompt {
	msgs := make([]*models.Message, 0, len(history)+1)
	if memoryBlock != nil {
		msgs = append(msgs, memoryBlock)
	}
	msgs = append(msgs, history...)

	p := Prompt{System: system, Messages: msgs}
	if !cacheable {
		return p
	}

	p.SystemCached = system != ""

	remaining := maxCacheBlocks
	if p.SystemCached {
		remaining--
	}
	if memoryBlock != nil && remaining > 0 && !emptyMessage(memoryBlock) {
		block := memoryBlock.Clone()
		block.SetMeta(models.MetaCacheControl, "ephemeral")
		p.Messages[0] = block
		remaining--
	}

	budget := historyMarkers
	if budget > remaining {
		budget = remaining
	}
	if budget <= 0 || len(history) < minHistoryForMarkers {
		return p
	}

	offset := len(p.Messages) - len(history)
	ids := a.anchorIDs(threadID, history, rebuild, budget)
	for i, msg := range history {
		if !containsID(ids, msg.ID) {
			continue
		}
		marked := msg.Clone()
		marked.SetMeta(models.MetaCacheControl, "ephemeral")
		p.Messages[offset+i] = marked
	}
	return p
}

// Forget drops the remembered anchors for a thread.
func (a *Assembler) Forget(threadID string) {
	a.mu.Lock()
	delete(a.anchors, threadID)
	a.mu.Unlock()
}

// anchorIDs returns the marker anchor ids for this build, reusing the
// remembered ones while they all still exist in the history.
func (a *Assembler) anchorIDs(threadID string, history []*models.Message, rebuild bool, budget int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !rebuild {
		if ids, ok := a.anchors[threadID]; ok && allPresent(ids, history) {
			return ids
		}
	}

	ids := computeAnchors(history, budget)
	if len(ids) > 0 {
		a.anchors[threadID] = ids
	} else {
		delete(a.anchors, threadID)
	}
	return ids
}

// computeAnchors picks up to budget marker positions: one mid-history,
// one just before the reserved tail. Positions snap to group ends so a
// cached prefix never splits a tool exchange, and skip empty messages.
func computeAnchors(history []*models.Message, budget int) []string {
	usable := len(history) - markerReserve
	if usable < 2 || budget <= 0 {
		return nil
	}

	ends := groupEnds(history, usable)
	if len(ends) == 0 {
		return nil
	}

	var ids []string
	tail := ends[len(ends)-1]
	mid := snapToEnd(ends, usable/2)
	if mid >= 0 && mid != tail && len(ids) < budget-1 {
		if id := history[mid].ID; id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) < budget {
		if id := history[tail].ID; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// groupEnds lists history indexes that end a complete message group
// below limit. Tool groups cut by the limit and empty messages are not
// anchor material.
func groupEnds(history []*models.Message, limit int) []int {
	var ends []int
	idx := 0
	for _, g := range models.GroupMessages(history[:limit]) {
		end := idx + g.Len() - 1
		idx += g.Len()
		if emptyMessage(g.Messages[g.Len()-1]) {
			continue
		}
		if g.IsToolGroup() && !groupComplete(g) {
			continue
		}
		ends = append(ends, end)
	}
	return ends
}

// groupComplete reports whether every call the group's lead declares is
// answered within the group.
func groupComplete(g *models.MessageGroup) bool {
	answered := make(map[string]bool, g.Len()-1)
	for _, m := range g.Messages[1:] {
		answered[m.ToolCallID] = true
	}
	for _, id := range g.Lead().DeclaredCallIDs() {
		if !answered[id] {
			return false
		}
	}
	return true
}

// snapToEnd returns the largest group end at or below want, or -1.
func snapToEnd(ends []int, want int) int {
	best := -1
	for _, e := range ends {
		if e <= want && e > best {
			best = e
		}
	}
	return best
}

func emptyMessage(m *models.Message) bool {
	return m.Content == "" && len(m.ToolCalls) == 0
}

func allPresent(ids []string, history []*models.Message) bool {
	for _, id := range ids {
		found := false
		for _, m := range history {
			if m.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return len(ids) > 0
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
