package engine

import (
	"fmt"
	"testing"

	"github.com/weftlabs/weft/pkg/models"
)

// plainHistory builds n standalone user/assistant messages with stable ids.
func plainHistory(n int) []*models.Message {
	msgs := make([]*models.Message, n)
	for i := range msgs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs[i] = &models.Message{
			ID:      fmt.Sprintf("m%02d", i),
			Role:    role,
			Content: fmt.Sprintf("message %d", i),
		}
	}
	return msgs
}

// markedIDs returns the ids of prompt messages carrying a cache marker.
func markedIDs(p Prompt) []string {
	var ids []string
	for _, m := range p.Messages {
		if m.CacheHint() != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func TestAssemblerBuild_Order(t *testing.T) {
	a := NewAssembler()
	mem := &models.Message{ID: "mem", Role: models.RoleUser, Content: "facts"}
	history := plainHistory(3)

	p := a.Build("t1", "be helpful", mem, history, false, false)

	if p.System != "be helpful" {
		t.Errorf("System = %q, want %q", p.System, "be helpful")
	}
	if p.SystemCached {
		t.Error("SystemCached = true, want false when not cacheable")
	}
	if len(p.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(p.Messages))
	}
	if p.Messages[0].ID != "mem" {
		t.Errorf("first message = %q, want the memory block", p.Messages[0].ID)
	}
	for i, msg := range history {
		if p.Messages[i+1] != msg {
			t.Errorf("message %d is not the original history entry", i+1)
		}
	}
	if got := markedIDs(p); len(got) != 0 {
		t.Errorf("marked ids = %v, want none without caching", got)
	}
}

func TestAssemblerBuild_NilMemoryBlock(t *testing.T) {
	a := NewAssembler()
	history := plainHistory(2)

	p := a.Build("t1", "", nil, history, true, false)

	if len(p.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(p.Messages))
	}
	if p.SystemCached {
		t.Error("SystemCached = true, want false for empty system")
	}
}

func TestAssemblerBuild_MemoryBlockMarked(t *testing.T) {
	a := NewAssembler()
	mem := &models.Message{ID: "mem", Role: models.RoleUser, Content: "facts"}

	p := a.Build("t1", "sys", mem, plainHistory(4), true, false)

	if !p.SystemCached {
		t.Error("SystemCached = false, want true")
	}
	if p.Messages[0].CacheHint() != "ephemeral" {
		t.Errorf("memory block hint = %q, want ephemeral", p.Messages[0].CacheHint())
	}
	if mem.CacheHint() != "" {
		t.Error("input memory block was mutated")
	}
}

func TestAssemblerBuild_HistoryAnchors(t *testing.T) {
	a := NewAssembler()
	history := plainHistory(20)

	p := a.Build("t1", "sys", nil, history, true, false)

	got := markedIDs(p)
	want := []string{"m07", "m13"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want %v", got, want)
	}
	for _, msg := range history {
		if msg.CacheHint() != "" {
			t.Errorf("history message %s was mutated", msg.ID)
		}
	}
}

func TestAssemblerBuild_ShortHistorySkipsAnchors(t *testing.T) {
	a := NewAssembler()

	p := a.Build("t1", "sys", nil, plainHistory(11), true, false)

	if got := markedIDs(p); len(got) != 0 {
		t.Errorf("marked ids = %v, want none below the history threshold", got)
	}
	if !p.SystemCached {
		t.Error("SystemCached = false, want true")
	}
}

func TestAssemblerBuild_AnchorsSnapToGroupEnd(t *testing.T) {
	// A tool exchange covers indexes 6..8; the midpoint anchor must not
	// land inside it.
	history := plainHistory(20)
	history[6] = &models.Message{
		ID:   "m06",
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "a", Arguments: "{}"},
			{ID: "c2", Name: "b", Arguments: "{}"},
		},
	}
	history[7] = &models.Message{ID: "m07", Role: models.RoleTool, ToolCallID: "c1", Content: "r1"}
	history[8] = &models.Message{ID: "m08", Role: models.RoleTool, ToolCallID: "c2", Content: "r2"}

	a := NewAssembler()
	p := a.Build("t1", "sys", nil, history, true, false)

	got := markedIDs(p)
	want := []string{"m05", "m13"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want %v", got, want)
	}
}

func TestAssemblerBuild_AnchorsStableAcrossTurns(t *testing.T) {
	a := NewAssembler()
	a.Build("t1", "sys", nil, plainHistory(20), true, false)

	// Four more messages would move the computed positions, but the
	// remembered anchors still exist and must be reused.
	p := a.Build("t1", "sys", nil, plainHistory(24), true, false)

	got := markedIDs(p)
	want := []string{"m07", "m13"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want remembered anchors %v", got, want)
	}
}

func TestAssemblerBuild_RebuildMovesAnchors(t *testing.T) {
	a := NewAssembler()
	a.Build("t1", "sys", nil, plainHistory(20), true, false)

	p := a.Build("t1", "sys", nil, plainHistory(24), true, true)

	got := markedIDs(p)
	want := []string{"m09", "m17"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want recomputed anchors %v", got, want)
	}
}

func TestAssemblerBuild_MissingAnchorRecomputes(t *testing.T) {
	a := NewAssembler()
	a.Build("t1", "sys", nil, plainHistory(20), true, false)

	// Compression dropped the early history; anchor m07 is gone.
	history := plainHistory(24)[8:]
	p := a.Build("t1", "sys", nil, history, true, false)

	got := markedIDs(p)
	want := []string{"m13", "m17"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want fresh anchors %v", got, want)
	}
}

func TestAssemblerBuild_ThreadsIndependent(t *testing.T) {
	a := NewAssembler()
	a.Build("t1", "sys", nil, plainHistory(20), true, false)

	p := a.Build("t2", "sys", nil, plainHistory(24), true, false)

	got := markedIDs(p)
	want := []string{"m09", "m17"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want per-thread anchors %v", got, want)
	}
}

func TestAssemblerForget(t *testing.T) {
	a := NewAssembler()
	a.Build("t1", "sys", nil, plainHistory(20), true, false)
	a.Forget("t1")

	p := a.Build("t1", "sys", nil, plainHistory(24), true, false)

	got := markedIDs(p)
	want := []string{"m09", "m17"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("marked ids = %v, want anchors recomputed after Forget, %v", got, want)
	}
}
