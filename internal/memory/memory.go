// Package memory supplies the optional context block injected between
// the system prompt and thread history. Providers are read-side only:
// the engine fetches blocks, it never writes memories back.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/weftlabs/weft/pkg/models"
)

// BlockMetaKey marks a message as a fetched memory block.
const BlockMetaKey = "memory_block"

// Provider fetches the memory block for a run. A nil message with a
// nil error means the account carries no block, and assembly proceeds
// without one.
type Provider interface {
	FetchBlock(ctx context.Context, accountID, threadID string) (*models.Message, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, accountID, threadID string) (*models.Message, error)

// FetchBlock calls f.
func (f ProviderFunc) FetchBlock(ctx context.Context, accountID, threadID string) (*models.Message, error) {
	return f(ctx, accountID, threadID)
}

// Static serves fixed memory entries: a global set shared by every
// account plus optional per-account additions. Rendering is
// deterministic so the block stays byte-stable across runs, which the
// provider prompt cache depends on.
type Static struct {
	mu      sync.RWMutex
	global  []string
	account map[string][]string
}

// NewStatic builds a static provider. Blank entries are dropped.
func NewStatic(global []string, accounts map[string][]string) *Static {
	s := &Static{
		global:  cleanEntries(global),
		account: make(map[string][]string, len(accounts)),
	}
	for id, entries := range accounts {
		if cleaned := cleanEntries(entries); len(cleaned) > 0 {
			s.account[id] = cleaned
		}
	}
	return s
}

// SetAccount replaces an account's entries. An empty set removes the
// account's additions.
func (s *Static) SetAccount(accountID string, entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleaned := cleanEntries(entries)
	if len(cleaned) == 0 {
		delete(s.account, accountID)
		return
	}
	s.account[accountID] = cleaned
}

// FetchBlock renders the account's entries into a single context
// message. Global entries come first so every account shares a common
// prefix.
func (s *Static) FetchBlock(ctx context.Context, accountID, threadID string) (*models.Message, error) {
	s.mu.RLock()
	entries := make([]string, 0, len(s.global)+len(s.account[accountID]))
	entries = append(entries, s.global...)
	entries = append(entries, s.account[accountID]...)
	s.mu.RUnlock()

	if len(entries) == 0 {
		return nil, nil
	}

	msg := &models.Message{
		ThreadID: threadID,
		Role:     models.RoleAssistant,
		Content:  renderBlock(entries),
	}
	msg.SetMeta(BlockMetaKey, true)
	return msg, nil
}

func cleanEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func renderBlock(entries []string) string {
	var b strings.Builder
	b.WriteString("<memory>\nStanding context for this conversation:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("</memory>")
	return b.String()
}
