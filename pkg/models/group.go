package models

// MessageGroup is a derived, non-persisted unit: either a standalone
// message, or an assistant message with tool calls together with the
// tool-result messages answering its ids, in order. Groups are atomic for
// compression and trimming; splitting one would break tool-call pairing.
type MessageGroup struct {
	Messages []*Message
}

// Lead returns the group's first message.
func (g *MessageGroup) Lead() *Message {
	if len(g.Messages) == 0 {
		return nil
	}
	return g.Messages[0]
}

// IsToolGroup reports whether the group is an assistant-with-tool-calls
// unit rather than a standalone message.
func (g *MessageGroup) IsToolGroup() bool {
	lead := g.Lead()
	return lead != nil && lead.HasToolCalls()
}

// Len returns the number of messages in the group.
func (g *MessageGroup) Len() int { return len(g.Messages) }

// GroupMessages partitions a message list into groups. An assistant message
// declaring tool calls opens a group; immediately following tool-role
// messages whose ToolCallID matches one of the declared ids join it. Any
// other message closes the open group and stands alone. Tool results that
// answer no open group become standalone groups; the pairing validator
// flags them as orphans.
func GroupMessages(msgs []*Message) []*MessageGroup {
	groups := make([]*MessageGroup, 0, len(msgs))
	var open *MessageGroup
	var openIDs map[string]bool

	closeOpen := func() {
		if open != nil {
			groups = append(groups, open)
			open = nil
			openIDs = nil
		}
	}

	for _, m := range msgs {
		switch {
		case m.HasToolCalls():
			closeOpen()
			open = &MessageGroup{Messages: []*Message{m}}
			openIDs = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				openIDs[tc.ID] = true
			}
		case m.Role == RoleTool && open != nil && openIDs[m.ToolCallID]:
			open.Messages = append(open.Messages, m)
		default:
			closeOpen()
			groups = append(groups, &MessageGroup{Messages: []*Message{m}})
		}
	}
	closeOpen()
	return groups
}

// FlattenGroups restores a flat message list from groups, preserving order.
func FlattenGroups(groups []*MessageGroup) []*Message {
	n := 0
	for _, g := range groups {
		n += len(g.Messages)
	}
	out := make([]*Message, 0, n)
	for _, g := range groups {
		out = append(out, g.Messages...)
	}
	return out
}
