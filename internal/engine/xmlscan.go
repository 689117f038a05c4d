package engine

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/pkg/models"
)

const (
	toolOpenMark  = "<tool"
	toolCloseMark = "</tool>"
	argOpenMark   = "<arg"
	argCloseMark  = "</arg>"
)

// xmlScanner incrementally extracts XML tool-call blocks of the form
//
//	<tool name="search"><arg name="query">weather</arg></tool>
//
// from streamed assistant text. Text outside tool blocks is returned
// from Feed for display; balanced blocks become ToolCalls. The scanner
// also watches for the StopAgent sequence, which ends scanning, and
// enforces a per-turn block limit. Arg values carrying literal markup
// must be entity-escaped by the model; the first close tag wins.
type xmlScanner struct {
	limit   int
	pending string
	calls   []models.ToolCall

	stopSeen bool
	limitHit bool
}

func newXMLScanner(limit int) *xmlScanner {
	if limit <= 0 {
		limit = DefaultConfig().XMLToolLimit
	}
	return &xmlScanner{limit: limit}
}

// Feed consumes the next text chunk and returns the displayable part.
// Bytes that could still grow into a marker or an open block stay
// buffered until a later Feed or Flush decides them.
func (s *xmlScanner) Feed(chunk string) string {
	if s.stopSeen || s.limitHit {
		return ""
	}
	s.pending += chunk

	var out strings.Builder
	for {
		stopIdx := strings.Index(s.pending, StopAgent)
		openIdx, openPartial := findToolOpen(s.pending)

		if stopIdx >= 0 && (openIdx < 0 || stopIdx < openIdx) {
			out.WriteString(s.pending[:stopIdx])
			s.pending = ""
			s.stopSeen = true
			return out.String()
		}

		if openIdx < 0 {
			keep := holdback(s.pending)
			out.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			return out.String()
		}

		// Text before the tag is content.
		out.WriteString(s.pending[:openIdx])
		s.pending = s.pending[openIdx:]

		if openPartial {
			// The tag boundary is not decided yet.
			return out.String()
		}

		closeIdx := strings.Index(s.pending, toolCloseMark)
		if closeIdx < 0 {
			// Block still assembling.
			return out.String()
		}

		block := s.pending[:closeIdx+len(toolCloseMark)]
		s.pending = s.pending[closeIdx+len(toolCloseMark):]

		call, ok := parseToolBlock(block)
		if !ok {
			// Not a well-formed block after all; it was just text.
			out.WriteString(block)
			continue
		}
		if len(s.calls) >= s.limit {
			s.limitHit = true
			s.pending = ""
			return out.String()
		}
		s.calls = append(s.calls, call)
	}
}

// Flush returns held text that never completed into a block or marker.
// Call once at stream end.
func (s *xmlScanner) Flush() string {
	if s.stopSeen || s.limitHit {
		return ""
	}
	rest := s.pending
	s.pending = ""
	return rest
}

// Calls returns the tool calls parsed so far, in emission order.
func (s *xmlScanner) Calls() []models.ToolCall { return s.calls }

// StopSeen reports whether the StopAgent sequence appeared in the text.
func (s *xmlScanner) StopSeen() bool { return s.stopSeen }

// LimitExceeded reports whether the per-turn block limit was crossed.
func (s *xmlScanner) LimitExceeded() bool { return s.limitHit }

// findToolOpen locates the next "<tool" occurrence that opens a tag.
// partial is true when the occurrence sits at the buffer tail and the
// boundary byte has not arrived yet.
func findToolOpen(s string) (idx int, partial bool) {
	from := 0
	for {
		i := strings.Index(s[from:], toolOpenMark)
		if i < 0 {
			return -1, false
		}
		i += from
		rest := i + len(toolOpenMark)
		if rest >= len(s) {
			return i, true
		}
		switch s[rest] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return i, false
		}
		from = i + 1
	}
}

// holdback returns how many trailing bytes could still grow into the
// stop sequence or a tool tag and must stay buffered.
func holdback(s string) int {
	max := 0
	for _, marker := range []string{StopAgent, toolOpenMark} {
		n := len(marker) - 1
		if n > len(s) {
			n = len(s)
		}
		for ; n > 0; n-- {
			if strings.HasSuffix(s, marker[:n]) {
				break
			}
		}
		if n > max {
			max = n
		}
	}
	return max
}

// parseToolBlock converts one balanced <tool …>…</tool> block into a
// ToolCall. Arg values that parse as JSON literals pass through typed;
// everything else becomes a JSON string.
func parseToolBlock(block string) (models.ToolCall, bool) {
	openEnd := tagEnd(block)
	if openEnd < 0 {
		return models.ToolCall{}, false
	}
	name, ok := attrValue(block[:openEnd], "name")
	if !ok || name == "" {
		return models.ToolCall{}, false
	}

	body := block[openEnd+1 : len(block)-len(toolCloseMark)]
	args, ok := parseArgs(body)
	if !ok {
		return models.ToolCall{}, false
	}

	return models.ToolCall{
		ID:        "xmlcall_" + uuid.NewString(),
		Name:      name,
		Arguments: args,
	}, true
}

// parseArgs renders the <arg> children of a tool body as a JSON object
// string. An empty body yields "{}".
func parseArgs(body string) (string, bool) {
	var buf strings.Builder
	buf.WriteByte('{')
	first := true

	rest := body
	for {
		i := strings.Index(rest, argOpenMark)
		if i < 0 {
			break
		}
		rest = rest[i:]
		openEnd := tagEnd(rest)
		if openEnd < 0 {
			return "", false
		}
		name, ok := attrValue(rest[:openEnd], "name")
		if !ok || name == "" {
			return "", false
		}
		closeIdx := strings.Index(rest, argCloseMark)
		if closeIdx < openEnd {
			return "", false
		}
		value := unescapeXML(rest[openEnd+1 : closeIdx])
		rest = rest[closeIdx+len(argCloseMark):]

		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(name)
		if err != nil {
			return "", false
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(jsonValue(value))
	}

	buf.WriteByte('}')
	return buf.String(), true
}

// jsonValue embeds v as a raw JSON literal when it is one, otherwise as
// a JSON string.
func jsonValue(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(enc)
}

// tagEnd returns the index of the '>' closing the tag that starts s,
// honoring quoted attribute values. -1 when the tag is unterminated.
func tagEnd(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

// attrValue extracts a quoted attribute from an open tag. The match
// must start at a word boundary so "name" never matches "filename".
func attrValue(tag, attr string) (string, bool) {
	rest := tag
	for {
		i := strings.Index(rest, attr)
		if i < 0 {
			return "", false
		}
		if i > 0 {
			switch rest[i-1] {
			case ' ', '\t', '\r', '\n':
			default:
				rest = rest[i+1:]
				continue
			}
		}
		after := rest[i+len(attr):]
		after = strings.TrimLeft(after, " \t\r\n")
		if len(after) == 0 || after[0] != '=' {
			rest = rest[i+len(attr):]
			continue
		}
		after = strings.TrimLeft(after[1:], " \t\r\n")
		if len(after) == 0 || (after[0] != '"' && after[0] != '\'') {
			rest = rest[i+len(attr):]
			continue
		}
		quote := after[0]
		end := strings.IndexByte(after[1:], quote)
		if end < 0 {
			return "", false
		}
		return unescapeXML(after[1 : 1+end]), true
	}
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func unescapeXML(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return xmlUnescaper.Replace(s)
}
