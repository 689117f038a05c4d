package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

// feedAll pushes chunks through the scanner and returns the displayable
// text, including the final flush.
func feedAll(s *xmlScanner, chunks ...string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(s.Feed(c))
	}
	out.WriteString(s.Flush())
	return out.String()
}

func TestXMLScanner_SingleBlock(t *testing.T) {
	s := newXMLScanner(5)
	text := feedAll(s, `Checking. <tool name="lookup"><arg name="q">go docs</arg></tool> Done.`)

	if text != "Checking.  Done." {
		t.Errorf("text = %q, want block removed", text)
	}
	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "lookup" {
		t.Errorf("call name = %q, want lookup", calls[0].Name)
	}
	if calls[0].Arguments != `{"q":"go docs"}` {
		t.Errorf("call arguments = %q", calls[0].Arguments)
	}
	if !strings.HasPrefix(calls[0].ID, "xmlcall_") {
		t.Errorf("call id = %q, want xmlcall_ prefix", calls[0].ID)
	}
}

func TestXMLScanner_BlockSplitAcrossChunks(t *testing.T) {
	s := newXMLScanner(5)
	text := feedAll(s,
		"Let me check",
		" <to",
		`ol name="search"><arg na`,
		`me="query">weather</ar`,
		"g></tool>",
	)

	if text != "Let me check " {
		t.Errorf("text = %q, want only the prose before the block", text)
	}
	calls := s.Calls()
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("calls = %+v, want one search call", calls)
	}
	if calls[0].Arguments != `{"query":"weather"}` {
		t.Errorf("call arguments = %q", calls[0].Arguments)
	}
}

func TestXMLScanner_HoldsBackPartialMarker(t *testing.T) {
	s := newXMLScanner(5)

	// "<tool" could still become a tag; nothing before it may be held.
	got := s.Feed("hello <too")
	if got != "hello " {
		t.Errorf("Feed() = %q, want %q", got, "hello ")
	}

	// The next chunk decides it was plain text.
	got = s.Feed("th ache")
	if got != "<tooth ache" {
		t.Errorf("Feed() = %q, want held text released", got)
	}
}

func TestXMLScanner_StopSequence(t *testing.T) {
	s := newXMLScanner(5)
	text := feedAll(s, "before"+StopAgent+"after")

	if text != "before" {
		t.Errorf("text = %q, want text after the stop sequence dropped", text)
	}
	if !s.StopSeen() {
		t.Error("StopSeen() = false, want true")
	}
	if s.Feed("more") != "" {
		t.Error("Feed() after stop should return nothing")
	}
}

func TestXMLScanner_StopSequenceSplitAcrossChunks(t *testing.T) {
	s := newXMLScanner(5)
	var out strings.Builder
	out.WriteString(s.Feed("answer |||STOP"))
	out.WriteString(s.Feed("_AGENT||| trailing"))
	out.WriteString(s.Flush())

	if got := out.String(); got != "answer " {
		t.Errorf("text = %q, want %q", got, "answer ")
	}
	if !s.StopSeen() {
		t.Error("StopSeen() = false, want true")
	}
}

func TestXMLScanner_StopBeforeBlockWins(t *testing.T) {
	s := newXMLScanner(5)
	feedAll(s, StopAgent+`<tool name="late"></tool>`)

	if len(s.Calls()) != 0 {
		t.Errorf("calls after stop = %d, want 0", len(s.Calls()))
	}
}

func TestXMLScanner_MalformedBlockPassesThrough(t *testing.T) {
	// No name attribute: not a tool call, just text that looks like one.
	s := newXMLScanner(5)
	text := feedAll(s, "see <tool>inline</tool> markup")

	if text != "see <tool>inline</tool> markup" {
		t.Errorf("text = %q, want malformed block passed through", text)
	}
	if len(s.Calls()) != 0 {
		t.Errorf("got %d calls, want 0", len(s.Calls()))
	}
}

func TestXMLScanner_AttributeWordBoundary(t *testing.T) {
	// "name" must not match inside "filename".
	s := newXMLScanner(5)
	feedAll(s, `<tool filename="junk.txt" name="reader"></tool>`)

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "reader" {
		t.Errorf("call name = %q, want reader", calls[0].Name)
	}
}

func TestXMLScanner_ArgValueTypes(t *testing.T) {
	s := newXMLScanner(5)
	feedAll(s, `<tool name="mix">`+
		`<arg name="count">3</arg>`+
		`<arg name="deep">{"a":[1,2]}</arg>`+
		`<arg name="flag">true</arg>`+
		`<arg name="text">plain words</arg>`+
		`</tool>`)

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	want := `{"count":3,"deep":{"a":[1,2]},"flag":true,"text":"plain words"}`
	if calls[0].Arguments != want {
		t.Errorf("arguments = %q, want %q", calls[0].Arguments, want)
	}
}

func TestXMLScanner_NoArgsYieldsEmptyObject(t *testing.T) {
	s := newXMLScanner(5)
	feedAll(s, `<tool name="ping"></tool>`)

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Arguments != "{}" {
		t.Errorf("arguments = %q, want {}", calls[0].Arguments)
	}
}

func TestXMLScanner_EntityUnescape(t *testing.T) {
	s := newXMLScanner(5)
	feedAll(s, `<tool name="cmp"><arg name="expr">a &lt; b &amp;&amp; c &gt; d</arg></tool>`)

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(calls[0].Arguments), &args); err != nil {
		t.Fatalf("arguments %q do not decode: %v", calls[0].Arguments, err)
	}
	if args["expr"] != "a < b && c > d" {
		t.Errorf("expr = %q, want entities unescaped", args["expr"])
	}
}

func TestXMLScanner_LimitStopsParsing(t *testing.T) {
	s := newXMLScanner(2)
	block := `<tool name="t"><arg name="n">1</arg></tool>`
	feedAll(s, strings.Repeat(block, 4))

	if !s.LimitExceeded() {
		t.Fatal("LimitExceeded() = false, want true")
	}
	if len(s.Calls()) != 2 {
		t.Errorf("got %d calls, want the 2 under the limit", len(s.Calls()))
	}
	if s.Feed("anything") != "" {
		t.Error("Feed() after limit should return nothing")
	}
}

func TestXMLScanner_MultipleBlocksInOrder(t *testing.T) {
	s := newXMLScanner(5)
	feedAll(s,
		`<tool name="first"></tool> and `,
		`<tool name="second"></tool>`,
	)

	calls := s.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "first" || calls[1].Name != "second" {
		t.Errorf("call order = %q, %q", calls[0].Name, calls[1].Name)
	}
}

func TestXMLScanner_FlushReleasesUnfinishedBlock(t *testing.T) {
	s := newXMLScanner(5)
	if got := s.Feed(`watch <tool name="cut`); got != "watch " {
		t.Errorf("Feed() = %q, want %q", got, "watch ")
	}
	// Stream ended mid-block: the fragment is text, not a call.
	if got := s.Flush(); got != `<tool name="cut` {
		t.Errorf("Flush() = %q, want the unfinished fragment", got)
	}
	if len(s.Calls()) != 0 {
		t.Errorf("got %d calls, want 0", len(s.Calls()))
	}
}
