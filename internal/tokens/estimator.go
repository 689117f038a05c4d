// Package tokens counts prompt and completion tokens. Counting routes
// through the provider's official endpoint when the model's transport has
// one, and degrades through a local tokenizer down to a word heuristic
// when it does not. Overcounting is the safe direction; every path here
// errs high rather than low.
package tokens

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/weftlabs/weft/pkg/models"
)

// wordTokenRatio converts a whitespace word count into an approximate
// token count when no tokenizer is available.
const wordTokenRatio = 1.3

// perMessageOverhead covers the role framing and separators a provider
// wraps around each message and tool call.
const perMessageOverhead = 4

// imageTokenEstimate is the flat charge assumed per attached image,
// sized to a full-detail image on current vision models.
const imageTokenEstimate = 1600

// Estimator produces local token counts. Encodings load lazily and are
// cached per name; a load failure (no network, no vocab cache) is
// remembered and degrades that encoding to the word heuristic instead of
// erroring on every call.
type Estimator struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

// NewEstimator returns an estimator with no encodings loaded yet.
func NewEstimator() *Estimator {
	return &Estimator{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// CountText returns the token count of text under the named encoding.
// An empty encoding name, or one that failed to load, falls back to
// EstimateWords.
func (e *Estimator) CountText(encoding, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoderFor(encoding); enc != nil {
		return len(enc.EncodeOrdinary(text))
	}
	return EstimateWords(text)
}

// CountMessages sums the token cost of a message list plus an optional
// system prompt, including role framing, tool calls, and a flat
// per-image charge for attachments.
func (e *Estimator) CountMessages(encoding string, msgs []*models.Message, system string) int {
	total := 0
	if system != "" {
		total += e.CountText(encoding, system) + perMessageOverhead
	}
	for _, m := range msgs {
		total += perMessageOverhead
		total += e.CountText(encoding, m.Content)
		for _, tc := range m.ToolCalls {
			total += perMessageOverhead
			total += e.CountText(encoding, tc.Name)
			total += e.CountText(encoding, tc.Arguments)
		}
		for _, att := range m.Attachments {
			if att.Type == "image" {
				total += imageTokenEstimate
			}
		}
	}
	return total
}

func (e *Estimator) encoderFor(name string) *tiktoken.Tiktoken {
	if name == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encoders[name]; ok {
		return enc
	}
	if e.failed[name] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		e.failed[name] = true
		return nil
	}
	e.encoders[name] = enc
	return enc
}

// EstimateWords approximates tokens as whitespace-separated words times
// 1.3, rounded up. Overcounts plain prose slightly and undercounts
// punctuation-dense text, so it is the tier of last resort.
func EstimateWords(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * wordTokenRatio))
}
