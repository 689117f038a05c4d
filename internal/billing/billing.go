// Package billing meters token spend. Every assistant turn produces a
// usage record; the sink prices it against the model catalog,
// deduplicates replays, and keeps running totals for the credit check.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/pkg/models"
)

// ErrInsufficientCredits means the account cannot fund another
// iteration.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Record is one metered assistant turn.
type Record struct {
	AccountID string
	ThreadID  string
	MessageID string
	Model     string
	Usage     models.UsageReport
	Timestamp time.Time
}

// NewRecord builds a Record from a usage report, lifting the model and
// message id the report already carries.
func NewRecord(accountID, threadID string, usage models.UsageReport) Record {
	return Record{
		AccountID: accountID,
		ThreadID:  threadID,
		MessageID: usage.MessageID,
		Model:     usage.Model,
		Usage:     usage,
	}
}

// Sink receives usage records from the engine.
//
// Billing never fails a turn: callers log sink errors and move on.
type Sink interface {
	// Record meters one turn. Implementations deduplicate on the
	// message id; a replay returns nil without charging again.
	Record(ctx context.Context, rec Record) error

	// CheckCredits reports whether the account can fund another
	// iteration. ErrInsufficientCredits means it cannot; any other
	// error means the check itself failed.
	CheckCredits(ctx context.Context, accountID string) error
}

// NopSink meters nothing and never denies credits.
type NopSink struct{}

func (NopSink) Record(context.Context, Record) error       { return nil }
func (NopSink) CheckCredits(context.Context, string) error { return nil }
