package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for run termination causes.
var (
	// ErrMaxIterations indicates the run hit its iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrInsufficientCredits indicates the billing sink denied another
	// iteration.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrRunCanceled indicates the caller canceled the run.
	ErrRunCanceled = errors.New("run canceled")

	// ErrStoreTimeout indicates a store read or write missed its
	// deadline.
	ErrStoreTimeout = errors.New("store operation timed out")

	// ErrRetriesExhausted indicates a transport recovery path crossed
	// its retry cap.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Stage identifies where in the run pipeline an error occurred.
type Stage string

const (
	// StageInit covers thread lookup, prefetch, and model resolution.
	StageInit Stage = "init"

	// StageAssemble covers compression, pairing, and prompt assembly.
	StageAssemble Stage = "assemble"

	// StageStream covers the LLM call and delta processing.
	StageStream Stage = "stream"

	// StageTools covers tool dispatch and result persistence.
	StageTools Stage = "tools"

	// StagePersist covers assistant-turn and usage persistence.
	StagePersist Stage = "persist"

	// StageContinue covers the between-iteration decision.
	StageContinue Stage = "continue"
)

// RunError wraps a failure with the pipeline stage and iteration it
// occurred in.
type RunError struct {
	Stage     Stage
	Iteration int
	Cause     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run error at %s (iteration %d): %v", e.Stage, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("run error at %s (iteration %d)", e.Stage, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Cause
}
