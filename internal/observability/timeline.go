package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// StepType categorizes timeline steps for filtering and display.
type StepType string

const (
	StepRunStart    StepType = "run.start"
	StepRunEnd      StepType = "run.end"
	StepLLMRequest  StepType = "llm.request"
	StepLLMResponse StepType = "llm.response"
	StepToolStart   StepType = "tool.start"
	StepToolEnd     StepType = "tool.end"
	StepCompression StepType = "compression"
	StepRepair      StepType = "repair"
	StepBilling     StepType = "billing"
)

// Step is one entry in a run's timeline.
type Step struct {
	Type      StepType       `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// TimelineRecorder keeps the ordered steps of recent runs in memory so
// a failed run can be replayed for debugging. Old runs are evicted
// oldest-first once maxRuns is reached; a single run's timeline is
// capped at maxSteps entries.
//
// A nil recorder is valid and records nothing, so callers can wire it
// optionally without branching.
type TimelineRecorder struct {
	mu       sync.Mutex
	runs     map[string][]*Step
	order    []string
	maxRuns  int
	maxSteps int
}

// NewTimelineRecorder creates a recorder holding up to maxRuns run
// timelines (default 128).
func NewTimelineRecorder(maxRuns int) *TimelineRecorder {
	if maxRuns <= 0 {
		maxRuns = 128
	}
	return &TimelineRecorder{
		runs:     make(map[string][]*Step),
		order:    make([]string, 0, maxRuns),
		maxRuns:  maxRuns,
		maxSteps: 1000,
	}
}

// Record appends a step to its run's timeline. RunID and ThreadID fall
// back to the context's correlation ids; the timestamp defaults to now.
func (r *TimelineRecorder) Record(ctx context.Context, step Step) {
	if r == nil {
		return
	}
	if step.RunID == "" {
		step.RunID = GetRunID(ctx)
	}
	if step.RunID == "" {
		return
	}
	if step.ThreadID == "" {
		step.ThreadID = GetThreadID(ctx)
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	steps, ok := r.runs[step.RunID]
	if !ok {
		if len(r.order) >= r.maxRuns {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.runs, oldest)
		}
		r.order = append(r.order, step.RunID)
	}
	if len(steps) >= r.maxSteps {
		return
	}
	r.runs[step.RunID] = append(steps, &step)
}

// RecordError appends an error-bearing step.
func (r *TimelineRecorder) RecordError(ctx context.Context, stepType StepType, name string, err error) {
	if r == nil || err == nil {
		return
	}
	r.Record(ctx, Step{Type: stepType, Name: name, Error: err.Error()})
}

// Snapshot returns a copy of a run's timeline in timestamp order, or
// nil if the run is unknown.
func (r *TimelineRecorder) Snapshot(runID string) []*Step {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	steps := r.runs[runID]
	out := make([]*Step, len(steps))
	copy(out, steps)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Runs returns the recorded run ids, oldest first.
func (r *TimelineRecorder) Runs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TimelineSummary aggregates one run's timeline.
type TimelineSummary struct {
	RunID     string        `json:"run_id"`
	ThreadID  string        `json:"thread_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Steps     int           `json:"steps"`
	Errors    int           `json:"errors"`
	ToolCalls int           `json:"tool_calls"`
	LLMCalls  int           `json:"llm_calls"`
}

// Summarize computes the summary of a run's timeline, or nil if the
// run is unknown.
func (r *TimelineRecorder) Summarize(runID string) *TimelineSummary {
	steps := r.Snapshot(runID)
	if len(steps) == 0 {
		return nil
	}

	s := &TimelineSummary{
		RunID:     runID,
		StartTime: steps[0].Timestamp,
		EndTime:   steps[len(steps)-1].Timestamp,
		Steps:     len(steps),
	}
	s.Duration = s.EndTime.Sub(s.StartTime)

	for _, st := range steps {
		if s.ThreadID == "" && st.ThreadID != "" {
			s.ThreadID = st.ThreadID
		}
		if st.Error != "" {
			s.Errors++
		}
		switch st.Type {
		case StepToolStart:
			s.ToolCalls++
		case StepLLMRequest:
			s.LLMCalls++
		}
	}
	return s
}

// FormatTimeline renders a timeline as plain text, one step per line.
func FormatTimeline(steps []*Step) string {
	if len(steps) == 0 {
		return "no steps recorded"
	}

	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%s %-14s %s", s.Timestamp.Format("15:04:05.000"), s.Type, s.Name)
		if s.Duration > 0 {
			fmt.Fprintf(&b, " (%s)", s.Duration.Round(time.Millisecond))
		}
		if s.Error != "" {
			fmt.Fprintf(&b, " error=%s", s.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
