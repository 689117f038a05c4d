package models

import "time"

// Thread is an ordered conversation log between a user, an assistant, and
// tools. Threads own their messages; deleting a thread cascades.
type Thread struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunStatus is the terminal state of an agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
	RunError     RunStatus = "error"
)

// AgentRun records a single orchestrator invocation against a thread. Runs
// exist only for the duration of the invocation plus its stream; they are
// not persisted.
type AgentRun struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Model       string    `json:"model"`
	Status      RunStatus `json:"status"`
	Iterations  int       `json:"iterations"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}
