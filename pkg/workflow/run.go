package workflow

import (
	"time"
)

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStatePending means the run is waiting for a concurrency slot.
	RunStatePending RunState = "pending"
	// RunStateRunning means the run is executing its steps.
	RunStateRunning RunState = "running"
	// RunStateCompleted means every step finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means a step failed and the failure hook was invoked.
	RunStateFailed RunState = "failed"
)

// Terminal reports whether no further transitions happen from this state.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Run is a single execution of a workflow, identified by the workflow name
// and its run key.
type Run struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	Key            string     `json:"key"`
	ConcurrencyKey string     `json:"concurrency_key"`
	State          RunState   `json:"state"`
	Cursor         int        `json:"cursor"`
	Input          []byte     `json:"input,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint stores the JSON encoded output of a committed step.
type Checkpoint struct {
	RunID          string    `json:"run_id"`
	Step           string    `json:"step"`
	Index          int       `json:"index"`
	IdempotencyKey string    `json:"idempotency_key"`
	Data           []byte    `json:"data"`
	CreatedAt      time.Time `json:"created_at"`
}
