package workflow

import (
	"context"
	"errors"
)

var (
	ErrRunNotFound     = errors.New("workflow: run not found")
	ErrRunExists       = errors.New("workflow: run already exists")
	ErrUnknownWorkflow = errors.New("workflow: unknown workflow")
)

// Store defines the persistence contract for runs and checkpoints.
type Store interface {
	// CreateRun persists a new run. It returns ErrRunExists if a run with the
	// same workflow and key is already stored.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run with the given ID or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// FindRun returns the run for the workflow and key or ErrRunNotFound.
	FindRun(ctx context.Context, workflow, key string) (*Run, error)

	// UpdateRun persists the state, cursor and timestamps of a run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns the runs in any of the given states ordered by
	// creation time.
	ListRuns(ctx context.Context, states ...RunState) ([]*Run, error)

	// SaveCheckpoint persists a step checkpoint, replacing any previous one
	// for the same run and step.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint returns the checkpoint of a step or nil if the step has
	// not been committed.
	GetCheckpoint(ctx context.Context, runID, step string) (*Checkpoint, error)

	// DeleteCheckpoints removes every checkpoint of a run.
	DeleteCheckpoints(ctx context.Context, runID string) error
}
