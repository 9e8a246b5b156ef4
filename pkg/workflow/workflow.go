// Package workflow runs durable workflows made of checkpointed steps.
//
// A run is identified by its workflow name and run key. Every committed step
// stores its output as a checkpoint, so a run resumed after a crash skips the
// steps it already committed. Runs sharing a concurrency key are executed one
// at a time (or up to the configured limit) in trigger order.
package workflow

import (
	"context"

	"github.com/charmbracelet/log"
	"k8s.io/utils/clock"
)

// Definition is a typed workflow definition.
type Definition[T any] struct {
	// Name is the unique identifier of the workflow.
	Name string

	// Key returns the run key for an input. Triggering the same workflow
	// with an input that maps to an existing key returns the existing run.
	Key func(input T) string

	// ConcurrencyKey groups runs whose execution must be limited. Empty
	// means unlimited.
	ConcurrencyKey func(input T) string

	// Handler executes the workflow steps.
	Handler func(wf *Workflow, input T) error

	// OnFailure is called once with the error that made the run fail,
	// wherever the run stopped.
	OnFailure func(ctx context.Context, input T, err error) error
}

// Workflow is the execution context passed to handlers.
type Workflow struct {
	ctx    context.Context
	run    *Run
	store  Store
	logger *log.Logger
	clock  clock.Clock
	cursor int
}

func newWorkflow(ctx context.Context, run *Run, store Store, logger *log.Logger, clk clock.Clock) *Workflow {
	return &Workflow{
		ctx:    ctx,
		run:    run,
		store:  store,
		logger: logger,
		clock:  clk,
	}
}

// Context returns the context of the run.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the ID of the run.
func (w *Workflow) RunID() string { return w.run.ID }

// Logger returns a logger scoped to the run.
func (w *Workflow) Logger() *log.Logger { return w.logger }

type idempotencyKey struct{}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key of the step being executed, stable across
// retries and resumes of the same step. It is empty outside of a step.
func IdempotencyKey(ctx context.Context) string {
	if v, ok := ctx.Value(idempotencyKey{}).(string); ok {
		return v
	}
	return ""
}
