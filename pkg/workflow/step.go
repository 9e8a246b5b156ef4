package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

type stepOptions struct {
	attempts  int
	backoff   Backoff
	retryable func(error) bool
}

type StepOption func(*stepOptions)

// WithRetry executes the step up to attempts times while retryable returns
// true for the returned error.
func WithRetry(attempts int, backoff Backoff, retryable func(error) bool) StepOption {
	return func(o *stepOptions) {
		o.attempts = attempts
		o.backoff = backoff
		o.retryable = retryable
	}
}

// Step executes a named step. If the step was already committed in a
// previous execution of the run it is skipped.
func (w *Workflow) Step(name string, fn func(ctx context.Context) error, opts ...StepOption) error {
	_, err := StepWithResult(w, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// StepWithResult executes a named step that returns a value. The value is
// JSON encoded into the step checkpoint and returned from it on replay
// without executing fn again.
func StepWithResult[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	index := w.cursor
	w.cursor++
	key := fmt.Sprintf("%s/%s", w.run.ID, name)

	cp, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("workflow: couldn't get checkpoint %q: %w", name, err)
	}
	if cp != nil {
		if cp.Index != index {
			return zero, fmt.Errorf("workflow: checkpoint %q was committed at index %d, replayed at %d", name, cp.Index, index)
		}
		var result T
		if err := json.Unmarshal(cp.Data, &result); err != nil {
			return zero, fmt.Errorf("workflow: couldn't decode checkpoint %q: %w", name, err)
		}
		w.logger.Debug("workflow: skipping committed step", "step", name, "index", index)
		return result, nil
	}

	o := stepOptions{attempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backoff == nil {
		o.backoff = DefaultBackoff()
	}

	w.logger.Debug("workflow: step started", "step", name, "index", index)
	ctx := withIdempotencyKey(w.ctx, key)
	result, err := attempt(ctx, w, name, o, fn)
	if err != nil {
		return zero, fmt.Errorf("workflow: step %q: %w", name, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("workflow: couldn't encode checkpoint %q: %w", name, err)
	}
	if err := w.store.SaveCheckpoint(w.ctx, &Checkpoint{
		RunID:          w.run.ID,
		Step:           name,
		Index:          index,
		IdempotencyKey: key,
		Data:           data,
		CreatedAt:      w.clock.Now().UTC(),
	}); err != nil {
		return zero, fmt.Errorf("workflow: couldn't save checkpoint %q: %w", name, err)
	}
	w.run.Cursor = index + 1
	if err := w.store.UpdateRun(w.ctx, w.run); err != nil {
		return zero, fmt.Errorf("workflow: couldn't save cursor after %q: %w", name, err)
	}
	return result, nil
}

func attempt[T any](ctx context.Context, w *Workflow, name string, o stepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	for n := 1; ; n++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if o.retryable == nil || !o.retryable(err) || n >= o.attempts {
			return result, err
		}
		wait := o.backoff.Delay(n)
		w.logger.Warn("workflow: retrying step", "step", name, "attempt", n, "wait", wait, "err", err)
		t := w.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, ctx.Err()
		case <-t.C():
		}
	}
}
