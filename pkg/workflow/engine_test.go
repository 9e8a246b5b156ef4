package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/workflow"
	"github.com/igolaizola/synthara/pkg/workflow/memstore"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

type job struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

func newEngine(t *testing.T, store workflow.Store, clk clock.Clock) *workflow.Engine {
	t.Helper()
	e := workflow.New(store, &workflow.Config{
		Concurrency: 1,
		Logger:      log.New(io.Discard),
		Clock:       clk,
	})
	t.Cleanup(e.Stop)
	return e
}

func definition(handler func(*workflow.Workflow, job) error, onFailure func(context.Context, job, error) error) *workflow.Definition[job] {
	return &workflow.Definition[job]{
		Name:           "job",
		Key:            func(j job) string { return j.ID },
		ConcurrencyKey: func(j job) string { return j.Owner },
		Handler:        handler,
		OnFailure:      onFailure,
	}
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := newEngine(t, store, nil)

	var steps []string
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		n, err := workflow.StepWithResult(wf, "first", func(ctx context.Context) (int, error) {
			steps = append(steps, "first")
			return 42, nil
		})
		if err != nil {
			return err
		}
		return wf.Step("second", func(ctx context.Context) error {
			steps = append(steps, "second")
			if n != 42 {
				return errors.New("unexpected result")
			}
			return nil
		})
	}, nil))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	require.Equal(t, "1", run.Key)
	require.Equal(t, "alice", run.ConcurrencyKey)
	e.Wait()

	got, err := e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateCompleted, got.State)
	require.Equal(t, 2, got.Cursor)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Empty(t, got.Error)
	require.Equal(t, []string{"first", "second"}, steps)
	require.Zero(t, store.Checkpoints(run.ID))
}

func TestRunFailureInvokesHookOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	boom := errors.New("boom")
	var calls int
	var hookErr error
	var hookJob job
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		if err := wf.Step("ok", func(ctx context.Context) error { return nil }); err != nil {
			return err
		}
		return wf.Step("fail", func(ctx context.Context) error { return boom })
	}, func(ctx context.Context, j job, err error) error {
		calls++
		hookErr = err
		hookJob = j
		return nil
	}))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	e.Wait()

	got, err := e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateFailed, got.State)
	require.Contains(t, got.Error, "boom")
	require.Equal(t, 1, calls)
	require.ErrorIs(t, hookErr, boom)
	require.Equal(t, job{ID: "1", Owner: "alice"}, hookJob)
}

func TestRunPanicIsFailure(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	var calls int
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		panic("kaboom")
	}, func(ctx context.Context, j job, err error) error {
		calls++
		return errors.New("hook errors are only logged")
	}))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1"})
	require.NoError(t, err)
	e.Wait()

	got, err := e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateFailed, got.State)
	require.Contains(t, got.Error, "kaboom")
	require.Equal(t, 1, calls)
}

func TestTriggerDeduplicates(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	var calls atomic.Int32
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		calls.Add(1)
		return nil
	}, nil))

	a, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	e.Wait()
	b, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	e.Wait()

	require.Equal(t, a.ID, b.ID)
	require.Equal(t, int32(1), calls.Load())
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	e := newEngine(t, memstore.New(), nil)
	_, err := workflow.Trigger(context.Background(), e, "missing", job{ID: "1"})
	require.ErrorIs(t, err, workflow.ErrUnknownWorkflow)
}

func TestRunsSerializedPerConcurrencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	var mu sync.Mutex
	var order []string
	var active, maxActive int
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		order = append(order, j.ID)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}, nil))

	for _, id := range []string{"1", "2", "3", "4"} {
		_, err := workflow.Trigger(ctx, e, "job", job{ID: id, Owner: "alice"})
		require.NoError(t, err)
	}
	e.Wait()

	require.Equal(t, 1, maxActive)
	require.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestRunsWithDifferentKeysOverlap(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		started.Done()
		<-release
		return nil
	}, nil))

	_, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	_, err = workflow.Trigger(ctx, e, "job", job{ID: "2", Owner: "bob"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runs with different concurrency keys did not overlap")
	}
	close(release)
	e.Wait()
}

func TestResumeSkipsCommittedSteps(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	input, err := json.Marshal(job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	run := &workflow.Run{
		ID:             "run-1",
		Workflow:       "job",
		Key:            "1",
		ConcurrencyKey: "alice",
		State:          workflow.RunStateRunning,
		Cursor:         1,
		Input:          input,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.SaveCheckpoint(ctx, &workflow.Checkpoint{
		RunID: "run-1",
		Step:  "first",
		Index: 0,
		Data:  []byte(`"from-checkpoint"`),
	}))

	e := newEngine(t, store, nil)
	var firstCalls int
	var seen string
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		v, err := workflow.StepWithResult(wf, "first", func(ctx context.Context) (string, error) {
			firstCalls++
			return "fresh", nil
		})
		if err != nil {
			return err
		}
		return wf.Step("second", func(ctx context.Context) error {
			seen = v
			return nil
		})
	}, nil))

	n, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	e.Wait()

	got, err := e.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateCompleted, got.State)
	require.Zero(t, firstCalls)
	require.Equal(t, "from-checkpoint", seen)

	// Terminal runs aren't resumed again.
	n, err = e.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// lagStore holds the result of ListRuns until released, so the listed runs
// can go stale before they are dispatched.
type lagStore struct {
	*memstore.Store
	listed  chan struct{}
	release chan struct{}
}

func (s *lagStore) ListRuns(ctx context.Context, states ...workflow.RunState) ([]*workflow.Run, error) {
	runs, err := s.Store.ListRuns(ctx, states...)
	close(s.listed)
	<-s.release
	return runs, err
}

func TestResumeSkipsFinishedRun(t *testing.T) {
	ctx := context.Background()
	store := &lagStore{
		Store:   memstore.New(),
		listed:  make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newEngine(t, store, nil)

	started := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		calls.Add(1)
		if err := wf.Step("first", func(ctx context.Context) error {
			close(started)
			<-proceed
			return nil
		}); err != nil {
			return err
		}
		return wf.Step("second", func(ctx context.Context) error { return nil })
	}, nil))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1", Owner: "alice"})
	require.NoError(t, err)
	<-started

	type result struct {
		n   int
		err error
	}
	resumed := make(chan result, 1)
	go func() {
		n, err := e.Resume(ctx)
		resumed <- result{n, err}
	}()
	<-store.listed

	// Finish the run while the listed snapshot still says it is running.
	close(proceed)
	e.Wait()
	got, err := e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateCompleted, got.State)

	close(store.release)
	res := <-resumed
	require.NoError(t, res.err)
	e.Wait()

	got, err = e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateCompleted, got.State)
	require.Equal(t, 2, got.Cursor)
	require.Equal(t, int32(1), calls.Load())
}

func TestCheckpointIndexMismatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	input, err := json.Marshal(job{ID: "1"})
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, &workflow.Run{
		ID:        "run-1",
		Workflow:  "job",
		Key:       "1",
		State:     workflow.RunStatePending,
		Input:     input,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, &workflow.Checkpoint{
		RunID: "run-1",
		Step:  "second",
		Index: 0,
		Data:  []byte(`{}`),
	}))

	e := newEngine(t, store, nil)
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		if err := wf.Step("first", func(ctx context.Context) error { return nil }); err != nil {
			return err
		}
		return wf.Step("second", func(ctx context.Context) error { return nil })
	}, nil))

	_, err = e.Resume(ctx)
	require.NoError(t, err)
	e.Wait()

	got, err := e.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateFailed, got.State)
	require.Contains(t, got.Error, "index")
}

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestStepRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		retryable func(error) bool
		wantCalls int
		wantState workflow.RunState
	}{
		{"recovers", 2, 3, isTransient, 3, workflow.RunStateCompleted},
		{"exhausted", 5, 3, isTransient, 3, workflow.RunStateFailed},
		{"not retryable", 5, 3, func(error) bool { return false }, 1, workflow.RunStateFailed},
		{"no retry", 1, 1, isTransient, 1, workflow.RunStateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t, memstore.New(), nil)

			var calls int
			workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
				return wf.Step("flaky", func(ctx context.Context) error {
					calls++
					if calls <= tt.failures {
						return errTransient
					}
					return nil
				}, workflow.WithRetry(tt.attempts, workflow.Constant(time.Millisecond), tt.retryable))
			}, nil))

			run, err := workflow.Trigger(ctx, e, "job", job{ID: "1"})
			require.NoError(t, err)
			e.Wait()

			got, err := e.Get(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantState, got.State)
			require.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestStepRetryWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	fc := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	e := newEngine(t, memstore.New(), fc)

	var calls atomic.Int32
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		return wf.Step("flaky", func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errTransient
			}
			return nil
		}, workflow.WithRetry(2, workflow.Constant(time.Minute), isTransient))
	}, nil))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1"})
	require.NoError(t, err)

	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	fc.Step(time.Minute)
	e.Wait()

	got, err := e.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateCompleted, got.State)
	require.Equal(t, int32(2), calls.Load())
}

func TestStepIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New(), nil)

	var key string
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		return wf.Step("dispatch", func(ctx context.Context) error {
			key = workflow.IdempotencyKey(ctx)
			return nil
		})
	}, nil))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1"})
	require.NoError(t, err)
	e.Wait()
	require.Equal(t, run.ID+"/dispatch", key)
	require.Empty(t, workflow.IdempotencyKey(ctx))
}

func TestStopLeavesRunResumable(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	e := workflow.New(store, &workflow.Config{Logger: log.New(io.Discard)})

	started := make(chan struct{})
	var hookCalls atomic.Int32
	workflow.Register(e, definition(func(wf *workflow.Workflow, j job) error {
		return wf.Step("block", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}, func(ctx context.Context, j job, err error) error {
		hookCalls.Add(1)
		return nil
	}))

	run, err := workflow.Trigger(ctx, e, "job", job{ID: "1"})
	require.NoError(t, err)
	<-started
	e.Stop()

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStateRunning, got.State)
	require.Zero(t, hookCalls.Load())
}
