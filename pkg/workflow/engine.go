package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"
	"k8s.io/utils/clock"
)

type Config struct {
	// Concurrency is the number of runs allowed per concurrency key.
	Concurrency int
	Logger      *log.Logger
	Clock       clock.Clock
}

// Engine triggers, executes and resumes workflow runs.
type Engine struct {
	store   Store
	limiter *Limiter
	logger  *log.Logger
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]struct{}
}

type entry struct {
	keys func(input []byte) (key, concurrencyKey string, err error)
	run  func(wf *Workflow, input []byte) error
	fail func(ctx context.Context, input []byte, err error) error
}

func New(store Store, cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		limiter:  NewLimiter(cfg.Concurrency),
		logger:   logger,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a typed definition to the engine. Registering a name twice
// replaces the previous definition.
//
// This is a package-level generic function because Go does not allow
// generic methods.
func Register[T any](e *Engine, def *Definition[T]) {
	decode := func(input []byte) (T, error) {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return t, fmt.Errorf("workflow: couldn't unmarshal input for %q: %w", def.Name, err)
			}
		}
		return t, nil
	}
	ent := &entry{
		keys: func(input []byte) (string, string, error) {
			t, err := decode(input)
			if err != nil {
				return "", "", err
			}
			var ck string
			if def.ConcurrencyKey != nil {
				ck = def.ConcurrencyKey(t)
			}
			return def.Key(t), ck, nil
		},
		run: func(wf *Workflow, input []byte) error {
			t, err := decode(input)
			if err != nil {
				return err
			}
			return def.Handler(wf, t)
		},
		fail: func(ctx context.Context, input []byte, cause error) error {
			if def.OnFailure == nil {
				return nil
			}
			t, err := decode(input)
			if err != nil {
				return err
			}
			return def.OnFailure(ctx, t, cause)
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[def.Name] = ent
}

// Trigger starts a run of the named workflow for the input. The run is
// executed asynchronously; the returned run is a snapshot at trigger time.
func Trigger[T any](ctx context.Context, e *Engine, name string, input T) (*Run, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("workflow: couldn't marshal input for %q: %w", name, err)
	}
	return e.TriggerRaw(ctx, name, data)
}

// TriggerRaw starts a run with a JSON encoded input.
func (e *Engine) TriggerRaw(ctx context.Context, name string, input []byte) (*Run, error) {
	ent, ok := e.entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	key, concurrencyKey, err := ent.keys(input)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("workflow: empty run key for %q", name)
	}

	existing, err := e.store.FindRun(ctx, name, key)
	switch {
	case err == nil:
		e.logger.Debug("workflow: run already triggered", "workflow", name, "key", key, "run_id", existing.ID)
		return existing, nil
	case !errors.Is(err, ErrRunNotFound):
		return nil, fmt.Errorf("workflow: couldn't find run %s/%s: %w", name, key, err)
	}

	run := &Run{
		ID:             ulid.Make().String(),
		Workflow:       name,
		Key:            key,
		ConcurrencyKey: concurrencyKey,
		State:          RunStatePending,
		Input:          input,
		CreatedAt:      e.clock.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ErrRunExists) {
			return e.store.FindRun(ctx, name, key)
		}
		return nil, fmt.Errorf("workflow: couldn't create run %s/%s: %w", name, key, err)
	}
	e.logger.Info("workflow: run triggered", "workflow", name, "key", key, "run_id", run.ID)

	snapshot := *run
	e.dispatch(run, ent)
	return &snapshot, nil
}

// Resume dispatches every pending or running run that is not already being
// executed by this engine, in creation order. It returns the number of runs
// dispatched.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, RunStatePending, RunStateRunning)
	if err != nil {
		return 0, fmt.Errorf("workflow: couldn't list unfinished runs: %w", err)
	}
	var n int
	for _, run := range runs {
		ent, ok := e.entry(run.Workflow)
		if !ok {
			e.logger.Warn("workflow: skipping run of unknown workflow", "workflow", run.Workflow, "run_id", run.ID)
			continue
		}
		if e.dispatch(run, ent) {
			e.logger.Info("workflow: resuming run", "workflow", run.Workflow, "key", run.Key, "run_id", run.ID, "cursor", run.Cursor)
			n++
		}
	}
	return n, nil
}

// Get returns the stored run with the given ID.
func (e *Engine) Get(ctx context.Context, id string) (*Run, error) {
	return e.store.GetRun(ctx, id)
}

// Limiter returns the concurrency limiter of the engine.
func (e *Engine) Limiter() *Limiter {
	return e.limiter
}

// Wait blocks until every dispatched run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop interrupts the runs in progress and waits for them to return.
// Interrupted runs keep their state and are picked up by Resume.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) entry(name string) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[name]
	return ent, ok
}

func (e *Engine) dispatch(run *Run, ent *entry) bool {
	e.mu.Lock()
	if _, ok := e.inflight[run.ID]; ok {
		e.mu.Unlock()
		return false
	}
	e.inflight[run.ID] = struct{}{}
	e.mu.Unlock()

	ticket := e.limiter.Enqueue(run.ConcurrencyKey)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, run.ID)
			e.mu.Unlock()
		}()
		if err := ticket.Wait(e.ctx); err != nil {
			e.logger.Debug("workflow: run not started", "run_id", run.ID, "err", err)
			return
		}
		defer ticket.Release()

		// The run may have advanced or finished while waiting for its turn.
		fresh, err := e.store.GetRun(e.ctx, run.ID)
		if err != nil {
			e.logger.Error("workflow: couldn't reload run", "run_id", run.ID, "err", err)
			return
		}
		if fresh.State.Terminal() {
			e.logger.Debug("workflow: run already finished", "run_id", run.ID, "state", fresh.State)
			return
		}
		e.execute(fresh, ent)
	}()
	return true
}

func (e *Engine) execute(run *Run, ent *entry) {
	ctx := e.ctx
	logger := e.logger.With("workflow", run.Workflow, "key", run.Key, "run_id", run.ID)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow: panic: %v", r)
		}
		e.finish(ctx, logger, run, ent, err)
	}()

	run.State = RunStateRunning
	if run.StartedAt == nil {
		now := e.clock.Now().UTC()
		run.StartedAt = &now
	}
	if err = e.store.UpdateRun(ctx, run); err != nil {
		err = fmt.Errorf("workflow: couldn't mark run as running: %w", err)
		return
	}
	logger.Debug("workflow: run started", "cursor", run.Cursor)

	wf := newWorkflow(ctx, run, e.store, logger, e.clock)
	err = ent.run(wf, run.Input)
}

// finish persists the terminal state of a run. It runs whatever the outcome
// of the handler, so the failure hook fires for every unrecovered error.
func (e *Engine) finish(ctx context.Context, logger *log.Logger, run *Run, ent *entry, err error) {
	if err != nil && ctx.Err() != nil {
		logger.Warn("workflow: run interrupted", "err", err)
		return
	}

	now := e.clock.Now().UTC()
	run.CompletedAt = &now
	if err != nil {
		logger.Error("workflow: run failed", "err", err)
		if hookErr := ent.fail(ctx, run.Input, err); hookErr != nil {
			logger.Error("workflow: failure hook failed", "err", hookErr)
		}
		run.State = RunStateFailed
		run.Error = err.Error()
	} else {
		logger.Info("workflow: run completed")
		run.State = RunStateCompleted
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		logger.Error("workflow: couldn't save terminal state", "state", run.State, "err", err)
		return
	}
	if err := e.store.DeleteCheckpoints(ctx, run.ID); err != nil {
		logger.Error("workflow: couldn't delete checkpoints", "err", err)
	}
}
