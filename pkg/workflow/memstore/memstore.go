// Package memstore is an in-memory workflow.Store used for tests and one-shot
// executions that don't need to survive the process.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/igolaizola/synthara/pkg/workflow"
)

type Store struct {
	mu          sync.Mutex
	runs        map[string]*workflow.Run
	keys        map[string]string
	checkpoints map[string]map[string]*workflow.Checkpoint
}

var _ workflow.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:        make(map[string]*workflow.Run),
		keys:        make(map[string]string),
		checkpoints: make(map[string]map[string]*workflow.Checkpoint),
	}
}

func runKey(name, key string) string {
	return name + "\x00" + key
}

func copyRun(r *workflow.Run) *workflow.Run {
	c := *r
	c.Input = append([]byte(nil), r.Input...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return workflow.ErrRunExists
	}
	k := runKey(run.Workflow, run.Key)
	if _, ok := s.keys[k]; ok {
		return workflow.ErrRunExists
	}
	s.runs[run.ID] = copyRun(run)
	s.keys[k] = run.ID
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}
	return copyRun(r), nil
}

func (s *Store) FindRun(_ context.Context, name, key string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[runKey(name, key)]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}
	return copyRun(s.runs[id]), nil
}

func (s *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return workflow.ErrRunNotFound
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *Store) ListRuns(_ context.Context, states ...workflow.RunState) ([]*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []*workflow.Run
	for _, r := range s.runs {
		if !matches(r.State, states) {
			continue
		}
		runs = append(runs, copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

func matches(state workflow.RunState, states []workflow.RunState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.checkpoints[cp.RunID]
	if m == nil {
		m = make(map[string]*workflow.Checkpoint)
		s.checkpoints[cp.RunID] = m
	}
	c := *cp
	c.Data = append([]byte(nil), cp.Data...)
	m[cp.Step] = &c
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, runID, step string) (*workflow.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[runID][step]
	if !ok {
		return nil, nil
	}
	c := *cp
	c.Data = append([]byte(nil), cp.Data...)
	return &c, nil
}

func (s *Store) DeleteCheckpoints(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}

// Checkpoints returns the number of checkpoints stored for a run.
func (s *Store) Checkpoints(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints[runID])
}
