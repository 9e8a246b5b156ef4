package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igolaizola/synthara/pkg/workflow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ workflow.Store = (*Store)(nil)

type WorkflowRun struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Workflow       string `gorm:"uniqueIndex:idx_workflow_runs_key;not null;default:''"`
	Key            string `gorm:"column:run_key;uniqueIndex:idx_workflow_runs_key;not null;default:''"`
	ConcurrencyKey string `gorm:"index;not null;default:''"`
	State          string `gorm:"index;not null;default:'pending'"`
	Cursor         int    `gorm:"column:step_cursor;not null;default:0"`
	Input          []byte
	Error          string `gorm:"not null;default:''"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (v *WorkflowRun) run() *workflow.Run {
	return &workflow.Run{
		ID:             v.ID,
		Workflow:       v.Workflow,
		Key:            v.Key,
		ConcurrencyKey: v.ConcurrencyKey,
		State:          workflow.RunState(v.State),
		Cursor:         v.Cursor,
		Input:          v.Input,
		Error:          v.Error,
		CreatedAt:      v.CreatedAt,
		StartedAt:      v.StartedAt,
		CompletedAt:    v.CompletedAt,
	}
}

type WorkflowCheckpoint struct {
	RunID     string `gorm:"primaryKey"`
	Step      string `gorm:"primaryKey"`
	CreatedAt time.Time

	Index          int    `gorm:"column:step_index;not null;default:0"`
	IdempotencyKey string `gorm:"not null;default:''"`
	Data           []byte
}

func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	v := &WorkflowRun{
		ID:             run.ID,
		CreatedAt:      run.CreatedAt,
		Workflow:       run.Workflow,
		Key:            run.Key,
		ConcurrencyKey: run.ConcurrencyKey,
		State:          string(run.State),
		Cursor:         run.Cursor,
		Input:          run.Input,
		Error:          run.Error,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		var n int64
		if cerr := s.db.WithContext(ctx).Model(&WorkflowRun{}).
			Where("workflow = ? AND run_key = ?", run.Workflow, run.Key).
			Count(&n).Error; cerr == nil && n > 0 {
			return workflow.ErrRunExists
		}
		return fmt.Errorf("storage: failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	var v WorkflowRun
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("storage: failed to get run %s: %w", id, err)
	}
	return v.run(), nil
}

func (s *Store) FindRun(ctx context.Context, name, key string) (*workflow.Run, error) {
	var v WorkflowRun
	if err := s.db.WithContext(ctx).First(&v, "workflow = ? AND run_key = ?", name, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("storage: failed to find run %s/%s: %w", name, key, err)
	}
	return v.run(), nil
}

func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	res := s.db.WithContext(ctx).Model(&WorkflowRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"state":        string(run.State),
		"step_cursor":  run.Cursor,
		"error":        run.Error,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("storage: failed to update run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return workflow.ErrRunNotFound
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, states ...workflow.RunState) ([]*workflow.Run, error) {
	vs := []*WorkflowRun{}
	q := s.db.WithContext(ctx).Order("created_at, id")
	if len(states) > 0 {
		ss := make([]string, 0, len(states))
		for _, st := range states {
			ss = append(ss, string(st))
		}
		q = q.Where("state IN ?", ss)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list runs: %w", err)
	}
	runs := make([]*workflow.Run, 0, len(vs))
	for _, v := range vs {
		runs = append(runs, v.run())
	}
	return runs, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	v := &WorkflowCheckpoint{
		RunID:          cp.RunID,
		Step:           cp.Step,
		CreatedAt:      cp.CreatedAt,
		Index:          cp.Index,
		IdempotencyKey: cp.IdempotencyKey,
		Data:           cp.Data,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error; err != nil {
		return fmt.Errorf("storage: failed to save checkpoint %s/%s: %w", cp.RunID, cp.Step, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, runID, step string) (*workflow.Checkpoint, error) {
	var v WorkflowCheckpoint
	if err := s.db.WithContext(ctx).First(&v, "run_id = ? AND step = ?", runID, step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get checkpoint %s/%s: %w", runID, step, err)
	}
	return &workflow.Checkpoint{
		RunID:          v.RunID,
		Step:           v.Step,
		Index:          v.Index,
		IdempotencyKey: v.IdempotencyKey,
		Data:           v.Data,
		CreatedAt:      v.CreatedAt,
	}, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).Delete(&WorkflowCheckpoint{}, "run_id = ?", runID).Error; err != nil {
		return fmt.Errorf("storage: failed to delete checkpoints of run %s: %w", runID, err)
	}
	return nil
}
