package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/songflow"
	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/igolaizola/synthara/pkg/workflow"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	ID     string

	Output io.Writer
}

// Report is the status of a song and its generation run.
type Report struct {
	Song       string     `json:"song"`
	User       string     `json:"user"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Categories string     `json:"categories,omitempty"`
	Run        string     `json:"run,omitempty"`
	State      string     `json:"state,omitempty"`
	Step       string     `json:"step,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Error      string     `json:"error,omitempty"`
	Started    *time.Time `json:"started,omitempty"`
	Completed  *time.Time `json:"completed,omitempty"`
}

var steps = []string{songflow.StepFetch, songflow.StepMark, songflow.StepDispatch, songflow.StepRecord}

// Run prints the status of a song as JSON.
func Run(ctx context.Context, cfg *Config) error {
	if cfg.ID == "" {
		return errors.New("status: song id not set")
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("status: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("status: couldn't start orm store: %w", err)
	}
	defer func() { _ = store.Close() }()

	r, err := report(ctx, store, cfg.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func report(ctx context.Context, store *storage.Store, id string) (*Report, error) {
	song, err := store.GetSong(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("status: couldn't get song %s: %w", id, err)
	}
	r := &Report{
		Song:       song.ID,
		User:       song.UserID,
		Title:      song.Title,
		Status:     string(song.Status),
		Categories: strings.Join(song.CategoryNames(), ","),
	}

	run, err := store.FindRun(ctx, songflow.Name, song.ID)
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		log.Debug("status: song has no run", "song", song.ID)
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("status: couldn't find run for song %s: %w", song.ID, err)
	}
	r.Run = run.ID
	r.State = string(run.State)
	r.Error = run.Error
	r.Started = run.StartedAt
	r.Completed = run.CompletedAt
	if run.Cursor < len(steps) && !run.State.Terminal() {
		r.Step = steps[run.Cursor]
	}

	// The selected mode is only known while the fetch checkpoint exists
	cp, err := store.GetCheckpoint(ctx, run.ID, songflow.StepFetch)
	switch {
	case err != nil:
		return nil, fmt.Errorf("status: couldn't get checkpoint for run %s: %w", run.ID, err)
	case cp != nil:
		var plan songflow.Plan
		if err := json.Unmarshal(cp.Data, &plan); err != nil {
			return nil, fmt.Errorf("status: couldn't decode plan of run %s: %w", run.ID, err)
		}
		r.Mode = plan.Kind.String()
	}
	return r, nil
}
