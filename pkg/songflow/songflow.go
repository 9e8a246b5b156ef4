// Package songflow defines the generate-song workflow: it reads a queued song,
// picks the generation mode, calls the synthesis service and records the
// outcome. Whatever happens the song ends either processed or failed.
package songflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/igolaizola/synthara/pkg/synth"
	"github.com/igolaizola/synthara/pkg/workflow"
)

// Name identifies the workflow and the event that triggers it.
const Name = "generate-song"

// Step names.
const (
	StepFetch    = "fetch-song"
	StepMark     = "mark-processing"
	StepDispatch = "dispatch"
	StepRecord   = "record-result"
)

var (
	ErrNotFound   = errors.New("songflow: song not found")
	ErrNoEndpoint = errors.New("songflow: no endpoint for song request")
	ErrWrongOwner = errors.New("songflow: song belongs to another user")
)

// Input is the payload of a generate-song event.
type Input struct {
	SongID string `json:"songId"`
	UserID string `json:"userId"`
}

// Songs is the song store used by the workflow.
type Songs interface {
	GetSong(ctx context.Context, id string) (*storage.Song, error)
	SetSongStatus(ctx context.Context, id string, status storage.Status) error
	CompleteSong(ctx context.Context, id, audioKey, thumbnailKey string, categories []string) error
}

// Synthesizer calls the synthesis service.
type Synthesizer interface {
	Invoke(ctx context.Context, endpoint string, payload any) (*synth.Result, error)
}

type Config struct {
	Endpoints mode.Endpoints
	// Retries is the number of extra attempts after a transport failure.
	Retries int
	// Backoff between transport retries, exponential from 15s by default.
	Backoff workflow.Backoff
	// Seed overrides the seed source, mode.NewSeed by default.
	Seed func() int
}

// Plan is the output of the fetch step.
type Plan struct {
	Kind     mode.Kind    `json:"kind"`
	Endpoint string       `json:"endpoint,omitempty"`
	Payload  mode.Payload `json:"payload"`
}

type flow struct {
	songs   Songs
	synth   Synthesizer
	ends    mode.Endpoints
	retries int
	backoff workflow.Backoff
	seed    func() int
}

// Definition returns the generate-song workflow definition. Runs are keyed by
// song and limited per user.
func Definition(songs Songs, s Synthesizer, cfg *Config) *workflow.Definition[Input] {
	f := &flow{
		songs:   songs,
		synth:   s,
		ends:    cfg.Endpoints,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		seed:    cfg.Seed,
	}
	if f.retries < 0 {
		f.retries = 0
	}
	if f.backoff == nil {
		f.backoff = workflow.Exponential{Initial: 15 * time.Second, Max: 2 * time.Minute}
	}
	if f.seed == nil {
		f.seed = mode.NewSeed
	}
	return &workflow.Definition[Input]{
		Name:           Name,
		Key:            func(in Input) string { return in.SongID },
		ConcurrencyKey: func(in Input) string { return in.UserID },
		Handler:        f.handle,
		OnFailure:      f.fail,
	}
}

func (f *flow) handle(wf *workflow.Workflow, in Input) error {
	plan, err := workflow.StepWithResult(wf, StepFetch, func(ctx context.Context) (*Plan, error) {
		return f.fetch(ctx, in)
	})
	if err != nil {
		return err
	}
	wf.Logger().Info("songflow: mode selected", "song", in.SongID, "mode", plan.Kind, "seed", plan.Payload.Seed)

	if err := wf.Step(StepMark, func(ctx context.Context) error {
		return f.songs.SetSongStatus(ctx, in.SongID, storage.Processing)
	}); err != nil {
		return err
	}

	res, err := workflow.StepWithResult(wf, StepDispatch, func(ctx context.Context) (*synth.Result, error) {
		if plan.Endpoint == "" {
			return nil, fmt.Errorf("%w: mode %s", ErrNoEndpoint, plan.Kind)
		}
		return f.synth.Invoke(ctx, plan.Endpoint, plan.Payload)
	}, workflow.WithRetry(f.retries+1, f.backoff, synth.IsTransport))
	if err != nil {
		return err
	}

	return wf.Step(StepRecord, func(ctx context.Context) error {
		return f.record(ctx, wf, in.SongID, res)
	})
}

func (f *flow) fetch(ctx context.Context, in Input) (*Plan, error) {
	v, err := f.songs.GetSong(ctx, in.SongID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, in.SongID)
	}
	if err != nil {
		return nil, err
	}
	if v.UserID != in.UserID {
		return nil, fmt.Errorf("%w: song %s, user %s", ErrWrongOwner, in.SongID, in.UserID)
	}
	sel := mode.Select(Request(v), f.seed())
	endpoint, _ := f.ends.For(sel.Kind)
	return &Plan{
		Kind:     sel.Kind,
		Endpoint: endpoint,
		Payload:  sel.Payload,
	}, nil
}

func (f *flow) record(ctx context.Context, wf *workflow.Workflow, id string, res *synth.Result) error {
	if res == nil || !res.Success {
		var reason string
		if res != nil {
			reason = res.Reason
		}
		wf.Logger().Warn("songflow: synthesis rejected", "song", id, "reason", reason)
		return f.songs.SetSongStatus(ctx, id, storage.Failed)
	}
	if res.AudioKey == nil || *res.AudioKey == "" || res.ThumbnailKey == nil || *res.ThumbnailKey == "" {
		wf.Logger().Warn("songflow: synthesis response without asset keys", "song", id)
		return f.songs.SetSongStatus(ctx, id, storage.Failed)
	}
	if err := f.songs.CompleteSong(ctx, id, *res.AudioKey, *res.ThumbnailKey, res.Categories); err != nil {
		return err
	}
	wf.Logger().Info("songflow: song processed", "song", id, "categories", len(res.Categories))
	return nil
}

func (f *flow) fail(ctx context.Context, in Input, cause error) error {
	// The song is left untouched for events that don't come from its owner.
	if errors.Is(cause, ErrWrongOwner) {
		return nil
	}
	if err := f.songs.SetSongStatus(ctx, in.SongID, storage.Failed); err != nil {
		return fmt.Errorf("songflow: couldn't mark song %s as failed after %v: %w", in.SongID, cause, err)
	}
	return nil
}

// Request converts a stored song into a mode selection request.
func Request(v *storage.Song) mode.Request {
	return mode.Request{
		FullDescribedSong: v.FullDescribedSong,
		Prompt:            v.Prompt,
		Lyrics:            v.Lyrics,
		DescribedLyrics:   v.DescribedLyrics,
		Instrumental:      v.Instrumental,
		AudioDuration:     v.AudioDuration,
		GuidanceScale:     v.GuidanceScale,
		InferStep:         v.InferStep,
	}
}
