package status

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/igolaizola/synthara/pkg/songflow"
	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/igolaizola/synthara/pkg/workflow"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	dbConn := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.New("sqlite", dbConn, false)
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx))
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.CreateSong(ctx, &storage.Song{ID: "s1", UserID: "u1", Prompt: "pop", Lyrics: "la"}))
	require.NoError(t, store.SetSongStatus(ctx, "s1", storage.Processing))
	started := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &workflow.Run{
		ID:        "r1",
		Workflow:  songflow.Name,
		Key:       "s1",
		State:     workflow.RunStateRunning,
		Cursor:    2,
		Input:     []byte(`{"songId":"s1","userId":"u1"}`),
		CreatedAt: started,
		StartedAt: &started,
	}))
	plan, err := json.Marshal(&songflow.Plan{Kind: mode.LyricsStyle, Endpoint: "http://synth"})
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, &workflow.Checkpoint{
		RunID: "r1", Step: songflow.StepFetch, IdempotencyKey: "r1/" + songflow.StepFetch, Data: plan, CreatedAt: started,
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, Run(ctx, &Config{DBType: "sqlite", DBConn: dbConn, ID: "s1", Output: &out}))

	var r Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	require.Equal(t, "processing", r.Status)
	require.Equal(t, "r1", r.Run)
	require.Equal(t, "running", r.State)
	require.Equal(t, songflow.StepDispatch, r.Step)
	require.Equal(t, "lyrics+style", r.Mode)
}

func TestRunMissingSong(t *testing.T) {
	ctx := context.Background()
	dbConn := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.New("sqlite", dbConn, false)
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx))
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Close())

	err = Run(ctx, &Config{DBType: "sqlite", DBConn: dbConn, ID: "nope", Output: &bytes.Buffer{}})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Error(t, Run(ctx, &Config{DBType: "sqlite", DBConn: dbConn}))
}
