package submit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestRunInProcess(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		mu.Lock()
		bodies = append(bodies, m)
		mu.Unlock()
		if r.URL.Path == "/describe" {
			_, _ = w.Write([]byte(`{"s3_key":"audio/x.wav","s3_thumbnail_key":"thumb/x.png","categories":["ambient"]}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "requests.json")
	require.NoError(t, os.WriteFile(input, []byte(`[
		{"title":"Rain","full_described_song":"slow rain","guidance_scale":3.5},
		{"prompt":"rock","lyrics":"hey"},
		{"prompt":"only a prompt"}
	]`), 0644))
	dbConn := filepath.Join(dir, "test.db")

	require.NoError(t, Run(ctx, &Config{
		DBType:           "sqlite",
		DBConn:           dbConn,
		UserID:           "alice",
		Input:            input,
		DescribeEndpoint: srv.URL + "/describe",
		LyricsEndpoint:   srv.URL + "/lyrics",
	}))

	store, err := storage.New("sqlite", dbConn, false)
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx))
	defer func() { _ = store.Close() }()
	songs, err := store.ListUserSongs(ctx, "alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, songs, 3)

	byTitle := map[string]*storage.Song{}
	statuses := map[storage.Status]int{}
	for _, s := range songs {
		byTitle[s.Title] = s
		statuses[s.Status]++
	}
	require.Equal(t, storage.Processed, byTitle["Rain"].Status)
	require.Equal(t, []string{"ambient"}, byTitle["Rain"].CategoryNames())
	require.Equal(t, 1, statuses[storage.Processed])
	require.Equal(t, 2, statuses[storage.Failed])

	// The unselectable request never reaches the service
	require.Len(t, bodies, 2)
}

func TestReadRequests(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "requests.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("title,prompt,lyrics,infer_step\nOne,pop,la la,60\n"), 0644))

	reqs, err := readRequests(csvPath)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "pop", reqs[0].Prompt)

	song := reqs[0].song("alice")
	require.Equal(t, "alice", song.UserID)
	require.Equal(t, 60, *song.InferStep)
	require.Nil(t, song.GuidanceScale)
	require.Nil(t, song.AudioDuration)

	_, err = readRequests(filepath.Join(dir, "requests.txt"))
	require.Error(t, err)
}
