package synthara

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/stretchr/testify/require"
)

func TestGenerateSong(t *testing.T) {
	ctx := context.Background()
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Modal-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"s3_key":"audio/x.wav","s3_thumbnail_key":"thumb/x.png","categories":["lofi"]}`))
	}))
	defer srv.Close()

	assets := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "audio"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(assets, "thumb"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "audio", "x.wav"), []byte("riff"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "thumb", "x.png"), []byte("png"), 0644))
	out := filepath.Join(t.TempDir(), "out")

	cfg := &Config{
		Endpoints: mode.Endpoints{LyricsStyle: srv.URL},
		ModalKey:  "k",
		FSType:    "local",
		FSConn:    assets,
	}
	res, err := GenerateSong(ctx, cfg, mode.Request{Prompt: "lofi", Lyrics: "la"}, out)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{"lofi"}, res.Categories)
	require.Equal(t, "la", payload["lyrics"])
	require.FileExists(t, filepath.Join(out, "x.wav"))
	require.FileExists(t, filepath.Join(out, "x.png"))

	// Modes without an endpoint are not sent
	_, err = GenerateSong(ctx, cfg, mode.Request{FullDescribedSong: "calm"}, "")
	require.Error(t, err)
}
