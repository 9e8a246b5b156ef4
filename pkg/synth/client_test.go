package synth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return New(&Config{Key: "key", Secret: "secret", Logger: log.New(io.Discard)})
}

func TestInvoke(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantSuccess    bool
		wantAudio      string
		wantThumbnail  string
		wantCategories []string
	}{
		{
			name:           "success",
			status:         http.StatusOK,
			body:           `{"s3_key":"audio/a.wav","s3_thumbnail_key":"thumb/a.png","categories":["pop","rock"]}`,
			wantSuccess:    true,
			wantAudio:      "audio/a.wav",
			wantThumbnail:  "thumb/a.png",
			wantCategories: []string{"pop", "rock"},
		},
		{
			name:           "no categories",
			status:         http.StatusOK,
			body:           `{"s3_key":"audio/a.wav"}`,
			wantSuccess:    true,
			wantAudio:      "audio/a.wav",
			wantCategories: []string{},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `boom`,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":"invalid"}`,
		},
		{
			name:   "unparseable body",
			status: http.StatusOK,
			body:   `<html>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := newTestClient().Invoke(context.Background(), srv.URL, map[string]any{"prompt": "x"})
			require.NoError(t, err)
			require.Equal(t, tt.wantSuccess, res.Success)
			require.Equal(t, tt.status, res.StatusCode)
			if !tt.wantSuccess {
				require.NotEmpty(t, res.Reason)
				require.Nil(t, res.AudioKey)
				return
			}
			require.Equal(t, tt.wantAudio, *res.AudioKey)
			if tt.wantThumbnail == "" {
				require.Nil(t, res.ThumbnailKey)
			} else {
				require.Equal(t, tt.wantThumbnail, *res.ThumbnailKey)
			}
			require.Equal(t, tt.wantCategories, res.Categories)
		})
	}
}

func TestInvokeRequest(t *testing.T) {
	var got *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient().Invoke(context.Background(), srv.URL, map[string]any{"description": "a happy song", "seed": 3})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "key", got.Header.Get("Modal-Key"))
	require.Equal(t, "secret", got.Header.Get("Modal-Secret"))
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Empty(t, got.Header.Get("Idempotency-Key"))
	require.Equal(t, "a happy song", body["description"])
	require.Equal(t, 3.0, body["seed"])
}

func TestInvokeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient().Invoke(context.Background(), url, map[string]any{})
	require.Error(t, err)
	require.True(t, IsTransport(err))

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, url, terr.Endpoint)

	require.False(t, IsTransport(errors.New("other")))
}
