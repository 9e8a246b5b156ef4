// Package api exposes the song generation HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/igolaizola/synthara/pkg/event"
	"github.com/igolaizola/synthara/pkg/storage"
)

const (
	sessionCookie   = "session_token"
	requestIDHeader = "X-Request-Id"
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodySize     = 1 << 20
)

type Songs interface {
	CreateSong(ctx context.Context, v *storage.Song) error
	GetUserSong(ctx context.Context, userID, id string) (*storage.Song, error)
	ListUserSongs(ctx context.Context, userID string, page, size int) ([]*storage.Song, error)
	SetSongStatus(ctx context.Context, id string, status storage.Status) error
	RenameSong(ctx context.Context, userID, id, title string) error
	TogglePublished(ctx context.Context, userID, id string) (bool, error)
}

type Sessions interface {
	GetSession(ctx context.Context, token string) (*storage.Session, error)
}

// Files issues URLs for stored assets.
type Files interface {
	URL(ctx context.Context, key string) (string, error)
}

type Config struct {
	Songs    Songs
	Sessions Sessions
	Files    Files
	Sender   event.Sender

	// Credentials protect the event ingress endpoint with basic auth. The
	// endpoint isn't mounted without them.
	Credentials map[string]string

	Logger *log.Logger
	Debug  bool
	Now    func() time.Time
}

type server struct {
	songs    Songs
	sessions Sessions
	files    Files
	sender   event.Sender
	logger   *log.Logger
	now      func() time.Time
}

// New returns the HTTP handler of the API.
func New(cfg *Config) http.Handler {
	s := &server{
		songs:    cfg.Songs,
		sessions: cfg.Sessions,
		files:    cfg.Files,
		sender:   cfg.Sender,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := chi.NewRouter()

	// Add middleware
	mux.Use(middleware.RealIP)
	mux.Use(requestID)
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Timeout(60 * time.Second))
	if cfg.Debug {
		mux.Use(middleware.Logger)
	}

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Event ingress is only served behind basic auth
	if len(cfg.Credentials) > 0 {
		mux.Group(func(r chi.Router) {
			r.Use(middleware.BasicAuth("events", cfg.Credentials))
			r.Post("/api/events", s.postEvent)
		})
	}

	mux.Group(func(r chi.Router) {
		r.Use(s.session)
		r.Post("/api/songs", s.createSong)
		r.Get("/api/songs", s.listSongs)
		r.Get("/api/songs/{id}", s.getSong)
		r.Get("/api/songs/{id}/play", s.playSong)
		r.Patch("/api/songs/{id}", s.renameSong)
		r.Post("/api/songs/{id}/publish", s.publishSong)
	})
	return mux
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func userID(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

// session resolves the user from a bearer token or the session cookie.
func (s *server) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			if c, err := r.Cookie(sessionCookie); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			http.Error(w, "missing session", http.StatusUnauthorized)
			return
		}
		sess, err := s.sessions.GetSession(r.Context(), token)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		if err != nil {
			s.fail(w, r, "couldn't get session", err)
			return
		}
		if sess.Expired(s.now()) {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) postEvent(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&e); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode event: %v", err), http.StatusBadRequest)
		return
	}
	if err := e.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sender.Send(r.Context(), &e); err != nil {
		if errors.Is(err, event.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.fail(w, r, "couldn't send event", err)
		return
	}
	s.logger.Info("api: event accepted", "request_id", w.Header().Get(requestIDHeader), "song", e.Data.SongID, "user", e.Data.UserID)
	s.json(w, http.StatusAccepted, map[string]string{"id": e.Data.SongID})
}

type submitRequest struct {
	Title             string   `json:"title"`
	FullDescribedSong string   `json:"full_described_song"`
	Prompt            string   `json:"prompt"`
	Lyrics            string   `json:"lyrics"`
	DescribedLyrics   string   `json:"described_lyrics"`
	Instrumental      bool     `json:"instrumental"`
	AudioDuration     *float64 `json:"audio_duration"`
	GuidanceScale     *float64 `json:"guidance_scale"`
	InferStep         *int     `json:"infer_step"`
}

func (s *server) createSong(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode song: %v", err), http.StatusBadRequest)
		return
	}
	v := &storage.Song{
		UserID:            uid,
		Title:             strings.TrimSpace(req.Title),
		FullDescribedSong: strings.TrimSpace(req.FullDescribedSong),
		Prompt:            strings.TrimSpace(req.Prompt),
		Lyrics:            strings.TrimSpace(req.Lyrics),
		DescribedLyrics:   strings.TrimSpace(req.DescribedLyrics),
		Instrumental:      req.Instrumental,
		AudioDuration:     req.AudioDuration,
		GuidanceScale:     req.GuidanceScale,
		InferStep:         req.InferStep,
	}
	if err := s.songs.CreateSong(ctx, v); err != nil {
		s.fail(w, r, "couldn't create song", err)
		return
	}
	if err := s.sender.Send(ctx, event.New(v.ID, uid)); err != nil {
		if serr := s.songs.SetSongStatus(context.WithoutCancel(ctx), v.ID, storage.Failed); serr != nil {
			s.logger.Error("api: couldn't mark unsent song as failed", "song", v.ID, "err", serr)
		}
		s.fail(w, r, "couldn't queue song", err)
		return
	}
	s.logger.Info("api: song queued", "request_id", w.Header().Get(requestIDHeader), "song", v.ID, "user", uid)
	s.json(w, http.StatusCreated, s.view(ctx, v))
}

// Song is the public representation of a song.
type Song struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Published    bool      `json:"published"`
	Categories   []string  `json:"categories"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *server) view(ctx context.Context, v *storage.Song) *Song {
	out := &Song{
		ID:         v.ID,
		Title:      v.Title,
		Status:     string(v.Status),
		Published:  v.Published,
		Categories: v.CategoryNames(),
		CreatedAt:  v.CreatedAt,
	}
	if v.Status == storage.Processed && v.ThumbnailKey != nil && s.files != nil {
		u, err := s.files.URL(ctx, *v.ThumbnailKey)
		if err != nil {
			s.logger.Warn("api: couldn't presign thumbnail", "song", v.ID, "err", err)
		} else {
			out.ThumbnailURL = u
		}
	}
	return out
}

func (s *server) listSongs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Obtain page from query params
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	songs, err := s.songs.ListUserSongs(ctx, userID(ctx), page, size)
	if err != nil {
		s.fail(w, r, "couldn't list songs", err)
		return
	}
	views := make([]*Song, 0, len(songs))
	for _, v := range songs {
		views = append(views, s.view(ctx, v))
	}
	s.json(w, http.StatusOK, views)
}

func (s *server) userSong(w http.ResponseWriter, r *http.Request) (*storage.Song, bool) {
	ctx := r.Context()
	v, err := s.songs.GetUserSong(ctx, userID(ctx), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "song not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, "couldn't get song", err)
		return nil, false
	}
	return v, true
}

func (s *server) getSong(w http.ResponseWriter, r *http.Request) {
	v, ok := s.userSong(w, r)
	if !ok {
		return
	}
	s.json(w, http.StatusOK, s.view(r.Context(), v))
}

func (s *server) playSong(w http.ResponseWriter, r *http.Request) {
	v, ok := s.userSong(w, r)
	if !ok {
		return
	}
	if v.Status != storage.Processed || v.AudioKey == nil || s.files == nil {
		http.Error(w, "song audio not available", http.StatusNotFound)
		return
	}
	u, err := s.files.URL(r.Context(), *v.AudioKey)
	if err != nil {
		s.fail(w, r, "couldn't presign audio", err)
		return
	}
	s.json(w, http.StatusOK, map[string]string{"url": u})
}

func (s *server) renameSong(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode title: %v", err), http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.songs.RenameSong(ctx, userID(ctx), id, title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "song not found", http.StatusNotFound)
			return
		}
		s.fail(w, r, "couldn't rename song", err)
		return
	}
	s.json(w, http.StatusOK, map[string]string{"id": id, "title": title})
}

func (s *server) publishSong(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	published, err := s.songs.TogglePublished(ctx, userID(ctx), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "song not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, "couldn't toggle published", err)
		return
	}
	s.json(w, http.StatusOK, map[string]any{"id": id, "published": published})
}

func (s *server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api: couldn't encode response", "err", err)
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error("api: "+msg, "request_id", w.Header().Get(requestIDHeader), "path", r.URL.Path, "err", err)
	http.Error(w, msg, http.StatusInternalServerError)
}
