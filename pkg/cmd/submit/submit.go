package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gocarina/gocsv"
	"github.com/igolaizola/synthara/pkg/event"
	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/igolaizola/synthara/pkg/songflow"
	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/igolaizola/synthara/pkg/synth"
	"github.com/igolaizola/synthara/pkg/workflow"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	UserID string
	Input  string
	Limit  int

	// Single request, used when no input file is set
	Request Request

	DescribeEndpoint        string
	LyricsEndpoint          string
	DescribedLyricsEndpoint string
	ModalKey                string
	ModalSecret             string
	Rate                    float64
	Retries                 int
	UserConcurrency         int

	KafkaBrokers []string
	KafkaTopic   string
}

// Request is a song request as read from flags or an input file. Zero
// numeric values mean unset.
type Request struct {
	Title             string  `json:"title" csv:"title"`
	FullDescribedSong string  `json:"full_described_song" csv:"full_described_song"`
	Prompt            string  `json:"prompt" csv:"prompt"`
	Lyrics            string  `json:"lyrics" csv:"lyrics"`
	DescribedLyrics   string  `json:"described_lyrics" csv:"described_lyrics"`
	Instrumental      bool    `json:"instrumental" csv:"instrumental"`
	AudioDuration     float64 `json:"audio_duration" csv:"audio_duration"`
	GuidanceScale     float64 `json:"guidance_scale" csv:"guidance_scale"`
	InferStep         int     `json:"infer_step" csv:"infer_step"`
}

func (r *Request) song(userID string) *storage.Song {
	s := &storage.Song{
		UserID:            userID,
		Title:             strings.TrimSpace(r.Title),
		FullDescribedSong: r.FullDescribedSong,
		Prompt:            r.Prompt,
		Lyrics:            r.Lyrics,
		DescribedLyrics:   r.DescribedLyrics,
		Instrumental:      r.Instrumental,
	}
	if r.AudioDuration > 0 {
		v := r.AudioDuration
		s.AudioDuration = &v
	}
	if r.GuidanceScale > 0 {
		v := r.GuidanceScale
		s.GuidanceScale = &v
	}
	if r.InferStep > 0 {
		v := r.InferStep
		s.InferStep = &v
	}
	return s
}

// Run stores the song requests and triggers their generation. Without kafka
// brokers the workflow runs in process and Run waits for every run to end.
func Run(ctx context.Context, cfg *Config) error {
	var count int
	log.Info("submit: started")
	defer func() {
		log.Info("submit: ended", "count", count)
	}()
	logger := log.Default()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	if cfg.UserID == "" {
		return errors.New("submit: user id not set")
	}
	reqs := []*Request{&cfg.Request}
	if cfg.Input != "" {
		var err error
		reqs, err = readRequests(cfg.Input)
		if err != nil {
			return err
		}
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("submit: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("submit: couldn't start orm store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("submit: couldn't migrate orm store: %w", err)
	}

	var engine *workflow.Engine
	var sender event.Sender
	if len(cfg.KafkaBrokers) > 0 {
		publisher := event.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		sender = publisher
	} else {
		client := synth.New(&synth.Config{
			Key:    cfg.ModalKey,
			Secret: cfg.ModalSecret,
			Rate:   cfg.Rate,
			Logger: logger.WithPrefix("synth"),
			Debug:  cfg.Debug,
		})
		engine = workflow.New(store, &workflow.Config{
			Concurrency: cfg.UserConcurrency,
			Logger:      logger.WithPrefix("workflow"),
		})
		workflow.Register(engine, songflow.Definition(store, client, &songflow.Config{
			Endpoints: mode.Endpoints{
				Describe:             cfg.DescribeEndpoint,
				LyricsStyle:          cfg.LyricsEndpoint,
				StyleDescribedLyrics: cfg.DescribedLyricsEndpoint,
			},
			Retries: cfg.Retries,
		}))
		sender = event.SenderFunc(func(ctx context.Context, e *event.Event) error {
			_, err := workflow.Trigger(ctx, engine, songflow.Name, e.Data)
			return err
		})
	}

	var ids []string
	for _, r := range reqs {
		if cfg.Limit > 0 && count >= cfg.Limit {
			break
		}
		song := r.song(cfg.UserID)
		if err := store.CreateSong(ctx, song); err != nil {
			return fmt.Errorf("submit: couldn't create song: %w", err)
		}
		if err := sender.Send(ctx, event.New(song.ID, song.UserID)); err != nil {
			if err := store.SetSongStatus(context.WithoutCancel(ctx), song.ID, storage.Failed); err != nil {
				log.Error("submit: couldn't mark song as failed", "song", song.ID, "err", err)
			}
			return fmt.Errorf("submit: couldn't send event for song %s: %w", song.ID, err)
		}
		log.Info("submit: song queued", "song", song.ID, "mode", mode.Select(songflow.Request(song), 0).Kind)
		ids = append(ids, song.ID)
		count++
	}
	if engine == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		engine.Stop()
		return ctx.Err()
	case <-done:
	}
	for _, id := range ids {
		song, err := store.GetSong(ctx, id)
		if err != nil {
			return fmt.Errorf("submit: couldn't get song %s: %w", id, err)
		}
		log.Info("submit: song finished", "song", song.ID, "status", song.Status, "categories", strings.Join(song.CategoryNames(), ","))
	}
	return nil
}

func readRequests(path string) ([]*Request, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("submit: couldn't read input file: %w", err)
	}
	var reqs []*Request
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(b, &reqs); err != nil {
			return nil, fmt.Errorf("submit: couldn't unmarshal input: %w", err)
		}
	case ".csv":
		if err := gocsv.UnmarshalBytes(b, &reqs); err != nil {
			return nil, fmt.Errorf("submit: couldn't unmarshal input: %w", err)
		}
	default:
		return nil, fmt.Errorf("submit: unsupported input format: %s", ext)
	}
	return reqs, nil
}
