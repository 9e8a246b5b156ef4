package songs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gocarina/gocsv"
	"github.com/igolaizola/synthara/pkg/filestore"
	"github.com/igolaizola/synthara/pkg/storage"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	FSType string
	FSConn string

	UserID   string
	Status   string
	Output   string
	Download string
	Limit    int
	PageSize int
}

type row struct {
	ID         string    `json:"id" csv:"id"`
	CreatedAt  time.Time `json:"created_at" csv:"created_at"`
	Title      string    `json:"title" csv:"title"`
	Status     string    `json:"status" csv:"status"`
	Published  bool      `json:"published" csv:"published"`
	Categories string    `json:"categories" csv:"categories"`
	Audio      string    `json:"audio,omitempty" csv:"audio"`
	Thumbnail  string    `json:"thumbnail,omitempty" csv:"thumbnail"`
}

// Run exports the songs of a user to a csv or json file, newest first.
// Assets of processed songs are downloaded when a download folder is set.
func Run(ctx context.Context, cfg *Config) error {
	var count int
	log.Info("songs: started")
	defer func() {
		log.Info("songs: ended", "count", count)
	}()

	debug := func(msg string, args ...any) {
		if !cfg.Debug {
			return
		}
		log.Info(msg, args...)
	}

	if cfg.UserID == "" {
		return errors.New("songs: user id not set")
	}
	var marshal func([]*row) ([]byte, error)
	switch ext := filepath.Ext(cfg.Output); ext {
	case ".json":
		marshal = func(rs []*row) ([]byte, error) {
			return json.MarshalIndent(rs, "", "  ")
		}
	case ".csv":
		marshal = func(rs []*row) ([]byte, error) {
			return gocsv.MarshalBytes(rs)
		}
	default:
		return fmt.Errorf("songs: unsupported output format: %s", ext)
	}
	if cfg.Download != "" && cfg.FSType == "" {
		return errors.New("songs: download requires a file storage")
	}
	size := cfg.PageSize
	if size <= 0 {
		size = 100
	}
	filters := []storage.Filter{storage.Where("user_id = ?", cfg.UserID)}
	if cfg.Status != "" {
		st := storage.Status(cfg.Status)
		if !st.Valid() {
			return fmt.Errorf("songs: invalid status %q", cfg.Status)
		}
		filters = append(filters, storage.Where("status = ?", st))
	}

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("songs: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("songs: couldn't start orm store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var fs *filestore.Store
	if cfg.FSType != "" {
		fs, err = filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
		if err != nil {
			return fmt.Errorf("songs: couldn't create file storage: %w", err)
		}
	}
	if cfg.Download != "" {
		if err := os.MkdirAll(cfg.Download, 0755); err != nil {
			return fmt.Errorf("songs: couldn't create download directory: %w", err)
		}
	}

	var rows []*row
	for page := 1; ; page++ {
		songs, err := store.ListSongs(ctx, page, size, "created_at desc, id desc", filters...)
		if err != nil {
			return fmt.Errorf("songs: couldn't list songs: %w", err)
		}
		for _, s := range songs {
			if cfg.Limit > 0 && count >= cfg.Limit {
				break
			}
			r := &row{
				ID:         s.ID,
				CreatedAt:  s.CreatedAt,
				Title:      s.Title,
				Status:     string(s.Status),
				Published:  s.Published,
				Categories: strings.Join(s.CategoryNames(), ","),
			}
			if s.Status == storage.Processed && cfg.Download != "" {
				if r.Audio, err = download(ctx, fs, cfg.Download, s.ID, s.AudioKey); err != nil {
					return err
				}
				if r.Thumbnail, err = download(ctx, fs, cfg.Download, s.ID+"_thumb", s.ThumbnailKey); err != nil {
					return err
				}
				debug("songs: downloaded", "song", s.ID)
			}
			rows = append(rows, r)
			count++
		}
		if len(songs) < size || (cfg.Limit > 0 && count >= cfg.Limit) {
			break
		}
	}

	b, err := marshal(rows)
	if err != nil {
		return fmt.Errorf("songs: couldn't marshal songs: %w", err)
	}
	if err := os.WriteFile(cfg.Output, b, 0644); err != nil {
		return fmt.Errorf("songs: couldn't write output: %w", err)
	}
	return nil
}

func download(ctx context.Context, fs *filestore.Store, dir, name string, key *string) (string, error) {
	if key == nil || *key == "" {
		return "", nil
	}
	dst := filepath.Join(dir, name+path.Ext(*key))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := fs.Download(ctx, *key, dst); err != nil {
		return "", fmt.Errorf("songs: couldn't download %s: %w", *key, err)
	}
	return dst, nil
}
