package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// Status of a song generation request.
type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Processed  Status = "processed"
	Failed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Queued, Processing, Processed, Failed:
		return true
	}
	return false
}

const DefaultTitle = "Untitled"

type Song struct {
	ID        string    `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	UserID string `gorm:"index;not null;default:''"`
	Title  string `gorm:"not null;default:'Untitled'"`
	Status Status `gorm:"index;not null;default:'queued'"`

	FullDescribedSong string `gorm:"not null;default:''"`
	Prompt            string `gorm:"not null;default:''"`
	Lyrics            string `gorm:"not null;default:''"`
	DescribedLyrics   string `gorm:"not null;default:''"`
	Instrumental      bool   `gorm:"not null;default:false"`
	AudioDuration     *float64
	GuidanceScale     *float64
	InferStep         *int

	AudioKey     *string
	ThumbnailKey *string
	Categories   []*Category `gorm:"many2many:song_categories"`

	Published bool `gorm:"not null;default:false"`
}

// CategoryNames returns the names of the categories of the song.
func (v *Song) CategoryNames() []string {
	names := make([]string, 0, len(v.Categories))
	for _, c := range v.Categories {
		names = append(names, c.Name)
	}
	return names
}

func (s *Store) GetSong(ctx context.Context, id string) (*Song, error) {
	var v Song
	if err := s.db.WithContext(ctx).Preload("Categories").First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get song %s: %w", id, err)
	}
	return &v, nil
}

// GetUserSong returns the song only if it belongs to the user.
func (s *Store) GetUserSong(ctx context.Context, userID, id string) (*Song, error) {
	var v Song
	q := s.db.WithContext(ctx).Preload("Categories")
	if err := q.First(&v, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get song %s: %w", id, err)
	}
	return &v, nil
}

// CreateSong stores a new queued song. The ID is generated if empty.
func (s *Store) CreateSong(ctx context.Context, v *Song) error {
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	if v.Title == "" {
		v.Title = DefaultTitle
	}
	v.Status = Queued
	v.AudioKey = nil
	v.ThumbnailKey = nil
	if err := s.db.WithContext(ctx).Omit("Categories").Create(v).Error; err != nil {
		return fmt.Errorf("storage: failed to create song %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) ListSongs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Song, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	vs := []*Song{}

	q := s.db.WithContext(ctx).Preload("Categories")
	q = q.Offset(offset).Limit(size)
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	// Order by
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list songs: %w", err)
	}
	return vs, nil
}

// ListUserSongs returns the songs of a user, newest first.
func (s *Store) ListUserSongs(ctx context.Context, userID string, page, size int) ([]*Song, error) {
	return s.ListSongs(ctx, page, size, "created_at desc, id desc", Where("user_id = ?", userID))
}

// SetSongStatus writes the status of a song. Writing Failed also clears the
// asset keys. Processed can only be written with CompleteSong. Processing is
// only written over Queued; on other songs it is a no-op.
func (s *Store) SetSongStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("storage: invalid song status %q", status)
	}
	if status == Processed {
		return fmt.Errorf("storage: song %s: processed status requires asset keys", id)
	}
	values := map[string]any{"status": status}
	if status == Failed {
		values["audio_key"] = nil
		values["thumbnail_key"] = nil
	}
	q := s.db.WithContext(ctx).Model(&Song{}).Where("id = ?", id)
	if status == Processing {
		q = q.Where("status = ?", Queued)
	}
	res := q.Updates(values)
	if res.Error != nil {
		return fmt.Errorf("storage: failed to set song %s status %s: %w", id, status, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Song{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("storage: failed to count song %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteSong marks a song as processed with its asset keys and attaches the
// categories, creating the missing ones by name.
func (s *Store) CompleteSong(ctx context.Context, id, audioKey, thumbnailKey string, categories []string) error {
	if audioKey == "" || thumbnailKey == "" {
		return fmt.Errorf("storage: song %s: processed status requires asset keys", id)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Song{}).Where("id = ?", id).Updates(map[string]any{
			"status":        Processed,
			"audio_key":     audioKey,
			"thumbnail_key": thumbnailKey,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		cats, err := upsertCategories(tx, categories)
		if err != nil {
			return err
		}
		return tx.Model(&Song{ID: id}).Association("Categories").Replace(cats)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: failed to complete song %s: %w", id, err)
	}
	return nil
}

// RenameSong changes the title of a song owned by the user.
func (s *Store) RenameSong(ctx context.Context, userID, id, title string) error {
	res := s.db.WithContext(ctx).Model(&Song{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("title", title)
	if res.Error != nil {
		return fmt.Errorf("storage: failed to rename song %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TogglePublished flips the published flag of a song owned by the user and
// returns the new value.
func (s *Store) TogglePublished(ctx context.Context, userID, id string) (bool, error) {
	var published bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v Song
		if err := tx.Select("id", "published").
			First(&v, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			return err
		}
		published = !v.Published
		return tx.Model(&Song{}).Where("id = ?", id).Update("published", published).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: failed to toggle song %s published: %w", id, err)
	}
	return published, nil
}
