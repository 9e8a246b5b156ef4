package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Session binds an opaque token to a user. Sessions are issued by the
// identity service; this store only reads them.
type Session struct {
	Token     string `gorm:"primarykey"`
	CreatedAt time.Time
	UserID    string    `gorm:"index;not null;default:''"`
	ExpiresAt time.Time `gorm:"index"`
}

func (v *Session) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	var v Session
	if err := s.db.WithContext(ctx).First(&v, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get session: %w", err)
	}
	return &v, nil
}

func (s *Store) SetSession(ctx context.Context, v *Session) error {
	if err := s.db.WithContext(ctx).Save(v).Error; err != nil {
		return fmt.Errorf("storage: failed to set session for user %s: %w", v.UserID, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).Delete(&Session{}, "token = ?", token).Error; err != nil {
		return fmt.Errorf("storage: failed to delete session: %w", err)
	}
	return nil
}
