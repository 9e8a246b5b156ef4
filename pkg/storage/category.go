package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Category struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time

	Name string `gorm:"uniqueIndex;not null;default:''"`
}

func (s *Store) ListCategories(ctx context.Context) ([]*Category, error) {
	vs := []*Category{}
	if err := s.db.WithContext(ctx).Order("name").Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list categories: %w", err)
	}
	return vs, nil
}

// upsertCategories returns the categories with the given names, creating the
// ones that don't exist yet. Blank and repeated names are ignored.
func upsertCategories(tx *gorm.DB, names []string) ([]*Category, error) {
	seen := map[string]struct{}{}
	var unique []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	if len(unique) == 0 {
		return []*Category{}, nil
	}
	for _, n := range unique {
		v := &Category{ID: ulid.Make().String(), Name: n}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(v).Error; err != nil {
			return nil, fmt.Errorf("storage: failed to create category %q: %w", n, err)
		}
	}
	vs := []*Category{}
	if err := tx.Where("name IN ?", unique).Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to get categories: %w", err)
	}
	return vs, nil
}
