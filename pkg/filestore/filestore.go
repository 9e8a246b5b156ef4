package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/igolaizola/synthara/pkg/filestore/local"
	"github.com/igolaizola/synthara/pkg/filestore/s3"
)

// ErrNoKey is returned when a URL is requested for an empty object key.
var ErrNoKey = errors.New("filestore: empty object key")

type fs interface {
	URL(ctx context.Context, name string) (string, error)
	Download(ctx context.Context, path, name string) error
}

// Store gives access to the assets written by the synthesis service.
type Store struct {
	fs fs
}

// URL returns a time-limited URL to fetch the object.
func (s *Store) URL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrNoKey
	}
	return s.fs.URL(ctx, key)
}

// Download copies the object to a local path.
func (s *Store) Download(ctx context.Context, key, path string) error {
	if key == "" {
		return ErrNoKey
	}
	return s.fs.Download(ctx, path, key)
}

// New creates a store from a connection string:
//
//	s3:    key:secret@bucket.region
//	local: /path/to/root
func New(typ, conn string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		key := auth[0]
		secret := auth[1]
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
		}
		bucket := loc[0]
		region := loc[1]
		candidate, err := s3.New(key, secret, region, bucket, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local":
		candidate, err := local.New(conn, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{fs: fs}, nil
}
