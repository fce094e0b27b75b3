// Package archive keeps settlement receipts outside the database, on local
// disk or in a Backblaze B2 bucket.
package archive

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound   = errors.New("receipt not found")
	ErrInvalidKey = errors.New("invalid receipt key")
)

// Storage defines the interface for blob storage.
type Storage interface {
	Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
}

// validKeyPattern admits wallet ids and hex hashes joined by dashes, nothing
// that could escape a directory.
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxKeyLength = 200

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLength || !validKeyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
