package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FSStorage implements Storage using the local filesystem.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates the base directory if needed.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.basePath, key+".json")
}

// Save writes to a temporary file first so a reader never sees half a receipt.
func (s *FSStorage) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(s.basePath, ".receipt-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), s.path(key))
	}
	if err != nil {
		os.Remove(f.Name())
		return 0, err
	}
	return n, nil
}

func (s *FSStorage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
