// Package blob provides the storage backends that receive shared file
// content, plus the upload strategy selector that tolerates unreliable
// size metadata.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/spf13/afero"
)

// Store is a durable blob storage backend. Put writes the content read
// from r under key. size is the expected byte count, or -1 when
// unknown; backends that require a known length must not be handed an
// unknown size (the upload selector never does).
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// LocalStore writes blobs to a directory on the local filesystem
// through an afero filesystem, which keeps tests free of real disk.
type LocalStore struct {
	fs afero.Fs
}

// NewLocalStore creates a store rooted at dir on the OS filesystem.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewLocalStoreFs creates a store over an arbitrary afero filesystem.
func NewLocalStoreFs(fs afero.Fs) *LocalStore {
	return &LocalStore{fs: fs}
}

// Put writes the blob to <root>/<key>, creating parent directories.
// The content type is not recorded; local storage keys carry the
// original filename extension instead.
func (s *LocalStore) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	if dir := path.Dir(key); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating blob directory: %w", err)
		}
	}

	f, err := s.fs.Create(key)
	if err != nil {
		return fmt.Errorf("creating blob %q: %w", key, err)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return fmt.Errorf("writing blob %q: %w", key, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing blob %q: %w", key, err)
	}

	if size >= 0 && written != size {
		return fmt.Errorf("writing blob %q: wrote %d bytes, expected %d", key, written, size)
	}

	return nil
}
