package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Strategy names reported in an upload Result.
const (
	StrategyStream   = "stream"
	StrategyBuffered = "buffered"
)

// Source is a file-like handle whose reported size is sometimes wrong:
// some mobile share clients report 0 for non-empty content. Open
// returns a fresh reader over the content; it may be called again
// after a failed streaming attempt.
type Source interface {
	ReportedSize() int64
	Open() (io.ReadCloser, error)
}

// BytesSource adapts an in-memory buffer to a Source. The reported
// size is carried separately from the buffer so callers can preserve
// whatever (possibly wrong) size the platform declared.
type BytesSource struct {
	Data []byte
	Size int64
}

func (s *BytesSource) ReportedSize() int64 { return s.Size }

func (s *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// PathSource adapts a file on disk to a Source, reporting the size
// from stat at open time.
type PathSource struct {
	Path string
}

func (s *PathSource) ReportedSize() int64 {
	info, err := os.Stat(s.Path)
	if err != nil {
		return 0
	}

	return info.Size()
}

func (s *PathSource) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// Result describes how an upload was performed. Informational only;
// callers must not branch delivery success on the strategy used.
type Result struct {
	BytesWritten int64
	Strategy     string
}

// Uploader writes shared file content to a blob store, choosing
// between a streaming and a fully-buffered write.
type Uploader struct {
	store  Store
	logger *slog.Logger
}

// NewUploader creates an uploader over the given store.
func NewUploader(store Store, logger *slog.Logger) *Uploader {
	return &Uploader{store: store, logger: logger}
}

// Upload writes the source content under key. When the reported size
// is positive, a streaming write of exactly that many bytes is
// attempted first; on any streaming failure the content is re-read
// fully into memory and written as one buffer instead of propagating
// the error. A zero reported size skips straight to the buffered path.
// A zero-length buffer is not an error: nothing is written and the
// result reports zero bytes, letting the caller decide whether to keep
// a metadata-only record.
func (u *Uploader) Upload(ctx context.Context, key, contentType string, src Source) (Result, error) {
	if size := src.ReportedSize(); size > 0 {
		written, err := u.stream(ctx, key, contentType, src, size)
		if err == nil {
			return Result{BytesWritten: written, Strategy: StrategyStream}, nil
		}

		u.logger.Debug("streaming upload failed, retrying buffered",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return u.buffered(ctx, key, contentType, src)
}

func (u *Uploader) stream(ctx context.Context, key, contentType string, src Source, size int64) (int64, error) {
	rc, err := src.Open()
	if err != nil {
		return 0, fmt.Errorf("opening source stream: %w", err)
	}
	defer rc.Close()

	counter := &countingReader{r: io.LimitReader(rc, size)}
	if err := u.store.Put(ctx, key, counter, size, contentType); err != nil {
		return 0, err
	}

	return counter.n, nil
}

func (u *Uploader) buffered(ctx context.Context, key, contentType string, src Source) (Result, error) {
	rc, err := src.Open()
	if err != nil {
		return Result{}, fmt.Errorf("opening source for buffered read: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Result{}, fmt.Errorf("buffering source content: %w", err)
	}

	if len(data) == 0 {
		u.logger.Info("share source yielded zero bytes",
			slog.String("key", key),
		)

		return Result{BytesWritten: 0, Strategy: StrategyBuffered}, nil
	}

	if err := u.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return Result{}, err
	}

	return Result{BytesWritten: int64(len(data)), Strategy: StrategyBuffered}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}
