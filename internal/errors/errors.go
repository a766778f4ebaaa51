// Package errors defines the sentinel errors and the transient error
// wrapper shared across share-sync components.
package errors

import "errors"

// Parse and intake errors.
var (
	ErrNoBoundary   = errors.New("content type has no multipart boundary")
	ErrNoParts      = errors.New("no recognizable multipart parts")
	ErrEmptyPayload = errors.New("share payload has no content")
	ErrFileRejected = errors.New("file rejected by filter rules")
)

// Storage and transport errors.
var (
	ErrStorageUnavailable = errors.New("queue storage unavailable")
	ErrUpstreamRejected   = errors.New("upstream rejected the payload")
)

// TransientError wraps an error that is likely temporary and safe to
// retry. The share receiver queues payloads that fail with a transient
// error instead of surfacing a hard failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as transient. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
