// Package queue implements the durable offline queue of undelivered
// shares, backed by bbolt. Entries persist across restarts and are
// removed only after a confirmed successful delivery.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
)

const (
	// queueDirPerm is the permission mode for the queue directory.
	queueDirPerm = fs.FileMode(0o700)

	// queueFilePerm is the permission mode for the queue database file.
	queueFilePerm = fs.FileMode(0o600)

	// queueOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	queueOpenTimeout = 5 * time.Second
)

var sharesBucket = []byte("shares")

// File is a file attached to a queued share. Data is the file content
// as chunk-encoded base64 text; binary bytes are never stored raw so
// the record survives any JSON round trip intact.
type File struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Bytes decodes the base64 file content back to the original bytes.
func (f *File) Bytes() ([]byte, error) {
	return DecodeChunked(f.Data)
}

// Entry is one durable record awaiting delivery. Never mutated after
// creation, only deleted.
type Entry struct {
	ID        uint64 `json:"id"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	Files     []File `json:"files,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Queue wraps a bbolt database holding pending share entries.
type Queue struct {
	db *bolt.DB
}

// Open opens the queue database at the given path, creating it (and
// its directory) if needed. Returns ErrStorageUnavailable when the
// store cannot be opened.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), queueDirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating queue directory: %w", syncerrors.ErrStorageUnavailable, err)
	}

	db, err := bolt.Open(path, queueFilePerm, &bolt.Options{Timeout: queueOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerrors.ErrStorageUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sharesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing queue db: %w", syncerrors.ErrStorageUnavailable, err)
	}

	return &Queue{db: db}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends an entry with a fresh auto-incrementing id and the
// current timestamp, returning the assigned id. The entry's ID and
// Timestamp fields are overwritten.
func (q *Queue) Enqueue(e Entry) (uint64, error) {
	var id uint64

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sharesBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		e.ID = seq
		e.Timestamp = time.Now().UnixMilli()

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		id = seq

		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueueing share: %w", err)
	}

	return id, nil
}

// List returns all current entries. The order is stable within one
// call (ascending id) but insertion order is not guaranteed across
// database restores.
func (q *Queue) List() ([]Entry, error) {
	var entries []Entry

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}

	return entries, nil
}

// Remove deletes an entry by id. Idempotent: removing a non-existent
// id is not an error.
func (q *Queue) Remove(id uint64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).Delete(itob(id))
	})
	if err != nil {
		return fmt.Errorf("removing queue entry %d: %w", id, err)
	}

	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() (int, error) {
	var n int

	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(sharesBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting queue entries: %w", err)
	}

	return n, nil
}

// itob encodes an id as a big-endian key so bbolt iterates entries in
// ascending id order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}
