// Package spool ingests files dropped into a local inbox directory as
// file shares. Each settled file runs through the same immediate
// delivery / offline queue flow as a share received over HTTP.
package spool

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/share"
	"github.com/alexjbarnes/share-sync/internal/syncer"
)

const (
	// settleDelay is how long a file must go without write events
	// before it is considered fully written and safe to ingest.
	settleDelay = 2 * time.Second

	// scanInterval is how often pending files are checked for
	// settlement.
	scanInterval = 500 * time.Millisecond

	// rejectedSuffix marks files the upstream or filter refused.
	// Suffixed files are left in the inbox and never re-ingested.
	rejectedSuffix = ".rejected"
)

// Watcher monitors the inbox directory and ingests settled files.
type Watcher struct {
	dir       string
	deliverer syncer.Deliverer
	queue     *queue.Queue
	rules     *share.FilterRules
	logger    *slog.Logger
}

// New creates an inbox watcher. rules may be nil.
func New(dir string, d syncer.Deliverer, q *queue.Queue, rules *share.FilterRules, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:       dir,
		deliverer: d,
		queue:     q,
		rules:     rules,
		logger:    logger,
	}
}

// Run watches the inbox until the context is cancelled. Files already
// present at startup are ingested once they settle.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool directory: %w", err)
	}

	// pending maps absolute paths to the time of their last event.
	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scanning spool directory: %w", err)
	}

	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() || w.shouldIgnore(entry.Name()) {
			continue
		}

		pending[filepath.Join(w.dir, entry.Name())] = now
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			w.handleEvent(pending, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.ingestSettled(ctx, pending)
		}
	}
}

func (w *Watcher) handleEvent(pending map[string]time.Time, event fsnotify.Event) {
	if w.shouldIgnore(filepath.Base(event.Name)) {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		if info, err := os.Lstat(event.Name); err != nil || info.IsDir() {
			return
		}

		pending[event.Name] = time.Now()
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(pending, event.Name)
	}
}

func (w *Watcher) ingestSettled(ctx context.Context, pending map[string]time.Time) {
	cutoff := time.Now().Add(-settleDelay)

	for path, last := range pending {
		if last.After(cutoff) {
			continue
		}

		delete(pending, path)

		if err := w.ingest(ctx, path); err != nil {
			w.logger.Error("ingesting spool file failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			// Leave the file pending so a later scan retries it.
			pending[path] = time.Now()
		}
	}
}

// ingest submits one inbox file through the share pipeline. The file
// is removed from the inbox once accepted; a queued share counts as
// accepted because durability has passed to the queue. Refused files
// are renamed aside so they are never re-ingested.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading spool file: %w", err)
	}

	name := filepath.Base(path)

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if err := w.rules.Check(mimeType, int64(len(data))); err != nil {
		w.logger.Info("spool file rejected by filter rules",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return w.reject(path)
	}

	payload := &share.Payload{
		File: &share.SharedFile{
			Name:     name,
			MimeType: mimeType,
			Data:     data,
		},
	}

	err = w.deliverer.Deliver(ctx, payload)

	switch {
	case err == nil:
		w.logger.Info("spool file delivered", slog.String("name", name))

	case syncerrors.IsTransient(err):
		id, qerr := w.queue.Enqueue(queue.EntryFromPayload(payload))
		if qerr != nil {
			// Neither delivered nor queued: keep the file in the inbox
			// and retry on a later scan.
			return fmt.Errorf("queueing spool file: %w", qerr)
		}

		w.logger.Info("spool file queued for later delivery",
			slog.String("name", name),
			slog.Uint64("id", id),
		)

	default:
		w.logger.Warn("spool file refused by upstream",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return w.reject(path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing ingested spool file: %w", err)
	}

	return nil
}

func (w *Watcher) reject(path string) error {
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		return fmt.Errorf("setting aside rejected spool file: %w", err)
	}

	return nil
}

func (w *Watcher) shouldIgnore(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	if strings.HasSuffix(name, rejectedSuffix) {
		return true
	}

	// Temp files from editors and partial downloads.
	return strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".part")
}
