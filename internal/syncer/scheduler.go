// Package syncer drains the offline queue when any trigger source
// fires: connectivity restoration, a periodic tick, or an explicit
// foreground command. Draining is at-least-once: concurrent drains may
// deliver the same entry twice, and the upstream is expected to
// tolerate duplicates.
package syncer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/share-sync/internal/notify"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/share"
)

// drainConcurrency bounds how many queued entries one drain attempts
// at a time.
const drainConcurrency = 4

// Deliverer performs the remote write for one share payload.
// *upstream.Client satisfies this interface.
type Deliverer interface {
	Deliver(ctx context.Context, p *share.Payload) error
}

// Notifier publishes sync events to foreground clients.
// *notify.Hub satisfies this interface.
type Notifier interface {
	Broadcast(ctx context.Context, ev notify.Event)
}

// Scheduler owns the drain routine and the trigger sources feeding it.
type Scheduler struct {
	queue     *queue.Queue
	deliverer Deliverer
	notifier  Notifier
	logger    *slog.Logger
	sources   []TriggerSource
}

// New creates a scheduler. Sources are started by Run.
func New(q *queue.Queue, d Deliverer, n Notifier, logger *slog.Logger, sources ...TriggerSource) *Scheduler {
	return &Scheduler{
		queue:     q,
		deliverer: d,
		notifier:  n,
		logger:    logger,
		sources:   sources,
	}
}

// Run starts all trigger sources and consumes triggers until the
// context is cancelled. Each trigger invokes one drain; drain errors
// are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	triggers := make(chan TriggerKind)

	g, gctx := errgroup.WithContext(ctx)

	for _, src := range s.sources {
		g.Go(func() error {
			return src.Run(gctx, triggers)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case kind := <-triggers:
				if err := s.Drain(gctx, kind); err != nil {
					s.logger.Error("queue drain failed",
						slog.String("trigger", kind.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	return g.Wait()
}

// Drain reads the current entry list once and attempts delivery of
// each entry independently. Safe to invoke concurrently: two drains
// racing on the same entry can at worst both deliver it before either
// removal lands, which keeps the at-least-once guarantee. Entries that
// fail remain queued for the next trigger; a partial drain is a
// correct outcome, not an error.
func (s *Scheduler) Drain(ctx context.Context, kind TriggerKind) error {
	entries, err := s.queue.List()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		s.logger.Debug("queue empty, nothing to drain", slog.String("trigger", kind.String()))
		return nil
	}

	// Queue depth is the only visibility operators get into entries
	// that fail indefinitely; there is no retry limit or expiry.
	s.logger.Info("draining offline queue",
		slog.String("trigger", kind.String()),
		slog.Int("pending", len(entries)),
	)

	var g errgroup.Group

	g.SetLimit(drainConcurrency)

	for _, entry := range entries {
		g.Go(func() error {
			s.attempt(ctx, entry)
			return nil
		})
	}

	_ = g.Wait()

	return nil
}

// attempt delivers one entry. The entry is removed from the queue
// strictly after a confirmed successful remote write; on any failure
// it is left in place for the next trigger.
func (s *Scheduler) attempt(ctx context.Context, entry queue.Entry) {
	payload, err := queue.PayloadFromEntry(entry)
	if err != nil {
		// A corrupt entry can never deliver. It stays queued (removal
		// requires a confirmed success) but is worth a loud log line.
		s.logger.Error("queued entry is undecodable",
			slog.Uint64("id", entry.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := s.deliverer.Deliver(ctx, payload); err != nil {
		s.logger.Debug("delivery attempt failed, entry retained",
			slog.Uint64("id", entry.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := s.queue.Remove(entry.ID); err != nil {
		// The entry was delivered but not removed; the next drain will
		// deliver it again. Acceptable under at-least-once.
		s.logger.Warn("removing delivered entry failed",
			slog.Uint64("id", entry.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("queued share delivered", slog.Uint64("id", entry.ID))

	s.notifier.Broadcast(ctx, notify.Synced(entry.ID))
}
