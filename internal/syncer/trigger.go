package syncer

import (
	"context"
	"log/slog"
	"time"
)

// TriggerKind identifies which signal fired a queue drain. All kinds
// converge on the same drain routine so behavior is identical
// regardless of origin.
type TriggerKind int

const (
	// TriggerOnline fires when connectivity to the upstream is
	// restored after an outage.
	TriggerOnline TriggerKind = iota

	// TriggerPeriodic fires on a recurring best-effort cadence.
	TriggerPeriodic

	// TriggerCommand fires on an explicit command from a foreground
	// client.
	TriggerCommand
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerOnline:
		return "online"
	case TriggerPeriodic:
		return "periodic"
	case TriggerCommand:
		return "command"
	default:
		return "unknown"
	}
}

// TriggerSource produces drain triggers. Sources run until the context
// is cancelled; a host without one of the built-in signals can supply
// its own source without changing drain logic.
type TriggerSource interface {
	Run(ctx context.Context, triggers chan<- TriggerKind) error
}

// TickerSource fires a periodic trigger at a fixed interval.
type TickerSource struct {
	Interval time.Duration
}

func (s *TickerSource) Run(ctx context.Context, triggers chan<- TriggerKind) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			select {
			case triggers <- TriggerPeriodic:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Prober checks upstream reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeSource polls the upstream and fires an online trigger on each
// offline-to-online transition. It starts in the offline state, so the
// first successful probe after startup triggers a catch-up drain of
// anything queued by a previous run.
type ProbeSource struct {
	Prober   Prober
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *ProbeSource) Run(ctx context.Context, triggers chan<- TriggerKind) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	online := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			err := s.Prober.Probe(ctx)
			if err != nil {
				if online {
					s.Logger.Info("upstream connectivity lost", slog.String("error", err.Error()))
				}

				online = false

				continue
			}

			if online {
				continue
			}

			online = true

			s.Logger.Info("upstream connectivity restored")

			select {
			case triggers <- TriggerOnline:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// CommandSource forwards explicit drain commands from foreground
// clients. Fire never blocks; commands arriving while one is already
// pending are coalesced.
type CommandSource struct {
	ch chan struct{}
}

func NewCommandSource() *CommandSource {
	return &CommandSource{ch: make(chan struct{}, 1)}
}

// Fire requests a drain. Safe to call from any goroutine.
func (s *CommandSource) Fire() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *CommandSource) Run(ctx context.Context, triggers chan<- TriggerKind) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.ch:
			select {
			case triggers <- TriggerCommand:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
