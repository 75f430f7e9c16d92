// Package autopersist implements AutoPersistScheduler (spec §4.H): a
// ticking background loop that calls Lifecycle.Persist at a fixed
// interval, plus an immediate persist on an externally signaled event
// (spec §4.H "signal-driven persist"). Its Run shape is grounded on the
// teacher's worker.SnapshotCoordinator ticker loop, collapsed from a
// multi-store enumeration down to the single process-wide Lifecycle this
// port carries.
package autopersist

import (
	"context"
	"log/slog"
	"time"
)

// Persister is the subset of Lifecycle the scheduler depends on.
type Persister interface {
	Persist(ctx context.Context) error
}

// Scheduler periodically persists the current UserDatabase and can also be
// kicked immediately via Signal (e.g. after a batch of writes, or before a
// tab/process is expected to close).
type Scheduler struct {
	lifecycle Persister
	interval  time.Duration
	signal    chan struct{}
}

// New constructs a Scheduler. A zero or negative interval disables the
// ticking path entirely; only explicit Signal calls trigger a persist.
func New(lifecycle Persister, interval time.Duration) *Scheduler {
	return &Scheduler{
		lifecycle: lifecycle,
		interval:  interval,
		signal:    make(chan struct{}, 1),
	}
}

// Signal requests an out-of-band persist on the next Run loop iteration.
// Non-blocking: a signal already pending is not duplicated.
func (s *Scheduler) Signal() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, persisting on every tick and on every
// Signal call. Per spec §4.H, this is skipped entirely under automated
// test mode — callers arrange that by simply not calling Run.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "autopersist-scheduler",
		"action", "worker_started",
	)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "autopersist-scheduler",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-tick:
			s.persist(ctx)
		case <-s.signal:
			s.persist(ctx)
		}
	}
}

func (s *Scheduler) persist(ctx context.Context) {
	if err := s.lifecycle.Persist(ctx); err != nil {
		slog.Warn("autopersist cycle failed",
			"component", "worker",
			"worker", "autopersist-scheduler",
			"action", "persist_failed",
			"error", err,
		)
	}
}
