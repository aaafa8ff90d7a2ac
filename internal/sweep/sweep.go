// Package sweep drives the time-based governance transitions: approval
// expiry, expiry warnings, deletion reminders and due purges. Each pass
// is idempotent, so overlapping or restarted sweepers cause no double
// effects.
package sweep

import (
	"context"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/deletion"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

// DefaultInterval is how often the sweeper runs when not overridden.
const DefaultInterval = time.Minute

// Sweeper ticks the approval engine and deletion scheduler forward.
type Sweeper struct {
	approvals *approval.Engine
	deletions *deletion.Scheduler
	interval  time.Duration
	logf      func(entry map[string]any)
}

// Option configures Sweeper behavior.
type Option func(*Sweeper)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger overrides the log sink.
func WithLogger(logf func(entry map[string]any)) Option {
	return func(s *Sweeper) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// New constructs a sweeper over the given engine and scheduler.
func New(approvals *approval.Engine, deletions *deletion.Scheduler, opts ...Option) *Sweeper {
	s := &Sweeper{
		approvals: approvals,
		deletions: deletions,
		interval:  DefaultInterval,
		logf:      obs.LogEvent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, sweeping every interval until the context ends. An
// immediate first pass covers work that accumulated while the process
// was down.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Failures in one stage never block the
// others; each stage reports its own error.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.timed("approval_expiry", func() error {
		expired, err := s.approvals.ExpireStale(ctx)
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			s.logf(map[string]any{"event": "sweep.approvals_expired", "count": len(expired)})
		}
		return nil
	})
	s.timed("approval_warning", func() error {
		return s.approvals.NotifyExpiring(ctx)
	})
	s.timed("deletion_reminders", func() error {
		return s.deletions.SendReminders(ctx)
	})
	s.timed("deletion_execute", func() error {
		executed, err := s.deletions.ExecuteDue(ctx)
		if err != nil {
			return err
		}
		if len(executed) > 0 {
			s.logf(map[string]any{"event": "sweep.deletions_executed", "count": len(executed)})
		}
		return nil
	})
}

func (s *Sweeper) timed(name string, fn func() error) {
	start := time.Now()
	err := fn()
	obs.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logf(map[string]any{"event": "sweep.stage_failed", "stage": name, "error": err.Error()})
	}
}
