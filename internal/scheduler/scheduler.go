package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"famlink/internal/clock"
)

// Expirer moves grants past their expiry into the Expired state
type Expirer interface {
	ExpireDue(ctx context.Context) int
}

// Pruner removes old terminal grant records
type Pruner interface {
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

// Scheduler drives clock-based grant expiry while sync is running
type Scheduler struct {
	expirer   Expirer
	pruner    Pruner // optional
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	stopChan  chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger

	lastPrune time.Time
}

// NewScheduler creates a new scheduler. A nil pruner or zero retention
// disables pruning.
func NewScheduler(expirer Expirer, pruner Pruner, interval, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		expirer:   expirer,
		pruner:    pruner,
		retention: retention,
		interval:  interval,
		clock:     clk,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		logger:    logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler loop and blocks until Stop or ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.doneChan)

	s.logger.Info("Scheduler started", "interval", s.interval)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", "reason", ctx.Err())
			return
		case <-s.stopChan:
			s.logger.Info("Scheduler stopped")
			return
		}
	}
}

// Stop stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Done is closed once the loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneChan
}

// tick performs one cycle of the scheduler
func (s *Scheduler) tick(ctx context.Context) {
	expired := s.expirer.ExpireDue(ctx)
	s.logger.Debug("Scheduler tick", "expired", expired)
	if expired > 0 {
		s.logger.Info("Expired grants", "count", expired)
	}

	s.prune(ctx)
}

// prune runs at most once per retention/24 window
func (s *Scheduler) prune(ctx context.Context) {
	if s.pruner == nil || s.retention <= 0 {
		return
	}

	now := s.clock.Now()
	every := s.retention / 24
	if every < s.interval {
		every = s.interval
	}
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < every {
		return
	}
	s.lastPrune = now

	n, err := s.pruner.PruneTerminal(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("Failed to prune grant records", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Pruned terminal grant records", "count", n)
	}
}
