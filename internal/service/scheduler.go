package service

import (
	"context"
	"time"

	"chatsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// runEvery calls fn on every tick of interval until ctx ends. A tick that
// fires while fn is still running is dropped.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// OrphanSweeper expires buffered status operations.
type OrphanSweeper interface {
	SweepOrphans() int
}

// Scheduler periodically expires orphaned status operations so a marker for
// a message that never arrives does not stay buffered forever.
type Scheduler struct {
	sweeper  OrphanSweeper
	interval time.Duration
	logger   *logrus.Logger
}

func NewScheduler(sweeper OrphanSweeper, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultSweepIntervalSec) * time.Second
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Run sweeps on every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithField("interval", s.interval).Info("Orphan sweep scheduler started")
	runEvery(ctx, s.interval, func(context.Context) { s.sweep() })
	s.logger.Info("Orphan sweep scheduler stopped")
}

func (s *Scheduler) sweep() int {
	removed := s.sweeper.SweepOrphans()
	if removed == 0 {
		s.logger.Debug("No orphan status operations expired")
		return 0
	}
	s.logger.WithField(LogFieldCount, removed).Info("Expired orphan status operations")
	return removed
}
