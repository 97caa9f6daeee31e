package service

import (
	"context"
	"time"

	"chatsync/internal/metrics"

	"github.com/sirupsen/logrus"
)

// StaleOutgoingCounter counts outbound messages still short of Delivered
// that were sent before a cutoff.
type StaleOutgoingCounter interface {
	CountStaleOutgoing(ctx context.Context, olderThan time.Time) (int, error)
}

// DeliveryMonitor publishes how many outbound messages are waiting too long
// for a delivery receipt. It warns when that number changes to non-zero.
type DeliveryMonitor struct {
	store     StaleOutgoingCounter
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *logrus.Logger

	lastStale int
}

func NewDeliveryMonitor(store StaleOutgoingCounter, interval, threshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		store:     store,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		logger:    logger,
	}
}

// Run checks once immediately and then on every interval until ctx ends.
func (m *DeliveryMonitor) Run(ctx context.Context) {
	m.logger.WithFields(logrus.Fields{
		"interval":  m.interval,
		"threshold": m.threshold,
	}).Info("Delivery monitor started")

	m.check(ctx)
	runEvery(ctx, m.interval, m.check)
}

func (m *DeliveryMonitor) check(ctx context.Context) {
	cutoff := m.now().Add(-m.threshold)
	stale, err := m.store.CountStaleOutgoing(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Error("Delivery monitor could not count stale messages")
		}
		return
	}

	metrics.SetGauge("outbound_stale_messages", float64(stale), nil, "Outbound messages without delivery confirmation past the threshold")
	previous := m.lastStale
	m.lastStale = stale

	switch {
	case stale > 0 && stale != previous:
		m.logger.WithFields(logrus.Fields{
			LogFieldCount: stale,
			"threshold":   m.threshold,
		}).Warn("Outbound messages stuck before delivery confirmation")
	case stale == 0 && previous > 0:
		m.logger.Info("All outbound messages confirmed")
	}
}
