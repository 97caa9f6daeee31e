package service

import (
	"context"
	"errors"
	"fmt"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/pkg/protocol/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StreamMerger fans the live subscriptions of a transport into one operation
// stream. Order is preserved within each subscription only.
type StreamMerger struct {
	transport types.Transport
	resolver  *IdentityResolver
	classes   []types.EventClass
	logger    *logrus.Logger
	errLogger *apperrors.Logger
}

func NewStreamMerger(transport types.Transport, resolver *IdentityResolver, logger *logrus.Logger) *StreamMerger {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamMerger{
		transport: transport,
		resolver:  resolver,
		classes:   types.LiveClasses,
		logger:    logger,
		errLogger: apperrors.NewLogger(logger),
	}
}

// Run subscribes to every live class and forwards resolved operations to out
// until ctx ends or every subscription closes. Unprocessable events are
// logged and dropped. Run never closes out.
func (m *StreamMerger) Run(ctx context.Context, out chan<- Operation) error {
	feeds := make(map[types.EventClass]<-chan types.Event, len(m.classes))
	for _, class := range m.classes {
		ch, err := m.transport.Subscribe(ctx, class)
		if err != nil {
			return apperrors.NewTransportError(fmt.Sprintf("subscribe %s", class), err)
		}
		feeds[class] = ch
	}

	m.logger.WithField(LogFieldCount, len(feeds)).Info("Starting stream merger")

	g, gctx := errgroup.WithContext(ctx)
	for class, ch := range feeds {
		class, ch := class, ch
		g.Go(func() error {
			return m.pump(gctx, class, ch, out)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *StreamMerger) pump(ctx context.Context, class types.EventClass, in <-chan types.Event, out chan<- Operation) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				m.logger.WithField(LogFieldEventClass, class).Info("Subscription closed")
				return nil
			}
			if ev.Class == "" {
				ev.Class = class
			}
			op, ok := m.resolve(ctx, ev)
			if !ok {
				continue
			}
			select {
			case out <- op:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// resolve runs the resolver, turning a panic on a hostile stanza into a drop.
func (m *StreamMerger) resolve(ctx context.Context, ev types.Event) (op Operation, ok bool) {
	labels := map[string]string{"class": string(ev.Class)}
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				LogFieldEventClass: ev.Class,
				"panic":            r,
			}).Error("Recovered from panic while resolving event")
			metrics.IncrementCounter("events_dropped_total", labels, "Live events dropped as unprocessable")
			op, ok = nil, false
		}
	}()

	op, err := m.resolver.ResolveEvent(ev)
	switch {
	case err == nil:
		metrics.IncrementCounter("events_received_total", labels, "Live events resolved into operations")
		return op, true
	case errors.Is(err, ErrIgnored):
		LogWithContext(ctx, m.logger).WithField(LogFieldEventClass, ev.Class).Debug("Skipping event: nothing to apply")
		metrics.IncrementCounter("events_ignored_total", labels, "Live events without applicable content")
		return nil, false
	default:
		m.errLogger.LogWarn(err, "Dropping malformed event", logrus.Fields{LogFieldEventClass: ev.Class})
		metrics.IncrementCounter("events_dropped_total", labels, "Live events dropped as unprocessable")
		return nil, false
	}
}
