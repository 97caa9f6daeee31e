package service

import (
	"context"
	"sync"

	"chatsync/internal/constants"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
)

// SnapshotReader returns the newest limit messages of a conversation, oldest first.
type SnapshotReader func(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

type watcher struct {
	conversationID string
	limit          int
	ch             chan []*models.Message
}

// Notifier turns committed transactions into fresh timeline snapshots for
// watchers. Each watcher holds at most one undelivered snapshot; a newer one
// replaces it.
type Notifier struct {
	mu       sync.Mutex
	read     SnapshotReader
	watchers map[string]map[*watcher]struct{}
	logger   *logrus.Logger
}

func NewNotifier(read SnapshotReader, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Notifier{
		read:     read,
		watchers: make(map[string]map[*watcher]struct{}),
		logger:   logger,
	}
}

// Subscribe returns a channel receiving the current snapshot and one after
// every change to conversationID. The channel closes when ctx ends.
func (n *Notifier) Subscribe(ctx context.Context, conversationID string, limit int) (<-chan []*models.Message, error) {
	if limit <= 0 {
		limit = constants.DefaultWatchWindow
	}
	initial, err := n.read(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	w := &watcher{conversationID: conversationID, limit: limit, ch: make(chan []*models.Message, 1)}
	w.ch <- initial

	n.mu.Lock()
	set, ok := n.watchers[conversationID]
	if !ok {
		set = make(map[*watcher]struct{})
		n.watchers[conversationID] = set
	}
	set[w] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.remove(w)
	}()
	return w.ch, nil
}

func (n *Notifier) remove(w *watcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.watchers[w.conversationID]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(n.watchers, w.conversationID)
	}
	close(w.ch)
}

// Watchers returns the number of open subscriptions.
func (n *Notifier) Watchers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, set := range n.watchers {
		total += len(set)
	}
	return total
}

// Publish re-reads every watched conversation in conversationIDs and pushes
// the snapshot to its watchers without blocking.
func (n *Notifier) Publish(ctx context.Context, conversationIDs []string) {
	for _, id := range conversationIDs {
		n.mu.Lock()
		limits := make(map[int]struct{})
		for w := range n.watchers[id] {
			limits[w.limit] = struct{}{}
		}
		n.mu.Unlock()
		if len(limits) == 0 {
			continue
		}

		snapshots := make(map[int][]*models.Message, len(limits))
		for limit := range limits {
			snap, err := n.read(ctx, id, limit)
			if err != nil {
				n.logger.WithError(err).WithField(LogFieldConversationID, SanitizeAddress(id)).Warn("Failed to read timeline snapshot")
				continue
			}
			snapshots[limit] = snap
		}

		n.mu.Lock()
		for w := range n.watchers[id] {
			snap, ok := snapshots[w.limit]
			if !ok {
				continue
			}
			select {
			case <-w.ch:
			default:
			}
			w.ch <- snap
		}
		n.mu.Unlock()
	}
}
