package service

import (
	"context"
	"sort"

	"chatsync/internal/database"
)

// Tx is one store transaction as seen by the reconciler. It collects the
// conversations it touched and the acknowledgments it consumed so the engine
// can act on them after commit.
type Tx struct {
	Store *database.Store

	reconciler *StatusReconciler
	orphans    *OrphanTxn
	touched    map[string]struct{}
	acked      map[string]struct{}
}

func newTx(store *database.Store, reconciler *StatusReconciler, orphans *OrphanTxn) *Tx {
	return &Tx{
		Store:      store,
		reconciler: reconciler,
		orphans:    orphans,
		touched:    make(map[string]struct{}),
		acked:      make(map[string]struct{}),
	}
}

// Apply runs op through the status reconciler inside this transaction.
func (t *Tx) Apply(ctx context.Context, op Operation) error {
	return t.reconciler.Apply(ctx, t, op)
}

func (t *Tx) touch(conversationID string) {
	if conversationID != "" {
		t.touched[conversationID] = struct{}{}
	}
}

func (t *Tx) ack(remoteID string) {
	t.acked[remoteID] = struct{}{}
}

// Touched returns the conversations modified so far, sorted.
func (t *Tx) Touched() []string {
	out := make([]string, 0, len(t.touched))
	for id := range t.touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Tx) ackedIDs() []string {
	out := make([]string, 0, len(t.acked))
	for id := range t.acked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
