package service

import (
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/metrics"
)

type orphanEntry struct {
	op       Operation
	seq      uint64
	expireAt time.Time
}

// OrphanBuffer holds status operations whose message is not stored yet,
// keyed by remote id. Entries expire after a TTL; when the buffer is full
// the oldest entry is evicted.
type OrphanBuffer struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string][]orphanEntry
	size     int
	seq      uint64
	now      func() time.Time
}

func NewOrphanBuffer(ttl time.Duration, capacity int) *OrphanBuffer {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultOrphanMarkerTTLSec) * time.Second
	}
	if capacity <= 0 {
		capacity = constants.DefaultOrphanMarkerCapacity
	}
	return &OrphanBuffer{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string][]orphanEntry),
		now:      time.Now,
	}
}

// Len returns the number of buffered operations, including expired ones not
// yet swept.
func (b *OrphanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Begin starts a staging area whose changes reach the buffer only on Commit.
func (b *OrphanBuffer) Begin() *OrphanTxn {
	return &OrphanTxn{buf: b}
}

// Sweep drops expired entries and returns how many were removed.
func (b *OrphanBuffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for id, list := range b.entries {
		kept := list[:0]
		for _, e := range list {
			if now.Before(e.expireAt) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(b.entries, id)
		} else {
			b.entries[id] = kept
		}
	}
	b.size -= removed
	if removed > 0 {
		metrics.AddToCounter("orphan_markers_expired_total", float64(removed), nil, "Orphan status operations dropped after their TTL")
	}
	metrics.SetGauge("orphan_markers_pending", float64(b.size), nil, "Status operations waiting for their message")
	return removed
}

func (b *OrphanBuffer) put(remoteID string, ops []Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	expireAt := b.now().Add(b.ttl)
	for _, op := range ops {
		if b.size >= b.capacity {
			b.evictOldestLocked()
		}
		b.seq++
		b.entries[remoteID] = append(b.entries[remoteID], orphanEntry{op: op, seq: b.seq, expireAt: expireAt})
		b.size++
	}
	metrics.SetGauge("orphan_markers_pending", float64(b.size), nil, "Status operations waiting for their message")
}

// restore returns taken entries with their original expiry.
func (b *OrphanBuffer) restore(remoteID string, entries []orphanEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[remoteID] = append(entries, b.entries[remoteID]...)
	b.size += len(entries)
}

func (b *OrphanBuffer) take(remoteID string) []orphanEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.entries[remoteID]
	if !ok {
		return nil
	}
	delete(b.entries, remoteID)
	b.size -= len(list)

	now := b.now()
	live := make([]orphanEntry, 0, len(list))
	for _, e := range list {
		if now.Before(e.expireAt) {
			live = append(live, e)
		}
	}
	return live
}

func (b *OrphanBuffer) evictOldestLocked() {
	var (
		oldestID  string
		oldestIdx = -1
		oldestSeq uint64
	)
	for id, list := range b.entries {
		for i, e := range list {
			if oldestIdx < 0 || e.seq < oldestSeq {
				oldestID, oldestIdx, oldestSeq = id, i, e.seq
			}
		}
	}
	if oldestIdx < 0 {
		return
	}
	list := b.entries[oldestID]
	list = append(list[:oldestIdx], list[oldestIdx+1:]...)
	if len(list) == 0 {
		delete(b.entries, oldestID)
	} else {
		b.entries[oldestID] = list
	}
	b.size--
	metrics.IncrementCounter("orphan_markers_evicted_total", nil, "Orphan status operations evicted because the buffer was full")
}

// OrphanTxn stages buffer changes made inside one store transaction.
type OrphanTxn struct {
	buf   *OrphanBuffer
	puts  map[string][]Operation
	taken map[string][]orphanEntry
	done  bool
}

// Put stages op for buffering under remoteID.
func (t *OrphanTxn) Put(remoteID string, op Operation) {
	if t.puts == nil {
		t.puts = make(map[string][]Operation)
	}
	t.puts[remoteID] = append(t.puts[remoteID], op)
}

// Take removes and returns the live operations buffered for remoteID,
// including ones staged earlier in this transaction.
func (t *OrphanTxn) Take(remoteID string) []Operation {
	var ops []Operation
	if entries := t.buf.take(remoteID); len(entries) > 0 {
		if t.taken == nil {
			t.taken = make(map[string][]orphanEntry)
		}
		t.taken[remoteID] = append(t.taken[remoteID], entries...)
		for _, e := range entries {
			ops = append(ops, e.op)
		}
	}
	if staged, ok := t.puts[remoteID]; ok {
		ops = append(ops, staged...)
		delete(t.puts, remoteID)
	}
	return ops
}

// Commit publishes staged puts. Taken entries stay consumed.
func (t *OrphanTxn) Commit() {
	if t.done {
		return
	}
	t.done = true
	for id, ops := range t.puts {
		t.buf.put(id, ops)
		metrics.AddToCounter("orphan_markers_buffered_total", float64(len(ops)), nil, "Status operations buffered for a missing message")
	}
	for _, entries := range t.taken {
		metrics.AddToCounter("orphan_markers_replayed_total", float64(len(entries)), nil, "Buffered status operations replayed after their message arrived")
	}
}

// Rollback returns taken entries to the buffer and discards staged puts.
func (t *OrphanTxn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	for id, entries := range t.taken {
		t.buf.restore(id, entries)
	}
}
