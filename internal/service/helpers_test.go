package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsync/internal/database"
	"chatsync/internal/models"
	"chatsync/pkg/protocol/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testOwner = "alice@example.org"
	testPeer  = "bob@example.org"
	testRoom  = "room@muc.example.org"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func strPtr(s string) *string { return &s }

// fakeTransport serves live feeds from buffered channels and records
// archive queries and sends through testify mocks.
type fakeTransport struct {
	mock.Mock

	mu           sync.Mutex
	feeds        map[types.EventClass]chan types.Event
	reconnects   chan struct{}
	subscribeErr error
	subscribed   []types.EventClass
	sent         []types.Stanza
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		feeds:      make(map[types.EventClass]chan types.Event),
		reconnects: make(chan struct{}, 1),
	}
	for _, class := range types.LiveClasses {
		f.feeds[class] = make(chan types.Event, 32)
	}
	return f
}

func (f *fakeTransport) Subscribe(ctx context.Context, class types.EventClass) (<-chan types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	ch, ok := f.feeds[class]
	if !ok {
		return nil, fmt.Errorf("unknown class %s", class)
	}
	f.subscribed = append(f.subscribed, class)
	return ch, nil
}

func (f *fakeTransport) QueryArchive(ctx context.Context, q types.ArchiveQuery) (*types.ArchivePage, error) {
	args := f.Called(ctx, q)
	page, _ := args.Get(0).(*types.ArchivePage)
	return page, args.Error(1)
}

func (f *fakeTransport) Send(ctx context.Context, stanza types.Stanza) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, stanza)
	f.mu.Unlock()
	args := f.Called(ctx, stanza)
	return args.String(0), args.Error(1)
}

func (f *fakeTransport) Reconnects() <-chan struct{} {
	return f.reconnects
}

func (f *fakeTransport) push(class types.EventClass, ev types.Event) {
	ev.Class = class
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = baseTime
	}
	f.feeds[class] <- ev
}

func (f *fakeTransport) reconnect() {
	f.reconnects <- struct{}{}
}

func (f *fakeTransport) sendCalls() []types.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Stanza(nil), f.sent...)
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sync.db"), testOwner)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// startEngine runs an engine until the test ends.
func startEngine(t *testing.T, transport *fakeTransport, cfg models.SyncConfig) (*Engine, *database.Database) {
	t.Helper()
	db := newTestDB(t)
	engine := NewEngine(db, transport, cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("engine stopped with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return engine, db
}

// applyInTx applies ops in one committed transaction outside an engine.
func applyInTx(t *testing.T, db *database.Database, r *StatusReconciler, orphans *OrphanBuffer, ops ...Operation) *Tx {
	t.Helper()
	ctx := context.Background()
	var tx *Tx
	err := db.WithTx(ctx, func(s *database.Store) error {
		tx = newTx(s, r, orphans.Begin())
		for _, op := range ops {
			if err := tx.Apply(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	tx.orphans.Commit()
	return tx
}

func getMessage(t *testing.T, db *database.Database, conv, remoteID string) *models.Message {
	t.Helper()
	msg, err := db.Store().GetMessage(context.Background(), models.MessageRef{ConversationID: conv, RemoteID: remoteID})
	require.NoError(t, err)
	require.NotNil(t, msg, "message %s/%s not found", conv, remoteID)
	return msg
}

func statusOf(t *testing.T, db *database.Database, conv, remoteID string) models.Status {
	t.Helper()
	return getMessage(t, db, conv, remoteID).Status
}

func inbound(conv, remoteID, sender string, offset time.Duration) CreateOp {
	msg := &models.Message{
		ConversationID: conv,
		RemoteID:       remoteID,
		Sender:         sender,
		Body:           strPtr("hi " + remoteID),
		Timestamp:      baseTime.Add(offset),
		Type:           models.MessageTypeDirect,
		Status:         models.StatusDelivered,
	}
	if conv == testRoom {
		msg.Type = models.MessageTypeGroup
	}
	return CreateOp{Message: msg}
}

func outbound(conv, remoteID string, offset time.Duration, status models.Status) CreateOp {
	op := inbound(conv, remoteID, testOwner, offset)
	op.Message.Outgoing = true
	op.Message.Status = status
	return op
}

func marker(conv, remoteID, participant string, kind models.MarkerKind) StatusChangeOp {
	return StatusChangeOp{
		Ref:         models.MessageRef{ConversationID: conv, RemoteID: remoteID},
		Status:      kind.TargetStatus(),
		Marker:      kind,
		Participant: participant,
	}
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}
