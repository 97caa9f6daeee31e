package service

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/database"
	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	db      *database.Database
	acks    *AckRegistry
	r       *StatusReconciler
	orphans *OrphanBuffer
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	acks := NewAckRegistry()
	return &reconcilerFixture{
		db:      newTestDB(t),
		acks:    acks,
		r:       NewStatusReconciler(acks, quietLogger()),
		orphans: NewOrphanBuffer(time.Minute, 100),
	}
}

func (f *reconcilerFixture) apply(t *testing.T, ops ...Operation) *Tx {
	t.Helper()
	return applyInTx(t, f.db, f.r, f.orphans, ops...)
}

func (f *reconcilerFixture) saveRoom(t *testing.T, participants ...string) {
	t.Helper()
	require.NoError(t, f.db.Store().SaveConversation(context.Background(), models.Conversation{
		ID: testRoom, IsGroup: true, SelfNick: "alice", Participants: participants,
	}))
}

func TestReconciler_CreateIsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)

	first := outbound(testPeer, "m1", 0, models.StatusSent)
	f.apply(t, first)
	tx := f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent))
	assert.Equal(t, []string{testPeer}, tx.Touched())

	msgs, err := f.db.Store().ListBefore(context.Background(), testPeer, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi m1", *msgs[0].Body)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestReconciler_CreateNeverLowersStatus(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent), marker(testPeer, "m1", testPeer, models.MarkerDisplayed))
	require.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))

	// the archive copy arrives later with a lower status
	f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent))
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))
}

func TestReconciler_StatusIsMonotonic(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t,
		outbound(testPeer, "m1", 0, models.StatusSent),
		marker(testPeer, "m1", testPeer, models.MarkerDisplayed),
	)
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))

	tx := f.apply(t, marker(testPeer, "m1", testPeer, models.MarkerReceived))
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))
	assert.Empty(t, tx.Touched(), "a stale marker changes nothing")
}

func TestReconciler_WaterLineOutgoing(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t,
		outbound(testPeer, "m1", 0, models.StatusSent),
		outbound(testPeer, "m2", time.Second, models.StatusSent),
		outbound(testPeer, "m3", 2*time.Second, models.StatusSent),
		outbound(testPeer, "p0", -time.Second, models.StatusPending),
		inbound(testPeer, "in1", testPeer, 500*time.Millisecond),
	)

	f.apply(t, marker(testPeer, "m2", testPeer, models.MarkerDisplayed))

	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m2"))
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testPeer, "m3"), "later messages are untouched")
	assert.Equal(t, models.StatusPending, statusOf(t, f.db, testPeer, "p0"), "pending rows are below the water-line")
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testPeer, "in1"), "incoming rows have another peer")
}

func TestReconciler_WaterLineForLateOlderRows(t *testing.T) {
	tests := []struct {
		name     string
		repeat   models.MarkerKind
		expected models.Status
	}{
		{name: "repeated displayed marker", repeat: models.MarkerDisplayed, expected: models.StatusSeen},
		{name: "lower marker after seen", repeat: models.MarkerReceived, expected: models.StatusDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t)

			f.apply(t,
				outbound(testPeer, "m2", time.Second, models.StatusSent),
				marker(testPeer, "m2", testPeer, models.MarkerDisplayed),
			)
			require.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m2"))

			// an older message shows up afterwards, e.g. from an archive page
			f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent))
			require.Equal(t, models.StatusSent, statusOf(t, f.db, testPeer, "m1"))

			tx := f.apply(t, marker(testPeer, "m2", testPeer, tt.repeat))
			assert.Equal(t, tt.expected, statusOf(t, f.db, testPeer, "m1"))
			assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m2"))
			assert.Equal(t, []string{testPeer}, tx.Touched())
		})
	}
}

func TestReconciler_WaterLineIncomingPerSender(t *testing.T) {
	f := newReconcilerFixture(t)
	f.saveRoom(t)

	f.apply(t,
		inbound(testRoom, "b1", "bob", 0),
		inbound(testRoom, "c1", "carol", time.Second),
		inbound(testRoom, "b2", "bob", 2*time.Second),
	)

	// our own read marker from another session
	own := marker(testRoom, "b2", "alice", models.MarkerDisplayed)
	own.FromSelf = true
	f.apply(t, own)

	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testRoom, "b2"))
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testRoom, "b1"))
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testRoom, "c1"), "other senders keep their status")
}

func TestReconciler_WaterLineTieBreaksOnRemoteID(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t,
		outbound(testPeer, "a", 0, models.StatusSent),
		outbound(testPeer, "b", 0, models.StatusSent),
		outbound(testPeer, "c", 0, models.StatusSent),
	)
	f.apply(t, marker(testPeer, "b", testPeer, models.MarkerReceived))

	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testPeer, "a"))
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testPeer, "b"))
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testPeer, "c"))
}

func TestReconciler_GroupAggregation(t *testing.T) {
	f := newReconcilerFixture(t)
	f.saveRoom(t, "bob", "carol", "dave")

	f.apply(t, outbound(testRoom, "g1", 0, models.StatusSent))

	f.apply(t,
		marker(testRoom, "g1", "bob", models.MarkerReceived),
		marker(testRoom, "g1", "carol", models.MarkerReceived),
	)
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testRoom, "g1"), "two of three participants is not enough")

	// a repeated marker from the same participant does not count twice
	f.apply(t, marker(testRoom, "g1", "carol", models.MarkerReceived))
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testRoom, "g1"))

	// a displayed marker also acknowledges receipt
	f.apply(t, marker(testRoom, "g1", "dave", models.MarkerDisplayed))
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testRoom, "g1"))

	f.apply(t,
		marker(testRoom, "g1", "bob", models.MarkerDisplayed),
		marker(testRoom, "g1", "carol", models.MarkerDisplayed),
	)
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testRoom, "g1"))
}

func TestReconciler_GroupMarkersFromOutsiders(t *testing.T) {
	tests := []struct {
		name     string
		markers  []StatusChangeOp
		expected models.Status
	}{
		{
			name: "outsider does not complete the set",
			markers: []StatusChangeOp{
				marker(testRoom, "g1", "bob", models.MarkerReceived),
				marker(testRoom, "g1", "carol", models.MarkerReceived),
				marker(testRoom, "g1", "eve", models.MarkerReceived),
			},
			expected: models.StatusSent,
		},
		{
			name: "outsider displayed marker ignored",
			markers: []StatusChangeOp{
				marker(testRoom, "g1", "bob", models.MarkerDisplayed),
				marker(testRoom, "g1", "carol", models.MarkerDisplayed),
				marker(testRoom, "g1", "dave", models.MarkerReceived),
				marker(testRoom, "g1", "eve", models.MarkerDisplayed),
			},
			expected: models.StatusDelivered,
		},
		{
			name: "every participant acknowledged",
			markers: []StatusChangeOp{
				marker(testRoom, "g1", "eve", models.MarkerReceived),
				marker(testRoom, "g1", "bob", models.MarkerReceived),
				marker(testRoom, "g1", "carol", models.MarkerReceived),
				marker(testRoom, "g1", "dave", models.MarkerReceived),
			},
			expected: models.StatusDelivered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t)
			f.saveRoom(t, "bob", "carol", "dave")
			f.apply(t, outbound(testRoom, "g1", 0, models.StatusSent))

			for _, m := range tt.markers {
				f.apply(t, m)
			}
			assert.Equal(t, tt.expected, statusOf(t, f.db, testRoom, "g1"))
		})
	}
}

func TestReconciler_GroupUnknownParticipantsCountAsOne(t *testing.T) {
	f := newReconcilerFixture(t)
	f.saveRoom(t)

	f.apply(t, outbound(testRoom, "g1", 0, models.StatusSent))
	f.apply(t, marker(testRoom, "g1", "bob", models.MarkerReceived))
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testRoom, "g1"))
}

func TestReconciler_PeerMarkerOnIncomingIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.saveRoom(t)

	f.apply(t, inbound(testRoom, "b1", "bob", 0))
	f.apply(t, marker(testRoom, "b1", "carol", models.MarkerDisplayed))
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testRoom, "b1"))
}

func TestReconciler_OrphanMarkerReplayedOnCreate(t *testing.T) {
	f := newReconcilerFixture(t)

	tx := f.apply(t, marker(testPeer, "m1", testPeer, models.MarkerDisplayed))
	assert.Empty(t, tx.Touched())
	assert.Equal(t, 1, f.orphans.Len())

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent))
	assert.Equal(t, models.StatusSeen, statusOf(t, f.db, testPeer, "m1"))
	assert.Equal(t, 0, f.orphans.Len())
}

func TestReconciler_OrphanWithinSameTransaction(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t,
		marker(testPeer, "m1", testPeer, models.MarkerReceived),
		outbound(testPeer, "m1", 0, models.StatusSent),
	)
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testPeer, "m1"))
	assert.Equal(t, 0, f.orphans.Len())
}

func TestReconciler_AckThroughRegistry(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusPending))
	f.acks.Register("server-1", models.MessageRef{ConversationID: testPeer, RemoteID: "m1"})

	tx := f.apply(t, StatusChangeOp{Ref: models.MessageRef{RemoteID: "server-1"}, Status: models.StatusSent})
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testPeer, "m1"))
	assert.Equal(t, []string{"server-1"}, tx.ackedIDs())
	assert.Equal(t, []string{testPeer}, tx.Touched())
}

func TestReconciler_AckFallsBackToRemoteID(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusPending))
	f.apply(t, StatusChangeOp{Ref: models.MessageRef{RemoteID: "m1"}, Status: models.StatusSent})
	assert.Equal(t, models.StatusSent, statusOf(t, f.db, testPeer, "m1"))
}

func TestReconciler_ErrorOp(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t,
		outbound(testPeer, "m1", 0, models.StatusPending),
		outbound(testPeer, "m2", time.Second, models.StatusSent),
		marker(testPeer, "m2", testPeer, models.MarkerReceived),
	)

	// bounced from a different address than the conversation
	tx := f.apply(t, ErrorOp{Ref: models.MessageRef{ConversationID: "gateway.example.org", RemoteID: "m1"}, Cause: "remote-server-not-found"})
	msg := getMessage(t, f.db, testPeer, "m1")
	assert.Equal(t, models.StatusError, msg.Status)
	assert.Equal(t, "remote-server-not-found", msg.ErrorCause)
	assert.Equal(t, []string{"m1"}, tx.ackedIDs())

	// delivered messages do not fall back to error
	f.apply(t, ErrorOp{Ref: models.MessageRef{ConversationID: testPeer, RemoteID: "m2"}, Cause: "late bounce"})
	assert.Equal(t, models.StatusDelivered, statusOf(t, f.db, testPeer, "m2"))
}

func TestReconciler_ErrorUnderAssignedID(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusPending))
	f.acks.Register("server-1", models.MessageRef{ConversationID: testPeer, RemoteID: "m1"})

	tx := f.apply(t, ErrorOp{Ref: models.MessageRef{ConversationID: testPeer, RemoteID: "server-1"}, Cause: "service-unavailable"})
	assert.Equal(t, models.StatusError, statusOf(t, f.db, testPeer, "m1"))
	assert.Equal(t, []string{"m1"}, tx.ackedIDs())
	assert.Equal(t, 0, f.orphans.Len())
}

func TestReconciler_ErrorClearedByLaterEscalation(t *testing.T) {
	f := newReconcilerFixture(t)

	f.apply(t, outbound(testPeer, "m1", 0, models.StatusSent))
	f.apply(t, ErrorOp{Ref: models.MessageRef{ConversationID: testPeer, RemoteID: "m1"}, Cause: "timeout"})
	f.apply(t, marker(testPeer, "m1", testPeer, models.MarkerReceived))

	msg := getMessage(t, f.db, testPeer, "m1")
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.Empty(t, msg.ErrorCause)
}

func TestReconciler_RollbackLeavesNoTrace(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.apply(t, marker(testPeer, "m1", testPeer, models.MarkerReceived))
	require.Equal(t, 1, f.orphans.Len())

	err := f.db.WithTx(ctx, func(s *database.Store) error {
		tx := newTx(s, f.r, f.orphans.Begin())
		defer tx.orphans.Rollback()
		if err := tx.Apply(ctx, outbound(testPeer, "m1", 0, models.StatusSent)); err != nil {
			return err
		}
		return tx.Apply(ctx, CreateOp{Message: &models.Message{ConversationID: testPeer}})
	})
	require.Error(t, err)

	msg, err := f.db.Store().GetMessage(ctx, models.MessageRef{ConversationID: testPeer, RemoteID: "m1"})
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 1, f.orphans.Len(), "replayed orphans return to the buffer")
}
