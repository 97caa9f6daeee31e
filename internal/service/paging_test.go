package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/pkg/protocol/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func archivePage(conv string, from, n int) *types.ArchivePage {
	page := &types.ArchivePage{}
	for i := from; i < from+n; i++ {
		id := fmt.Sprintf("h%03d", i)
		page.Items = append(page.Items, types.ArchiveItem{
			ArchiveID: "arch-" + id,
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
			Stanza: types.Stanza{
				ID:   id,
				Type: types.StanzaChat,
				From: conv + "/phone",
				To:   testOwner,
				Body: strPtr("history " + id),
			},
		})
	}
	return page
}

func queryFor(dir types.Direction) interface{} {
	return mock.MatchedBy(func(q types.ArchiveQuery) bool { return q.Direction == dir })
}

func TestPaging_FullPageIsNotComplete(t *testing.T) {
	transport := newFakeTransport()
	transport.On("QueryArchive", mock.Anything, queryFor(types.Before)).Return(archivePage(testPeer, 0, 50), nil).Once()
	engine, db := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestOlderPage(context.Background(), testPeer, nil, 50)
	require.NoError(t, result.Err)
	assert.Equal(t, 50, result.Count)
	assert.False(t, result.IsComplete)

	msgs, err := db.Store().ListBefore(context.Background(), testPeer, nil, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 50)
	assert.Equal(t, "h000", msgs[0].RemoteID)
	assert.Equal(t, "arch-h000", msgs[0].ArchiveID)
	transport.AssertExpectations(t)
}

func TestPaging_ShortPageIsComplete(t *testing.T) {
	transport := newFakeTransport()
	transport.On("QueryArchive", mock.Anything, queryFor(types.Before)).Return(archivePage(testPeer, 0, 49), nil).Once()
	engine, _ := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestOlderPage(context.Background(), testPeer, nil, 50)
	require.NoError(t, result.Err)
	assert.Equal(t, 49, result.Count)
	assert.True(t, result.IsComplete)
}

func TestPaging_ServerCompleteFlag(t *testing.T) {
	transport := newFakeTransport()
	page := archivePage(testPeer, 0, 10)
	page.Complete = true
	transport.On("QueryArchive", mock.Anything, queryFor(types.Before)).Return(page, nil).Once()
	engine, _ := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestOlderPage(context.Background(), testPeer, nil, 10)
	require.NoError(t, result.Err)
	assert.True(t, result.IsComplete)
}

func TestPaging_TransportErrorLeavesStoreUnchanged(t *testing.T) {
	transport := newFakeTransport()
	transport.On("QueryArchive", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	engine, db := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestOlderPage(context.Background(), testPeer, nil, 20)
	require.Error(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.GetCode(result.Err))
	assert.True(t, apperrors.IsRetryable(result.Err))
	assert.Zero(t, result.Count)

	msgs, err := db.Store().ListBefore(context.Background(), testPeer, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPaging_PivotAndPageSize(t *testing.T) {
	transport := newFakeTransport()
	var seen []types.ArchiveQuery
	transport.On("QueryArchive", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { seen = append(seen, args.Get(1).(types.ArchiveQuery)) }).
		Return(&types.ArchivePage{}, nil)
	engine, _ := startEngine(t, transport, models.SyncConfig{DefaultPageSize: 25})

	withArchive := &models.Message{ArchiveID: "arch-7", Timestamp: baseTime}
	withoutArchive := &models.Message{Timestamp: baseTime}

	engine.RequestOlderPage(context.Background(), testPeer, withArchive, 0)
	engine.RequestOlderPage(context.Background(), testPeer, withoutArchive, 10_000)

	require.Len(t, seen, 2)
	assert.Equal(t, "arch-7", seen[0].PivotID)
	assert.Equal(t, 25, seen[0].PageSize, "zero page size uses the configured default")
	assert.Empty(t, seen[1].PivotID)
	assert.True(t, baseTime.Equal(seen[1].PivotTime))
	assert.Equal(t, constants.MaxPageSize, seen[1].PageSize)
	assert.False(t, seen[0].IsGroup)
}

func TestPaging_NewerPageCatchesUpFromLatestArchived(t *testing.T) {
	transport := newFakeTransport()
	transport.On("QueryArchive", mock.Anything, queryFor(types.Before)).Return(archivePage(testPeer, 0, 5), nil).Once()
	transport.On("QueryArchive", mock.Anything, mock.MatchedBy(func(q types.ArchiveQuery) bool {
		return q.Direction == types.After && q.PivotID == "arch-h004"
	})).Return(archivePage(testPeer, 5, 3), nil).Once()
	engine, db := startEngine(t, transport, models.SyncConfig{})

	require.NoError(t, engine.RequestOlderPage(context.Background(), testPeer, nil, 5).Err)
	result := engine.RequestNewerPage(context.Background(), testPeer, nil, 5)
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Count)
	assert.True(t, result.IsComplete)

	msgs, err := db.Store().ListBefore(context.Background(), testPeer, nil, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 8)
	transport.AssertExpectations(t)
}

func TestPaging_NewerPageOnEmptyStore(t *testing.T) {
	transport := newFakeTransport()
	transport.On("QueryArchive", mock.Anything, mock.MatchedBy(func(q types.ArchiveQuery) bool {
		return q.Direction == types.After && q.PivotID == "" && q.PivotTime.IsZero()
	})).Return(&types.ArchivePage{Complete: true}, nil).Once()
	engine, _ := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestNewerPage(context.Background(), testPeer, nil, 10)
	require.NoError(t, result.Err)
	assert.True(t, result.IsComplete)
	transport.AssertExpectations(t)
}

func TestPaging_PageMarkersApplyAfterMessages(t *testing.T) {
	transport := newFakeTransport()
	page := &types.ArchivePage{Items: []types.ArchiveItem{
		{
			ArchiveID: "arch-2",
			Timestamp: baseTime.Add(time.Second),
			Stanza:    types.Stanza{From: testPeer, To: testOwner, Marker: &types.Marker{Type: types.MarkerDisplayed, ID: "out-1"}},
		},
		{
			ArchiveID: "arch-1",
			Timestamp: baseTime,
			Stanza:    types.Stanza{ID: "out-1", Type: types.StanzaChat, From: testOwner + "/desk", To: testPeer, Body: strPtr("did you see this")},
		},
	}}
	transport.On("QueryArchive", mock.Anything, mock.Anything).Return(page, nil).Once()
	engine, db := startEngine(t, transport, models.SyncConfig{})

	require.NoError(t, engine.RequestOlderPage(context.Background(), testPeer, nil, 10).Err)
	assert.Equal(t, models.StatusSeen, statusOf(t, db, testPeer, "out-1"))
	assert.Zero(t, engine.PendingOrphans())
}

func TestPaging_InvalidConversation(t *testing.T) {
	transport := newFakeTransport()
	engine, _ := startEngine(t, transport, models.SyncConfig{})

	result := engine.RequestOlderPage(context.Background(), "room@muc.example.org/nick", nil, 10)
	require.Error(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetCode(result.Err))
	transport.AssertNotCalled(t, "QueryArchive", mock.Anything, mock.Anything)
}
