package service

import (
	"context"
	"errors"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/pkg/protocol/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PageResult reports one archive page load. Count is the number of items the
// server returned; Err is set when nothing was applied.
type PageResult struct {
	Count      int   `json:"count"`
	IsComplete bool  `json:"isComplete"`
	Err        error `json:"-"`
}

// Submitter runs fn inside one serialized store transaction.
type Submitter interface {
	Submit(ctx context.Context, label string, fn func(ctx context.Context, tx *Tx) error) error
}

// PagingCoordinator loads archive pages and applies each page atomically.
type PagingCoordinator struct {
	transport types.Transport
	resolver  *IdentityResolver
	rooms     *ConversationRegistry
	submitter Submitter
	reader    *database.Store
	pageSize  int
	logger    *logrus.Logger
}

func NewPagingCoordinator(transport types.Transport, resolver *IdentityResolver, rooms *ConversationRegistry, submitter Submitter, reader *database.Store, defaultPageSize int, logger *logrus.Logger) *PagingCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultPageSize <= 0 {
		defaultPageSize = constants.DefaultPageSize
	}
	return &PagingCoordinator{
		transport: transport,
		resolver:  resolver,
		rooms:     rooms,
		submitter: submitter,
		reader:    reader,
		pageSize:  defaultPageSize,
		logger:    logger,
	}
}

// OlderPage loads up to pageSize messages older than before. A nil before
// loads the newest page.
func (p *PagingCoordinator) OlderPage(ctx context.Context, conversationID string, before *models.Message, pageSize int) PageResult {
	q := p.query(conversationID, types.Before, before, pageSize)
	return p.load(ctx, q)
}

// NewerPage loads up to pageSize messages newer than after. A nil after
// catches up from the newest locally stored archive item.
func (p *PagingCoordinator) NewerPage(ctx context.Context, conversationID string, after *models.Message, pageSize int) PageResult {
	if after == nil {
		anchor, err := p.catchUpAnchor(ctx, conversationID)
		if err != nil {
			return PageResult{Err: apperrors.NewDatabaseError("find newest archived message", err)}
		}
		after = anchor
	}
	q := p.query(conversationID, types.After, after, pageSize)
	return p.load(ctx, q)
}

func (p *PagingCoordinator) catchUpAnchor(ctx context.Context, conversationID string) (*models.Message, error) {
	anchor, err := p.reader.LatestArchived(ctx, conversationID)
	if err != nil || anchor != nil {
		return anchor, err
	}
	latest, err := p.reader.ListBefore(ctx, conversationID, nil, 1)
	if err != nil || len(latest) == 0 {
		return nil, err
	}
	return latest[0], nil
}

func (p *PagingCoordinator) query(conversationID string, dir types.Direction, pivot *models.Message, pageSize int) types.ArchiveQuery {
	switch {
	case pageSize <= 0:
		pageSize = p.pageSize
	case pageSize > constants.MaxPageSize:
		pageSize = constants.MaxPageSize
	}
	q := types.ArchiveQuery{
		ConversationID: conversationID,
		IsGroup:        p.rooms.IsGroup(conversationID),
		Direction:      dir,
		PageSize:       pageSize,
	}
	if pivot != nil {
		if pivot.ArchiveID != "" {
			q.PivotID = pivot.ArchiveID
		} else {
			q.PivotTime = pivot.Timestamp
		}
	}
	return q
}

func (p *PagingCoordinator) load(ctx context.Context, q types.ArchiveQuery) PageResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "paging."+string(q.Direction)+"_page",
		attribute.String(LogFieldDirection, string(q.Direction)),
		attribute.Int(LogFieldPageSize, q.PageSize),
		attribute.Bool("is_group", q.IsGroup),
	)
	defer span.End()

	fields := logrus.Fields{
		LogFieldConversationID: SanitizeAddress(q.ConversationID),
		LogFieldDirection:      q.Direction,
		LogFieldPageSize:       q.PageSize,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldConversationID] = q.ConversationID
	}
	log := LogWithContext(ctx, p.logger).WithFields(fields)

	if err := ValidateConversationID(q.ConversationID); err != nil {
		return p.fail(ctx, q, apperrors.NewValidationError("conversationId", q.ConversationID, err.Error()))
	}

	page, err := p.transport.QueryArchive(ctx, q)
	if err != nil {
		log.WithError(err).Warn("Failed to load archive page")
		return p.fail(ctx, q, apperrors.NewTransportError("archive query", err))
	}
	if page == nil {
		page = &types.ArchivePage{}
	}

	creates, updates, dropped := p.resolvePage(ctx, page.Items)
	if dropped > 0 {
		log.WithField(LogFieldCount, dropped).Warn("Dropped unprocessable archive items")
	}

	err = p.submitter.Submit(ctx, "archive_page", func(ctx context.Context, tx *Tx) error {
		for _, op := range creates {
			if err := tx.Apply(ctx, op); err != nil {
				return err
			}
		}
		for _, op := range updates {
			if err := tx.Apply(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("Archive page canceled before it was applied")
			return p.fail(ctx, q, apperrors.NewTransportError("archive page", err))
		}
		log.WithError(err).Error("Failed to apply archive page")
		return p.fail(ctx, q, apperrors.NewDatabaseError("apply archive page", err))
	}

	result := PageResult{
		Count:      len(page.Items),
		IsComplete: len(page.Items) < q.PageSize || page.Complete,
	}
	labels := map[string]string{"direction": string(q.Direction), "result": "ok"}
	metrics.IncrementCounter("archive_pages_total", labels, "Archive pages loaded")
	metrics.RecordTimer("archive_page_duration", time.Since(start), map[string]string{"direction": string(q.Direction)}, "Archive page load and apply duration")
	tracing.AddSpanAttributes(ctx,
		attribute.Int(LogFieldCount, result.Count),
		attribute.Bool("is_complete", result.IsComplete),
	)
	tracing.SetSpanStatus(ctx, codes.Ok, "")
	log.WithFields(logrus.Fields{
		LogFieldCount:    result.Count,
		"is_complete":    result.IsComplete,
		LogFieldDuration: time.Since(start).Milliseconds(),
	}).Info("Completed archive page")
	return result
}

// resolvePage splits archive items into creates and status operations so
// that markers inside the page find their messages.
func (p *PagingCoordinator) resolvePage(ctx context.Context, items []types.ArchiveItem) (creates, updates []Operation, dropped int) {
	for i := range items {
		op, err := p.resolver.ResolveEvent(types.Event{Class: types.ClassArchive, Archive: &items[i]})
		switch {
		case err == nil:
			if _, ok := op.(CreateOp); ok {
				creates = append(creates, op)
			} else {
				updates = append(updates, op)
			}
		case errors.Is(err, ErrIgnored):
		default:
			dropped++
			LogWithContext(ctx, p.logger).WithError(err).Debug("Skipping archive item")
		}
	}
	return creates, updates, dropped
}

func (p *PagingCoordinator) fail(ctx context.Context, q types.ArchiveQuery, err error) PageResult {
	tracing.RecordError(ctx, err)
	metrics.IncrementCounter("archive_pages_total", map[string]string{"direction": string(q.Direction), "result": "error"}, "Archive pages loaded")
	return PageResult{Err: err}
}
