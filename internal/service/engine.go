package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/pkg/protocol/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrEngineStopped is returned by calls made after the engine shut down.
var ErrEngineStopped = errors.New("sync engine stopped")

const (
	requestPending int32 = iota
	requestStarted
	requestCanceled
)

type request struct {
	ctx   context.Context
	label string
	fn    func(ctx context.Context, tx *Tx) error
	state atomic.Int32
	done  chan error
}

// Engine wires the sync components around one serial consumer. Live
// operations and submitted transactions are applied one at a time, each in
// its own store transaction.
type Engine struct {
	db        *database.Database
	transport types.Transport
	cfg       models.SyncConfig

	rooms      *ConversationRegistry
	resolver   *IdentityResolver
	merger     *StreamMerger
	reconciler *StatusReconciler
	orphans    *OrphanBuffer
	outbound   *OutboundManager
	paging     *PagingCoordinator
	notifier   *Notifier

	ops      chan Operation
	requests chan *request
	stopped  chan struct{}
	running  atomic.Bool

	logger    *logrus.Logger
	errLogger *apperrors.Logger
}

func NewEngine(db *database.Database, transport types.Transport, cfg models.SyncConfig, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.OperationBuffer <= 0 {
		cfg.OperationBuffer = constants.DefaultOperationBuffer
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = constants.DefaultPageSize
	}

	orphans := NewOrphanBuffer(time.Duration(cfg.OrphanMarkerTTLSec)*time.Second, cfg.OrphanMarkerCapacity)
	e := &Engine{
		db:        db,
		transport: transport,
		cfg:       cfg,
		rooms:     NewConversationRegistry(),
		orphans:   orphans,
		ops:       make(chan Operation, cfg.OperationBuffer),
		requests:  make(chan *request),
		stopped:   make(chan struct{}),
		logger:    logger,
		errLogger: apperrors.NewLogger(logger),
	}

	registry := NewAckRegistry()
	e.resolver = NewIdentityResolver(db.Owner(), e.rooms)
	e.merger = NewStreamMerger(transport, e.resolver, logger)
	e.reconciler = NewStatusReconciler(registry, logger)
	e.outbound = NewOutboundManager(transport, e, registry, db.Owner(), !cfg.KeepFailedOnConnect, logger)
	e.paging = NewPagingCoordinator(transport, e.resolver, e.rooms, e, db.Store(), cfg.DefaultPageSize, logger)
	e.notifier = NewNotifier(func(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
		return db.Store().ListBefore(ctx, conversationID, nil, limit)
	}, logger)
	return e
}

// Run loads known conversations, then runs the stream merger, the serial
// consumer and the reconnect watcher until ctx ends or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sync engine already running")
	}
	defer close(e.stopped)

	convs, err := e.db.Store().ListConversations(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("load conversations", err)
	}
	for _, conv := range convs {
		e.rooms.Register(conv)
	}

	e.logger.WithFields(logrus.Fields{
		LogFieldOwner: SanitizeAddress(e.db.Owner()),
		LogFieldCount: len(convs),
	}).Info("Starting sync engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.merger.Run(gctx, e.ops)
	})
	g.Go(func() error {
		return e.consume(gctx)
	})
	g.Go(func() error {
		return e.watchReconnects(gctx)
	})

	err = g.Wait()
	e.logger.Info("Sync engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-e.ops:
			e.applyLive(ctx, op)
		case req := <-e.requests:
			e.execute(req)
		}
	}
}

func (e *Engine) applyLive(ctx context.Context, op Operation) {
	err := e.commit(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Apply(ctx, op)
	})
	if err != nil {
		metrics.IncrementCounter("operations_failed_total", map[string]string{"kind": op.Kind()}, "Live operations that failed to apply")
		fields := refFields(ctx, op.Target())
		fields[LogFieldOpKind] = op.Kind()
		e.errLogger.LogError(apperrors.NewDatabaseError("apply live operation", err), "Failed to apply live operation", fields)
	}
}

// execute runs a submitted request unless its caller gave up first. Once
// started it runs to completion regardless of the caller's context.
func (e *Engine) execute(req *request) {
	if !req.state.CompareAndSwap(requestPending, requestStarted) {
		return
	}
	start := time.Now()
	err := e.commit(context.WithoutCancel(req.ctx), req.fn)
	metrics.RecordTimer("transaction_duration", time.Since(start), map[string]string{"operation": req.label}, "Submitted store transaction duration")
	if err != nil {
		LogWithContext(req.ctx, e.logger).WithError(err).WithField(LogFieldOperation, req.label).Debug("Submitted transaction failed")
	}
	req.done <- err
}

// commit runs fn in one store transaction and publishes its effects after a
// successful commit. Orphan staging restarts with each retried attempt.
func (e *Engine) commit(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var tx *Tx
	err := e.db.WithTx(ctx, func(store *database.Store) error {
		if tx != nil {
			tx.orphans.Rollback()
		}
		tx = newTx(store, e.reconciler, e.orphans.Begin())
		return fn(ctx, tx)
	})
	if err != nil {
		if tx != nil {
			tx.orphans.Rollback()
		}
		return err
	}

	tx.orphans.Commit()
	for _, id := range tx.ackedIDs() {
		e.outbound.Acknowledged(id)
	}
	e.notifier.Publish(ctx, tx.Touched())
	return nil
}

// Submit runs fn on the serial consumer inside one transaction and waits for
// the result. It can be canceled through ctx until the transaction starts.
func (e *Engine) Submit(ctx context.Context, label string, fn func(ctx context.Context, tx *Tx) error) error {
	req := &request{ctx: ctx, label: label, fn: fn, done: make(chan error, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.state.CompareAndSwap(requestPending, requestCanceled) {
			return ctx.Err()
		}
		return <-req.done
	case <-e.stopped:
		if req.state.CompareAndSwap(requestPending, requestCanceled) {
			return ErrEngineStopped
		}
		return <-req.done
	}
}

func (e *Engine) watchReconnects(ctx context.Context) error {
	reconnects := e.transport.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-reconnects:
			if !ok {
				return nil
			}
			resent, err := e.outbound.OnReconnect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.errLogger.LogError(err, "Failed to resend pending messages")
				continue
			}
			e.logger.WithField(LogFieldCount, resent).Debug("Completed reconnect resend pass")
		}
	}
}

// SendMessage stores and sends a new outbound message and returns its remote id.
func (e *Engine) SendMessage(ctx context.Context, out models.OutgoingMessage) (string, error) {
	if out.Type == "" && e.rooms.IsGroup(out.ConversationID) {
		out.Type = models.MessageTypeGroup
	}
	return e.outbound.Send(ctx, out)
}

// ResendMessage retries a failed outbound message under a fresh remote id.
func (e *Engine) ResendMessage(ctx context.Context, ref models.MessageRef) (string, error) {
	return e.outbound.Resend(ctx, ref)
}

// MarkSeen marks an inbound message and every earlier one from the same
// sender as seen. The conversation may be omitted.
func (e *Engine) MarkSeen(ctx context.Context, ref models.MessageRef) error {
	if err := ValidateMessageID(ref.RemoteID); err != nil {
		return apperrors.NewValidationError("remoteId", ref.RemoteID, err.Error())
	}

	var target *models.Message
	err := e.Submit(ctx, "mark_seen", func(ctx context.Context, tx *Tx) error {
		var (
			msg *models.Message
			err error
		)
		if ref.ConversationID != "" {
			msg, err = tx.Store.GetMessage(ctx, ref)
		} else {
			msg, err = tx.Store.FindByRemoteID(ctx, ref.RemoteID)
		}
		if err != nil {
			return err
		}
		if msg == nil {
			return apperrors.NewNotFoundError("message", ref.String())
		}
		if msg.Outgoing {
			return apperrors.NewValidationError("remoteId", ref.RemoteID, "outgoing messages are marked seen by their recipients")
		}
		target = msg
		return tx.Apply(ctx, StatusChangeOp{Ref: msg.Ref(), Status: models.StatusSeen})
	})
	if err != nil {
		return err
	}

	if e.cfg.SendReadMarkers {
		if err := e.outbound.SendMarker(ctx, target); err != nil {
			e.errLogger.LogRetryableError(err, "Failed to send read marker", refFields(ctx, target.Ref()))
		}
	}
	return nil
}

// RequestOlderPage loads one page of history before the given message.
func (e *Engine) RequestOlderPage(ctx context.Context, conversationID string, before *models.Message, pageSize int) PageResult {
	return e.paging.OlderPage(ctx, conversationID, before, pageSize)
}

// RequestNewerPage loads one page of history after the given message.
func (e *Engine) RequestNewerPage(ctx context.Context, conversationID string, after *models.Message, pageSize int) PageResult {
	return e.paging.NewerPage(ctx, conversationID, after, pageSize)
}

// Messages returns up to limit stored messages before the cursor, oldest first.
func (e *Engine) Messages(ctx context.Context, conversationID string, before *models.Message, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = e.cfg.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	return e.db.Store().ListBefore(ctx, conversationID, before, limit)
}

// Message returns one stored message, or a NOT_FOUND error.
func (e *Engine) Message(ctx context.Context, ref models.MessageRef) (*models.Message, error) {
	msg, err := e.db.Store().GetMessage(ctx, ref)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError("message", ref.String())
	}
	return msg, nil
}

// Watch streams timeline snapshots of the newest limit messages.
func (e *Engine) Watch(ctx context.Context, conversationID string, limit int) (<-chan []*models.Message, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, apperrors.NewValidationError("conversationId", conversationID, err.Error())
	}
	return e.notifier.Subscribe(ctx, conversationID, limit)
}

// JoinConversation records a conversation with its participants and, for
// groups, the owner's nickname.
func (e *Engine) JoinConversation(ctx context.Context, conv models.Conversation) error {
	if err := ValidateConversationID(conv.ID); err != nil {
		return apperrors.NewValidationError("id", conv.ID, err.Error())
	}
	if conv.IsGroup && conv.SelfNick == "" {
		return apperrors.NewValidationError("selfNick", "", "group conversations need the own nickname")
	}
	err := e.Submit(ctx, "join_conversation", func(ctx context.Context, tx *Tx) error {
		return tx.Store.SaveConversation(ctx, conv)
	})
	if err != nil {
		return err
	}
	e.rooms.Register(conv)
	return nil
}

// SweepOrphans expires buffered status operations past their TTL.
func (e *Engine) SweepOrphans() int {
	return e.orphans.Sweep()
}

// PendingOrphans returns the number of buffered status operations.
func (e *Engine) PendingOrphans() int {
	return e.orphans.Len()
}
