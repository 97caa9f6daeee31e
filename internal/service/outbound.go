package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/pkg/circuitbreaker"
	"chatsync/pkg/protocol"
	"chatsync/pkg/protocol/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// AckRegistry maps remote ids of in-flight sends to their timeline rows until
// the acknowledgment (or error) for them has been applied.
type AckRegistry struct {
	mu      sync.RWMutex
	pending map[string]models.MessageRef
}

func NewAckRegistry() *AckRegistry {
	return &AckRegistry{pending: make(map[string]models.MessageRef)}
}

func (a *AckRegistry) Register(remoteID string, ref models.MessageRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[remoteID] = ref
}

func (a *AckRegistry) Resolve(remoteID string) (models.MessageRef, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ref, ok := a.pending[remoteID]
	return ref, ok
}

// Remove drops remoteID and every alias pointing at the same row.
func (a *AckRegistry) Remove(remoteID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.pending[remoteID]
	if !ok {
		return
	}
	for id, r := range a.pending {
		if r == ref {
			delete(a.pending, id)
		}
	}
}

func (a *AckRegistry) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pending)
}

// OutboundManager owns locally originated messages from the Pending row to
// the acknowledgment, including resends after reconnects.
type OutboundManager struct {
	transport    types.Transport
	submitter    Submitter
	registry     *AckRegistry
	owner        string
	resendFailed bool
	resending    atomic.Bool
	newID        func() string
	now          func() time.Time
	logger       *logrus.Logger
	errLogger    *apperrors.Logger
}

func NewOutboundManager(transport types.Transport, submitter Submitter, registry *AckRegistry, owner string, resendFailed bool, logger *logrus.Logger) *OutboundManager {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewAckRegistry()
	}
	return &OutboundManager{
		transport:    transport,
		submitter:    submitter,
		registry:     registry,
		owner:        types.BareJID(owner),
		resendFailed: resendFailed,
		newID:        uuid.NewString,
		now:          time.Now,
		logger:       logger,
		errLogger:    apperrors.NewLogger(logger),
	}
}

// Registry exposes the acknowledgment table for the reconciler.
func (m *OutboundManager) Registry() *AckRegistry {
	return m.registry
}

// Acknowledged drops the registration once its acknowledgment was applied.
func (m *OutboundManager) Acknowledged(remoteID string) {
	m.registry.Remove(remoteID)
}

// Send stores msg as Pending, registers for its acknowledgment and hands it
// to the transport. A transient transport failure leaves the row Pending for
// the next reconnect and is not reported as an error; a rejected send marks
// the row Error.
func (m *OutboundManager) Send(ctx context.Context, out models.OutgoingMessage) (string, error) {
	if err := validateOutgoing(out); err != nil {
		return "", err
	}

	msg := &models.Message{
		ConversationID: out.ConversationID,
		RemoteID:       m.newID(),
		Sender:         m.owner,
		Body:           out.Body,
		Attachment:     out.Attachment,
		Timestamp:      m.now().UTC(),
		ReplyTo:        out.ReplyTo,
		Type:           out.Type,
		Outgoing:       true,
		Status:         models.StatusPending,
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeDirect
	}

	err := m.submitter.Submit(ctx, "outbound_create", func(ctx context.Context, tx *Tx) error {
		return tx.Apply(ctx, CreateOp{Message: msg})
	})
	if err != nil {
		return "", apperrors.NewDatabaseError("store outgoing message", err)
	}

	m.registry.Register(msg.RemoteID, msg.Ref())
	metrics.IncrementCounter("outbound_sent_total", map[string]string{"type": string(msg.Type)}, "Outbound messages handed to the transport")
	_, err = m.transmit(ctx, msg)
	return msg.RemoteID, err
}

// transmit sends one stored message and reports whether the transport took
// it. Only a permanent rejection is returned as an error.
func (m *OutboundManager) transmit(ctx context.Context, msg *models.Message) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "outbound.send",
		attribute.String("message_type", string(msg.Type)),
	)
	defer span.End()

	log := LogWithContext(ctx, m.logger).WithFields(refFields(ctx, msg.Ref()))

	assigned, err := m.transport.Send(ctx, stanzaFor(msg))
	if err == nil {
		if assigned != "" && assigned != msg.RemoteID {
			m.registry.Register(assigned, msg.Ref())
			m.adoptAlias(ctx, assigned)
		}
		log.Debug("Handed message to transport")
		return true, nil
	}

	tracing.RecordError(ctx, err)
	if !isPermanentSendError(err) {
		m.errLogger.LogWarn(apperrors.NewTransportError("send", err), "Send failed, message stays pending until reconnect", refFields(ctx, msg.Ref()))
		return false, nil
	}

	metrics.IncrementCounter("outbound_failed_total", nil, "Outbound messages rejected by the transport")
	cause := err.Error()
	markErr := m.submitter.Submit(context.WithoutCancel(ctx), "outbound_error", func(ctx context.Context, tx *Tx) error {
		return tx.Apply(ctx, ErrorOp{Ref: msg.Ref(), Cause: cause})
	})
	if markErr != nil {
		log.WithError(markErr).Error("Failed to mark message as failed")
	}
	return false, apperrors.Wrap(err, apperrors.ErrCodeTransport, "send rejected").
		WithContext(LogFieldRemoteID, msg.RemoteID).
		WithUserMessage("Message could not be sent")
}

// adoptAlias replays acknowledgments that were parked under a server-assigned
// id before that id was registered. Ones consumed after the registration
// resolve through the registry directly.
func (m *OutboundManager) adoptAlias(ctx context.Context, alias string) {
	replayed := 0
	err := m.submitter.Submit(context.WithoutCancel(ctx), "outbound_alias", func(ctx context.Context, tx *Tx) error {
		replayed = 0
		for _, op := range tx.orphans.Take(alias) {
			if err := tx.Apply(ctx, op); err != nil {
				return err
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		m.errLogger.LogWarn(apperrors.NewDatabaseError("replay early acknowledgment", err), "Failed to replay acknowledgment for assigned id", logrus.Fields{LogFieldRemoteID: alias})
		return
	}
	if replayed > 0 {
		metrics.AddToCounter("outbound_early_acks_total", float64(replayed), nil, "Acknowledgments applied after their assigned id was registered")
		LogWithContext(ctx, m.logger).WithField(LogFieldCount, replayed).Debug("Applied acknowledgment that preceded its assigned id")
	}
}

// OnReconnect resends every Pending outbound message once. Unless failed
// messages are kept, Error rows are reset to Pending under a fresh remote id
// and resent too. Overlapping calls are skipped.
func (m *OutboundManager) OnReconnect(ctx context.Context) (int, error) {
	if !m.resending.CompareAndSwap(false, true) {
		m.logger.Debug("Skipping resend: a resend pass is already running")
		return 0, nil
	}
	defer m.resending.Store(false)

	var pending []*models.Message
	err := m.submitter.Submit(ctx, "outbound_resend", func(ctx context.Context, tx *Tx) error {
		pending = pending[:0]
		if m.resendFailed {
			failed, err := tx.Store.ListOutgoingByStatus(ctx, models.StatusError)
			if err != nil {
				return err
			}
			for _, f := range failed {
				if _, err := m.reassign(ctx, tx, f); err != nil {
					return err
				}
			}
		}
		rows, err := tx.Store.ListOutgoingByStatus(ctx, models.StatusPending)
		if err != nil {
			return err
		}
		pending = append(pending, rows...)
		return nil
	})
	if err != nil {
		return 0, apperrors.NewDatabaseError("list pending outbound messages", err)
	}

	sent := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		m.registry.Register(msg.RemoteID, msg.Ref())
		if accepted, _ := m.transmit(ctx, msg); accepted {
			sent++
		}
	}
	if len(pending) > 0 {
		metrics.AddToCounter("outbound_resent_total", float64(sent), nil, "Outbound messages resent after a reconnect")
		m.logger.WithField(LogFieldCount, sent).Info("Resent pending messages after reconnect")
	}
	return sent, nil
}

// Resend retries one failed message under a fresh remote id.
func (m *OutboundManager) Resend(ctx context.Context, ref models.MessageRef) (string, error) {
	var msg *models.Message
	err := m.submitter.Submit(ctx, "outbound_retry", func(ctx context.Context, tx *Tx) error {
		current, err := tx.Store.GetMessage(ctx, ref)
		if err != nil {
			return err
		}
		if current == nil || !current.Outgoing {
			return apperrors.NewNotFoundError("outgoing message", ref.String())
		}
		if current.Status != models.StatusError {
			return apperrors.NewValidationError("status", string(current.Status), "only failed messages can be resent")
		}
		msg, err = m.reassign(ctx, tx, current)
		return err
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return "", err
		}
		return "", apperrors.NewDatabaseError("reassign failed message", err)
	}

	m.registry.Register(msg.RemoteID, msg.Ref())
	accepted, err := m.transmit(ctx, msg)
	if accepted {
		metrics.IncrementCounter("outbound_resent_total", nil, "Outbound messages resent after a reconnect")
	}
	return msg.RemoteID, err
}

// reassign resets a failed row to Pending under a new remote id.
func (m *OutboundManager) reassign(ctx context.Context, tx *Tx, failed *models.Message) (*models.Message, error) {
	newID := m.newID()
	ok, err := tx.Store.ReassignRemoteID(ctx, failed.Ref(), newID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("message %s is no longer failed", failed.Ref())
	}
	tx.touch(failed.ConversationID)

	updated := *failed
	updated.RemoteID = newID
	updated.Status = models.StatusPending
	updated.ErrorCause = ""
	return &updated, nil
}

// SendMarker sends a displayed marker for an inbound message.
func (m *OutboundManager) SendMarker(ctx context.Context, msg *models.Message) error {
	stanzaType := types.StanzaChat
	if msg.IsGroup() {
		stanzaType = types.StanzaGroupChat
	}
	_, err := m.transport.Send(ctx, types.Stanza{
		ID:     m.newID(),
		Type:   stanzaType,
		To:     msg.ConversationID,
		Marker: &types.Marker{Type: types.MarkerDisplayed, ID: msg.RemoteID},
	})
	if err != nil {
		return apperrors.NewTransportError("send read marker", err)
	}
	return nil
}

func stanzaFor(msg *models.Message) types.Stanza {
	s := types.Stanza{
		ID:        msg.RemoteID,
		OriginID:  msg.RemoteID,
		Type:      types.StanzaChat,
		To:        msg.ConversationID,
		Body:      msg.Body,
		ReplyTo:   msg.ReplyTo,
		Timestamp: msg.Timestamp,
		Marker:    &types.Marker{Type: types.MarkerMarkable},
	}
	if msg.IsGroup() {
		s.Type = types.StanzaGroupChat
	}
	if a := msg.Attachment; a != nil {
		switch a.Kind {
		case models.AttachmentMedia:
			s.Media = &types.Media{URL: a.URL, MimeType: a.MimeType, Size: a.Size}
		case models.AttachmentLocation:
			s.Location = &types.Location{Latitude: a.Latitude, Longitude: a.Longitude}
		}
	}
	return s
}

// isPermanentSendError reports whether the gateway rejected the stanza itself
// rather than failing to carry it.
func isPermanentSendError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, protocol.ErrNotConnected) || circuitbreaker.IsOpen(err) {
		return false
	}
	var statusErr *protocol.StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Temporary()
	}
	return false
}

func validateOutgoing(out models.OutgoingMessage) error {
	if err := ValidateConversationID(out.ConversationID); err != nil {
		return apperrors.NewValidationError("conversationId", out.ConversationID, err.Error())
	}
	hasBody := out.Body != nil && *out.Body != ""
	if !hasBody && out.Attachment == nil {
		return apperrors.NewValidationError("body", "", "message needs a body or an attachment")
	}
	if out.Body != nil && len(*out.Body) > constants.MaxBodyLength {
		return apperrors.NewValidationError("body", "", fmt.Sprintf("body exceeds %d bytes", constants.MaxBodyLength))
	}
	if a := out.Attachment; a != nil {
		if a.Kind != models.AttachmentMedia && a.Kind != models.AttachmentLocation {
			return apperrors.NewValidationError("attachment.kind", string(a.Kind), "unknown attachment kind")
		}
		if a.Kind == models.AttachmentMedia && a.URL == "" {
			return apperrors.NewValidationError("attachment.url", "", "media attachment needs a url")
		}
	}
	if out.Type != "" && out.Type != models.MessageTypeDirect && out.Type != models.MessageTypeGroup {
		return apperrors.NewValidationError("type", string(out.Type), "unknown message type")
	}
	return nil
}
