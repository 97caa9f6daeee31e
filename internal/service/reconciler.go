package service

import (
	"context"
	"fmt"

	"chatsync/internal/metrics"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
)

// AckResolver maps the remote id of a send acknowledgment to the message
// it was registered for.
type AckResolver interface {
	Resolve(remoteID string) (models.MessageRef, bool)
}

// StatusReconciler applies operations to the timeline store inside a
// transaction: idempotent creates, monotonic status escalation, group
// marker aggregation and the water-line rule.
type StatusReconciler struct {
	acks   AckResolver
	logger *logrus.Logger
}

func NewStatusReconciler(acks AckResolver, logger *logrus.Logger) *StatusReconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatusReconciler{acks: acks, logger: logger}
}

// Apply applies op to tx. Status operations for messages not stored yet are
// staged in the orphan buffer and replayed when the message is created.
func (r *StatusReconciler) Apply(ctx context.Context, tx *Tx, op Operation) error {
	switch o := op.(type) {
	case CreateOp:
		return r.applyCreate(ctx, tx, o)
	case StatusChangeOp:
		return r.applyStatus(ctx, tx, o)
	case ErrorOp:
		return r.applyError(ctx, tx, o)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func (r *StatusReconciler) applyCreate(ctx context.Context, tx *Tx, op CreateOp) error {
	if op.Message == nil {
		return fmt.Errorf("create operation without message")
	}
	inserted, err := tx.Store.UpsertMessage(ctx, op.Message)
	if err != nil {
		return err
	}
	tx.touch(op.Message.ConversationID)
	metrics.IncrementCounter("operations_applied_total", map[string]string{"kind": op.Kind()}, "Operations applied to the timeline")

	if inserted {
		LogOperation(ctx, r.logger, op, "Stored new message")
	}

	for _, pending := range tx.orphans.Take(op.Message.RemoteID) {
		LogOperation(ctx, r.logger, pending, "Replaying buffered status operation")
		if err := r.Apply(ctx, tx, pending); err != nil {
			return err
		}
	}
	return nil
}

func (r *StatusReconciler) applyStatus(ctx context.Context, tx *Tx, op StatusChangeOp) error {
	msg, err := r.lookup(ctx, tx, op.Ref, op.Ref.ConversationID == "")
	if err != nil {
		return err
	}
	if msg == nil {
		r.park(ctx, tx, op)
		return nil
	}
	metrics.IncrementCounter("operations_applied_total", map[string]string{"kind": op.Kind()}, "Operations applied to the timeline")

	if !op.isMarker() {
		if op.Ref.ConversationID == "" {
			tx.ack(op.Ref.RemoteID)
		}
		return r.escalate(ctx, tx, msg, op.Status)
	}

	if op.FromSelf {
		// own read state from another session; only inbound messages care
		if msg.Outgoing {
			return nil
		}
		return r.escalate(ctx, tx, msg, op.Status)
	}

	if !msg.Outgoing {
		// another participant acknowledging someone else's message
		return nil
	}
	if !msg.IsGroup() {
		return r.escalate(ctx, tx, msg, op.Status)
	}
	return r.aggregate(ctx, tx, msg, op)
}

// aggregate records a group marker and escalates once every current
// participant has acknowledged. Markers from senders outside the participant
// set are recorded but not counted. An unknown participant set counts as one.
func (r *StatusReconciler) aggregate(ctx context.Context, tx *Tx, msg *models.Message, op StatusChangeOp) error {
	ref := msg.Ref()
	if _, err := tx.Store.RecordMarker(ctx, models.Marker{Ref: ref, Participant: op.Participant, Kind: op.Marker}); err != nil {
		return err
	}

	required, err := tx.Store.ParticipantCount(ctx, ref.ConversationID)
	if err != nil {
		return err
	}
	if required <= 0 {
		required = 1
	}

	// displayed implies received, so check the stronger kind first
	kinds := []models.MarkerKind{models.MarkerReceived}
	if op.Marker == models.MarkerDisplayed {
		kinds = []models.MarkerKind{models.MarkerDisplayed, models.MarkerReceived}
	}
	for _, kind := range kinds {
		count, err := tx.Store.CountMarkers(ctx, ref, kind)
		if err != nil {
			return err
		}
		if count >= required {
			return r.escalate(ctx, tx, msg, kind.TargetStatus())
		}
	}

	fields := refFields(ctx, ref)
	fields[LogFieldMarkerKind] = op.Marker
	fields["required"] = required
	r.logger.WithFields(fields).Debug("Recorded group marker, aggregate incomplete")
	return nil
}

// escalate raises msg to status and applies the water-line to earlier rows.
// The water-line runs even when msg itself was already at status, since
// older rows may have been stored after its previous escalation.
func (r *StatusReconciler) escalate(ctx context.Context, tx *Tx, msg *models.Message, status models.Status) error {
	changed, err := tx.Store.EscalateStatus(ctx, msg.Ref(), status)
	if err != nil {
		return err
	}
	if changed {
		tx.touch(msg.ConversationID)
		metrics.IncrementCounter("status_escalations_total", map[string]string{"status": string(status)}, "Message status escalations")
	}

	rows, err := tx.Store.ApplyWaterLine(ctx, msg, status)
	if err != nil {
		return err
	}
	if rows > 0 {
		tx.touch(msg.ConversationID)
		metrics.AddToCounter("waterline_rows_total", float64(rows), nil, "Earlier messages raised by the water-line rule")
	}
	if !changed && rows == 0 {
		return nil
	}

	fields := refFields(ctx, msg.Ref())
	fields[LogFieldStatus] = status
	fields["waterline_rows"] = rows
	r.logger.WithFields(fields).Debug("Escalated message status")
	return nil
}

func (r *StatusReconciler) applyError(ctx context.Context, tx *Tx, op ErrorOp) error {
	msg, err := r.lookup(ctx, tx, op.Ref, true)
	if err != nil {
		return err
	}
	if msg == nil {
		r.park(ctx, tx, op)
		return nil
	}
	tx.ack(msg.RemoteID)

	changed, err := tx.Store.MarkError(ctx, msg.Ref(), op.Cause)
	if err != nil {
		return err
	}
	if changed {
		tx.touch(msg.ConversationID)
		metrics.IncrementCounter("operations_applied_total", map[string]string{"kind": op.Kind()}, "Operations applied to the timeline")
		fields := refFields(ctx, msg.Ref())
		fields[LogFieldReason] = op.Cause
		r.logger.WithFields(fields).Warn("Outbound message failed")
	}
	return nil
}

// lookup finds the row an operation targets. Acknowledgments carry only a
// remote id and go through the registration table first, as do error bounces,
// which may name a server-assigned id. With anyConversation set, a miss in the
// named conversation falls back to a search by remote id, since error bounces
// may come from a different address than the row's.
func (r *StatusReconciler) lookup(ctx context.Context, tx *Tx, ref models.MessageRef, anyConversation bool) (*models.Message, error) {
	if (ref.ConversationID == "" || anyConversation) && r.acks != nil {
		if registered, ok := r.acks.Resolve(ref.RemoteID); ok {
			ref = registered
		}
	}
	if ref.ConversationID != "" {
		msg, err := tx.Store.GetMessage(ctx, ref)
		if err != nil || msg != nil || !anyConversation {
			return msg, err
		}
	}
	return tx.Store.FindByRemoteID(ctx, ref.RemoteID)
}

func (r *StatusReconciler) park(ctx context.Context, tx *Tx, op Operation) {
	tx.orphans.Put(op.Target().RemoteID, op)
	fields := refFields(ctx, op.Target())
	fields[LogFieldOpKind] = op.Kind()
	r.logger.WithFields(fields).Debug("Buffered status operation for unknown message")
}
