package service

import (
	"chatsync/internal/models"
	"chatsync/pkg/protocol/types"
)

// Operation is one mutation of the timeline produced from a protocol event.
// The set of implementations is closed: CreateOp, StatusChangeOp, ErrorOp.
type Operation interface {
	// Target is the message the operation applies to. ConversationID may be
	// empty when only the remote id is known (send acknowledgments).
	Target() models.MessageRef
	Kind() string
	isOperation()
}

// CreateOp inserts or refreshes a message row.
type CreateOp struct {
	Message *models.Message
	Source  types.EventClass
}

// StatusChangeOp advances the status of an existing message. When Marker is
// empty the status is applied directly (send acknowledgment, local markSeen);
// otherwise it is a participant marker subject to aggregation.
type StatusChangeOp struct {
	Ref         models.MessageRef
	Status      models.Status
	Marker      models.MarkerKind
	Participant string
	// FromSelf is set for markers emitted by another session of the owner.
	FromSelf bool
	Source   types.EventClass
}

// ErrorOp marks an outbound message failed.
type ErrorOp struct {
	Ref    models.MessageRef
	Cause  string
	Source types.EventClass
}

func (o CreateOp) Target() models.MessageRef {
	if o.Message == nil {
		return models.MessageRef{}
	}
	return o.Message.Ref()
}

func (o StatusChangeOp) Target() models.MessageRef { return o.Ref }
func (o ErrorOp) Target() models.MessageRef        { return o.Ref }

func (CreateOp) Kind() string { return "create" }

func (o StatusChangeOp) Kind() string {
	if o.Marker != "" {
		return "marker"
	}
	return "status"
}

func (ErrorOp) Kind() string { return "error" }

func (CreateOp) isOperation()       {}
func (StatusChangeOp) isOperation() {}
func (ErrorOp) isOperation()        {}

// isMarker reports whether op is a participant marker rather than a direct
// status assignment.
func (o StatusChangeOp) isMarker() bool {
	return o.Marker != ""
}
