package types

import (
	"context"
	"time"
)

// EventClass names one live subscription of the transport.
type EventClass string

const (
	ClassDirectMessage   EventClass = "direct_message"
	ClassGroupMessage    EventClass = "group_message"
	ClassCarbon          EventClass = "carbon"
	ClassDeliveryReceipt EventClass = "delivery_receipt"
	ClassReadMarker      EventClass = "read_marker"
	ClassSendAck         EventClass = "send_ack"
	// ClassArchive marks items that came from a history query rather than a subscription.
	ClassArchive EventClass = "archive"
)

// LiveClasses are the subscriptions the engine keeps open.
var LiveClasses = []EventClass{
	ClassDirectMessage,
	ClassGroupMessage,
	ClassCarbon,
	ClassDeliveryReceipt,
	ClassReadMarker,
	ClassSendAck,
}

// SendAck is the server acknowledgment of an outbound stanza.
type SendAck struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Error     *StanzaErrorInfo `json:"error,omitempty"`
}

// Event is one decoded item from the transport. Exactly one of Stanza,
// Archive or Ack is set.
type Event struct {
	Class      EventClass   `json:"class"`
	Stanza     *Stanza      `json:"stanza,omitempty"`
	Archive    *ArchiveItem `json:"archive,omitempty"`
	Ack        *SendAck     `json:"ack,omitempty"`
	ReceivedAt time.Time    `json:"receivedAt,omitempty"`
}

type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// ArchiveQuery asks the server archive for one page next to a pivot. When
// PivotID is empty PivotTime is used; when both are empty the query starts
// at the newest (Before) or oldest (After) end.
type ArchiveQuery struct {
	ConversationID string    `json:"conversationId,omitempty"`
	IsGroup        bool      `json:"isGroup,omitempty"`
	PivotID        string    `json:"pivotId,omitempty"`
	PivotTime      time.Time `json:"pivotTime,omitempty"`
	Direction      Direction `json:"direction"`
	PageSize       int       `json:"pageSize"`
}

// ArchivePage is the result of one archive query.
type ArchivePage struct {
	Items    []ArchiveItem `json:"items"`
	Complete bool          `json:"complete"`
}

// Transport is the protocol collaborator the engine consumes.
type Transport interface {
	// Subscribe opens the live subscription for one event class. The
	// channel is closed when ctx ends or the transport shuts down.
	Subscribe(ctx context.Context, class EventClass) (<-chan Event, error)
	QueryArchive(ctx context.Context, q ArchiveQuery) (*ArchivePage, error)
	Send(ctx context.Context, stanza Stanza) (string, error)
	// Reconnects signals every successful reconnect of the session.
	Reconnects() <-chan struct{}
}
