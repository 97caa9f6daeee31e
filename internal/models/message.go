package models

import (
	"fmt"
	"time"
)

// Status is the delivery status of a stored message.
//
// Pending < Sent < Delivered < Seen. Error is a side branch and is never
// compared by rank when escalating.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusError     Status = "error"
)

// Rank returns the position of the status in the escalation order.
// Error ranks below Pending so that any escalation replaces it.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	case StatusError:
		return -1
	default:
		return -2
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() > -2
}

// Escalates reports whether moving from current to s is an improvement.
func (s Status) Escalates(current Status) bool {
	if s == StatusError {
		return false
	}
	return s.Rank() > current.Rank()
}

// ParseStatus converts a stored status string.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

type MessageType string

const (
	MessageTypeDirect MessageType = "direct"
	MessageTypeGroup  MessageType = "group"
)

type AttachmentKind string

const (
	AttachmentMedia    AttachmentKind = "media"
	AttachmentLocation AttachmentKind = "location"
)

// Attachment describes either a media reference or a shared location.
type Attachment struct {
	Kind      AttachmentKind `json:"kind"`
	URL       string         `json:"url,omitempty"`
	MimeType  string         `json:"mimeType,omitempty"`
	Size      int64          `json:"size,omitempty"`
	LocalPath string         `json:"localPath,omitempty"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
}

// MessageRef identifies a message row within an owner's timeline.
type MessageRef struct {
	ConversationID string `json:"conversationId"`
	RemoteID       string `json:"remoteId"`
}

func (r MessageRef) String() string {
	return r.ConversationID + "/" + r.RemoteID
}

// Message is one row of a conversation timeline.
type Message struct {
	Owner          string      `json:"owner"`
	ConversationID string      `json:"conversationId"`
	RemoteID       string      `json:"remoteId"`
	ArchiveID      string      `json:"archiveId,omitempty"`
	Sender         string      `json:"sender"`
	Body           *string     `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Thread         string      `json:"thread,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Type           MessageType `json:"type"`
	Outgoing       bool        `json:"outgoing"`
	Status         Status      `json:"status"`
	ErrorCause     string      `json:"errorCause,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (m *Message) Ref() MessageRef {
	return MessageRef{ConversationID: m.ConversationID, RemoteID: m.RemoteID}
}

func (m *Message) IsGroup() bool {
	return m.Type == MessageTypeGroup
}

// OutgoingMessage is a locally composed message before it gets a remote id.
type OutgoingMessage struct {
	ConversationID string      `json:"conversationId"`
	Body           *string     `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Type           MessageType `json:"type"`
}
