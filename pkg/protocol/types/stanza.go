package types

import "time"

type StanzaType string

const (
	StanzaChat      StanzaType = "chat"
	StanzaGroupChat StanzaType = "groupchat"
	StanzaNormal    StanzaType = "normal"
	StanzaHeadline  StanzaType = "headline"
	StanzaError     StanzaType = "error"
)

// MarkerType is the chat marker extension carried by a stanza.
type MarkerType string

const (
	MarkerReceived     MarkerType = "received"
	MarkerDisplayed    MarkerType = "displayed"
	MarkerAcknowledged MarkerType = "acknowledged"
	MarkerMarkable     MarkerType = "markable"
)

// Marker references an earlier message by id.
type Marker struct {
	Type MarkerType `json:"type"`
	ID   string     `json:"id,omitempty"`
}

// Receipt is a delivery receipt for the referenced id.
type Receipt struct {
	ID string `json:"id"`
}

type CarbonDirection string

const (
	CarbonSent     CarbonDirection = "sent"
	CarbonReceived CarbonDirection = "received"
)

// Carbon wraps a copy of a message another session of the owner sent or received.
type Carbon struct {
	Direction CarbonDirection `json:"direction"`
	Forwarded *Stanza         `json:"forwarded"`
}

// StanzaErrorInfo is the error payload of a type=error stanza.
type StanzaErrorInfo struct {
	Type      string `json:"type,omitempty"`
	Condition string `json:"condition"`
	Text      string `json:"text,omitempty"`
}

type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Stanza is one decoded message stanza as delivered by the gateway.
type Stanza struct {
	ID        string           `json:"id,omitempty"`
	OriginID  string           `json:"originId,omitempty"`
	StanzaID  string           `json:"stanzaId,omitempty"`
	Type      StanzaType       `json:"type"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Body      *string          `json:"body,omitempty"`
	Media     *Media           `json:"media,omitempty"`
	Location  *Location        `json:"location,omitempty"`
	Thread    string           `json:"thread,omitempty"`
	ReplyTo   string           `json:"replyTo,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Marker    *Marker          `json:"marker,omitempty"`
	Receipt   *Receipt         `json:"receipt,omitempty"`
	Carbon    *Carbon          `json:"carbon,omitempty"`
	Error     *StanzaErrorInfo `json:"error,omitempty"`
}

// HasPayload reports whether the stanza carries content worth storing.
func (s *Stanza) HasPayload() bool {
	return (s.Body != nil && *s.Body != "") || s.Media != nil || s.Location != nil
}

// ArchiveItem is one result of an archive query. ArchiveID is assigned by
// the server-side history index.
type ArchiveItem struct {
	ArchiveID string    `json:"archiveId"`
	Timestamp time.Time `json:"timestamp"`
	Stanza    Stanza    `json:"stanza"`
}
