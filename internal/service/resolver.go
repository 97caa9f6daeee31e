package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/pkg/protocol/types"
)

// ErrIgnored is returned for well-formed events that carry nothing to apply,
// such as chat state notifications or markable flags without content.
var ErrIgnored = errors.New("event carries nothing to apply")

// NicknameLookup returns the owner's nickname in a group conversation.
type NicknameLookup interface {
	SelfNick(conversationID string) (string, bool)
}

// IdentityResolver maps decoded protocol events onto timeline operations.
// It has no side effects.
type IdentityResolver struct {
	owner string
	nicks NicknameLookup
}

func NewIdentityResolver(owner string, nicks NicknameLookup) *IdentityResolver {
	return &IdentityResolver{owner: types.BareJID(owner), nicks: nicks}
}

// Resolve returns the operation for ev, or false when ev is not processable.
func (r *IdentityResolver) Resolve(ev types.Event) (Operation, bool) {
	op, err := r.ResolveEvent(ev)
	return op, err == nil
}

// ResolveEvent is Resolve with the reason an event was rejected. Rejections
// are either ErrIgnored or a MALFORMED_EVENT AppError.
func (r *IdentityResolver) ResolveEvent(ev types.Event) (Operation, error) {
	switch ev.Class {
	case types.ClassSendAck:
		return r.resolveAck(ev)
	case types.ClassArchive:
		if ev.Archive == nil {
			return nil, malformed(ev.Class, "archive event without item")
		}
		item := ev.Archive
		return r.resolveStanza(ev.Class, &item.Stanza, item.ArchiveID, firstNonZero(item.Timestamp, ev.ReceivedAt))
	default:
		if ev.Stanza == nil {
			return nil, malformed(ev.Class, "event without stanza")
		}
		return r.resolveStanza(ev.Class, ev.Stanza, "", ev.ReceivedAt)
	}
}

func (r *IdentityResolver) resolveAck(ev types.Event) (Operation, error) {
	if ev.Ack == nil || ev.Ack.ID == "" {
		return nil, malformed(ev.Class, "acknowledgment without id")
	}
	ref := models.MessageRef{RemoteID: ev.Ack.ID}
	if ev.Ack.Error != nil {
		return ErrorOp{Ref: ref, Cause: errorCause(ev.Ack.Error), Source: ev.Class}, nil
	}
	return StatusChangeOp{Ref: ref, Status: models.StatusSent, Source: ev.Class}, nil
}

// origin describes where a stanza sits relative to the owner.
type origin struct {
	conversationID string
	sender         string
	outgoing       bool
	group          bool
}

func (r *IdentityResolver) resolveStanza(class types.EventClass, s *types.Stanza, archiveID string, fallback time.Time) (Operation, error) {
	var direction types.CarbonDirection
	if s.Carbon != nil {
		if s.Carbon.Forwarded == nil {
			return nil, malformed(class, "carbon without forwarded stanza")
		}
		direction = s.Carbon.Direction
		if direction != types.CarbonSent && direction != types.CarbonReceived {
			return nil, malformed(class, fmt.Sprintf("unknown carbon direction %q", direction))
		}
		s = s.Carbon.Forwarded
	}

	o, err := r.locate(s, direction)
	if err != nil {
		return nil, malformed(class, err.Error())
	}

	if s.Type == types.StanzaError {
		if s.ID == "" {
			return nil, malformed(class, "error stanza without id")
		}
		return ErrorOp{
			Ref:    models.MessageRef{ConversationID: o.conversationID, RemoteID: s.ID},
			Cause:  errorCause(s.Error),
			Source: class,
		}, nil
	}

	if kind, id, ok := markerOf(s); ok {
		if id == "" {
			return nil, malformed(class, "marker without referenced id")
		}
		if o.sender == "" {
			return nil, malformed(class, "marker without sender")
		}
		return StatusChangeOp{
			Ref:         models.MessageRef{ConversationID: o.conversationID, RemoteID: id},
			Status:      kind.TargetStatus(),
			Marker:      kind,
			Participant: o.sender,
			FromSelf:    o.outgoing,
			Source:      class,
		}, nil
	}

	if !s.HasPayload() {
		return nil, ErrIgnored
	}

	remoteID := firstNonEmpty(s.OriginID, s.ID, archiveID)
	if remoteID == "" {
		return nil, malformed(class, "message without id")
	}
	ts := firstNonZero(s.Timestamp, fallback)
	if ts.IsZero() {
		return nil, malformed(class, "message without timestamp")
	}

	msg := &models.Message{
		ConversationID: o.conversationID,
		RemoteID:       remoteID,
		ArchiveID:      archiveID,
		Sender:         o.sender,
		Body:           s.Body,
		Attachment:     attachmentOf(s),
		Timestamp:      ts.UTC(),
		Thread:         s.Thread,
		ReplyTo:        s.ReplyTo,
		Type:           models.MessageTypeDirect,
		Outgoing:       o.outgoing,
		Status:         models.StatusDelivered,
	}
	if o.group {
		msg.Type = models.MessageTypeGroup
	}
	if o.outgoing {
		msg.Status = models.StatusSent
	}
	return CreateOp{Message: msg, Source: class}, nil
}

// locate derives the conversation, sender and direction of a stanza.
func (r *IdentityResolver) locate(s *types.Stanza, direction types.CarbonDirection) (origin, error) {
	if s.Type == types.StanzaGroupChat || r.isKnownRoom(s) {
		from, err := types.ParseJID(s.From)
		if err != nil {
			return origin{}, fmt.Errorf("invalid from address: %w", err)
		}
		o := origin{conversationID: from.Bare(), sender: from.Resource, group: true}
		if nick, ok := r.selfNick(o.conversationID); ok && nick != "" && nick == from.Resource {
			o.outgoing = true
		}
		return o, nil
	}

	switch direction {
	case types.CarbonSent:
		return r.sentTo(s)
	case types.CarbonReceived:
		return r.receivedFrom(s)
	}

	if r.owner != "" && types.SameBare(s.From, r.owner) {
		return r.sentTo(s)
	}
	if s.From == "" && s.To != "" {
		// own stanzas may come back without a from attribute
		return r.sentTo(s)
	}
	return r.receivedFrom(s)
}

func (r *IdentityResolver) sentTo(s *types.Stanza) (origin, error) {
	to := types.BareJID(s.To)
	if to == "" {
		return origin{}, fmt.Errorf("invalid to address %q", s.To)
	}
	return origin{conversationID: to, sender: r.owner, outgoing: true}, nil
}

func (r *IdentityResolver) receivedFrom(s *types.Stanza) (origin, error) {
	from := types.BareJID(s.From)
	if from == "" {
		return origin{}, fmt.Errorf("invalid from address %q", s.From)
	}
	return origin{conversationID: from, sender: from}, nil
}

// isKnownRoom catches room stanzas the gateway delivered without a groupchat
// type, such as error bounces and archive items from a room archive.
func (r *IdentityResolver) isKnownRoom(s *types.Stanza) bool {
	if s.Type == types.StanzaChat {
		return false
	}
	_, ok := r.selfNick(types.BareJID(s.From))
	return ok
}

func (r *IdentityResolver) selfNick(conversationID string) (string, bool) {
	if r.nicks == nil || conversationID == "" {
		return "", false
	}
	return r.nicks.SelfNick(conversationID)
}

func markerOf(s *types.Stanza) (models.MarkerKind, string, bool) {
	if s.Receipt != nil {
		return models.MarkerReceived, s.Receipt.ID, true
	}
	if s.Marker == nil {
		return "", "", false
	}
	switch s.Marker.Type {
	case types.MarkerReceived:
		return models.MarkerReceived, s.Marker.ID, true
	case types.MarkerDisplayed, types.MarkerAcknowledged:
		return models.MarkerDisplayed, s.Marker.ID, true
	default:
		return "", "", false
	}
}

func attachmentOf(s *types.Stanza) *models.Attachment {
	switch {
	case s.Media != nil && s.Media.URL != "":
		mime := s.Media.MimeType
		if mime == "" {
			mime = constants.MimeTypeForURL(s.Media.URL)
		}
		return &models.Attachment{
			Kind:     models.AttachmentMedia,
			URL:      s.Media.URL,
			MimeType: mime,
			Size:     s.Media.Size,
		}
	case s.Location != nil:
		return &models.Attachment{
			Kind:      models.AttachmentLocation,
			Latitude:  s.Location.Latitude,
			Longitude: s.Location.Longitude,
		}
	}
	return nil
}

func errorCause(info *types.StanzaErrorInfo) string {
	if info == nil {
		return "undefined-condition"
	}
	if info.Text != "" {
		return info.Condition + ": " + info.Text
	}
	if info.Condition == "" {
		return "undefined-condition"
	}
	return info.Condition
}

func malformed(class types.EventClass, reason string) error {
	return apperrors.NewMalformedEventError(string(class), reason)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}

// ConversationRegistry remembers the group conversations the owner joined
// and the nickname used in each.
type ConversationRegistry struct {
	mu    sync.RWMutex
	rooms map[string]string
}

func NewConversationRegistry() *ConversationRegistry {
	return &ConversationRegistry{rooms: make(map[string]string)}
}

// Register records conv. Direct conversations are ignored.
func (c *ConversationRegistry) Register(conv models.Conversation) {
	if !conv.IsGroup {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[conv.ID] = conv.SelfNick
}

func (c *ConversationRegistry) SelfNick(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nick, ok := c.rooms[conversationID]
	return nick, ok
}

func (c *ConversationRegistry) IsGroup(conversationID string) bool {
	_, ok := c.SelfNick(conversationID)
	return ok
}
