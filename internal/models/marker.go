package models

type MarkerKind string

const (
	MarkerReceived  MarkerKind = "received"
	MarkerDisplayed MarkerKind = "displayed"
)

// TargetStatus is the status a fully aggregated marker of this kind implies.
func (k MarkerKind) TargetStatus() Status {
	if k == MarkerDisplayed {
		return StatusSeen
	}
	return StatusDelivered
}

// Marker is an acknowledgment from one participant for one message.
type Marker struct {
	Ref         MessageRef `json:"ref"`
	Participant string     `json:"participant"`
	Kind        MarkerKind `json:"kind"`
	// FromSelf is set when another session of the owner emitted the marker.
	FromSelf bool `json:"fromSelf,omitempty"`
}

// Conversation is the minimal conversation record needed for aggregation.
type Conversation struct {
	Owner        string   `json:"owner"`
	ID           string   `json:"id"`
	IsGroup      bool     `json:"isGroup"`
	SelfNick     string   `json:"selfNick,omitempty"`
	Participants []string `json:"participants,omitempty"`
}
