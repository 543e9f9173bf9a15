package events

import "encoding/json"

// MarshalJSON includes the badge set as a sorted list.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type alias ChatMessage
	return json.Marshal(struct {
		alias
		Badges []string `json:"badges"`
	}{alias: alias(m), Badges: m.Badges.List()})
}

// Envelope wraps an event with its kind for consumers that multiplex streams.
type Envelope struct {
	Kind Kind  `json:"kind"`
	Data Event `json:"data"`
}

// Wrap builds the envelope for ev.
func Wrap(ev Event) Envelope { return Envelope{Kind: ev.EventKind(), Data: ev} }
