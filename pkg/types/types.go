// Package types defines the data shared by the registry, the providers, the
// relay, and the HTTP surface.
//
// Each package keeps its own request types; only the values that cross
// package boundaries live here to avoid circular imports.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Voice identifies a cloned voice.
type Voice struct {
	// ID is the opaque identifier assigned at clone time. It is stable for the
	// lifetime of the voice.
	ID string

	// Name is the user-supplied label. Names are not unique.
	Name string

	// Reference points at the conditioning audio. For locally synthesised
	// voices it is the path of a mono WAV on disk; for hosted voices it is the
	// provider's voice handle.
	Reference string

	// Hosted reports that Reference is a provider handle rather than a file.
	Hosted bool

	// CreatedAt is the clone time. Zero for voices listed straight from a
	// provider catalogue.
	CreatedAt time.Time
}

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a role accepted in conversation history.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one entry of a conversation history. A slice of turns is
// chronological and is forwarded to dialogue providers in order.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ValidateHistory checks that every turn carries a known role.
func ValidateHistory(history []Turn) error {
	for i, t := range history {
		if !t.Role.IsValid() {
			return fmt.Errorf("history[%d].role %q must be one of: user, assistant", i, t.Role)
		}
	}
	return nil
}

// EventType tags a [StreamEvent].
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// StreamEvent is one record of a relayed token stream. A stream carries zero
// or more token events followed by exactly one done or error event.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Text is set on token events.
	Text string `json:"text,omitempty"`

	// FullText is set on done events and equals the concatenation of every
	// preceding token.
	FullText string `json:"full_text,omitempty"`

	// Message is set on error events.
	Message string `json:"message,omitempty"`
}

// MarshalJSON encodes only the fields that belong to e's type. A done event
// always carries full_text, even when the answer is empty.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventToken:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Text string    `json:"text"`
		}{e.Type, e.Text})
	case EventDone:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			FullText string    `json:"full_text"`
		}{e.Type, e.FullText})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	}
	type plain StreamEvent
	return json.Marshal(plain(e))
}

// Terminal reports whether e ends its stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// TokenEvent returns a token event.
func TokenEvent(text string) StreamEvent { return StreamEvent{Type: EventToken, Text: text} }

// DoneEvent returns a terminal completion event.
func DoneEvent(full string) StreamEvent { return StreamEvent{Type: EventDone, FullText: full} }

// ErrorEvent returns a terminal error event.
func ErrorEvent(msg string) StreamEvent { return StreamEvent{Type: EventError, Message: msg} }
