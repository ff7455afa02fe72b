// Package protocol defines the live-channel event types exchanged between
// session participants and the server. All events are serialized as JSON and
// follow a flat envelope format with a "type" discriminator. Inbound and
// outbound events are closed sets: only the types declared in this package
// satisfy the Inbound and Outbound interfaces.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeChatMessage   = "chat_message"
	TypeReactionAdded = "reaction_added"
	TypeHandRaised    = "hand_raised"
	TypeHandLowered   = "hand_lowered"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeDeleteMessage = "delete_message"
	TypeMuteUser      = "mute_user"
	TypeUnmuteUser    = "unmute_user"
	TypePing          = "ping"
)

// Server -> Client event types. chat_message, reaction_added, hand_raised,
// hand_lowered, typing_start and typing_stop share their name with the
// inbound event that produces them.
const (
	TypeMessageDeleted = "message_deleted"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeUserMuted      = "user_muted"
	TypeUserUnmuted    = "user_unmuted"
	TypeSessionJoined  = "session_joined"
	TypeError          = "error"
	TypePong           = "pong"
)

// Inbound is implemented by every event a client may send. The unexported
// marker method keeps the set closed to this package.
type Inbound interface {
	Kind() string
	isInbound()
}

// Outbound is implemented by every event the server may emit.
type Outbound interface {
	Kind() string
	isOutbound()
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ChatMessage is a text message posted to the session, optionally addressed
// privately to a single recipient.
type ChatMessage struct {
	Message     string `json:"message"`
	IsPrivate   bool   `json:"is_private"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// AddReaction reacts to an existing message with one of the allowed symbols.
type AddReaction struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// RaiseHand puts the sender into the hand-raise queue.
type RaiseHand struct{}

// LowerHand removes a hand from the queue. UserID is empty when users lower
// their own hand; instructors set it to acknowledge someone else's.
type LowerHand struct {
	UserID         string `json:"user_id,omitempty"`
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
}

// TypingStart signals that the sender started typing.
type TypingStart struct{}

// TypingStop signals that the sender stopped typing.
type TypingStop struct{}

// DeleteMessage soft-deletes a message (instructor only).
type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

// MuteUser mutes a participant. A nil DurationMinutes means permanent.
type MuteUser struct {
	UserID          string `json:"user_id"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`
	Reason          string `json:"reason"`
}

// UnmuteUser lifts any mute on a participant.
type UnmuteUser struct {
	UserID string `json:"user_id"`
}

// Ping is a client-initiated keepalive.
type Ping struct{}

func (ChatMessage) Kind() string   { return TypeChatMessage }
func (AddReaction) Kind() string   { return TypeReactionAdded }
func (RaiseHand) Kind() string     { return TypeHandRaised }
func (LowerHand) Kind() string     { return TypeHandLowered }
func (TypingStart) Kind() string   { return TypeTypingStart }
func (TypingStop) Kind() string    { return TypeTypingStop }
func (DeleteMessage) Kind() string { return TypeDeleteMessage }
func (MuteUser) Kind() string      { return TypeMuteUser }
func (UnmuteUser) Kind() string    { return TypeUnmuteUser }
func (Ping) Kind() string          { return TypePing }

func (ChatMessage) isInbound()   {}
func (AddReaction) isInbound()   {}
func (RaiseHand) isInbound()     {}
func (LowerHand) isInbound()     {}
func (TypingStart) isInbound()   {}
func (TypingStop) isInbound()    {}
func (DeleteMessage) isInbound() {}
func (MuteUser) isInbound()      {}
func (UnmuteUser) isInbound()    {}
func (Ping) isInbound()          {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ChatMessageEvent carries a persisted chat message.
type ChatMessageEvent struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Message     string         `json:"message"`
	IsPrivate   bool           `json:"is_private"`
	RecipientID string         `json:"recipient_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Reactions   map[string]int `json:"reactions"`
}

// MessageDeletedEvent announces that a message was soft-deleted.
type MessageDeletedEvent struct {
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

// ReactionAddedEvent is the incremental reaction update. Count is the new
// total for Reaction on the message.
type ReactionAddedEvent struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Reaction  string `json:"reaction"`
	Count     int    `json:"count"`
}

// HandRaisedEvent announces a new hand in the queue.
type HandRaisedEvent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

// HandLoweredEvent announces that a hand left the queue.
type HandLoweredEvent struct {
	UserID         string    `json:"user_id"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	LoweredAt      time.Time `json:"lowered_at"`
}

// TypingStartEvent relays a participant's typing indicator.
type TypingStartEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// TypingStopEvent clears a participant's typing indicator.
type TypingStopEvent struct {
	UserID string `json:"user_id"`
}

// UserJoinedEvent announces a participant joining the session.
type UserJoinedEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// UserLeftEvent announces a participant leaving the session.
type UserLeftEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// UserMutedEvent announces a mute. ExpiresAt is nil for a permanent mute.
type UserMutedEvent struct {
	UserID    string     `json:"user_id"`
	MutedBy   string     `json:"muted_by"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UserUnmutedEvent announces that a mute was lifted.
type UserUnmutedEvent struct {
	UserID    string `json:"user_id"`
	UnmutedBy string `json:"unmuted_by"`
}

// ParticipantInfo describes one live participant in a join snapshot.
type ParticipantInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// SessionJoinedEvent is sent privately to a connection once it is registered.
type SessionJoinedEvent struct {
	ConnectionID string            `json:"connection_id"`
	SessionID    string            `json:"session_id"`
	Participants []ParticipantInfo `json:"participants"`
	ActiveHands  []HandRaisedEvent `json:"active_hands"`
}

// ErrorEvent is sent only to the connection whose event was rejected.
type ErrorEvent struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// PongEvent answers a client ping.
type PongEvent struct{}

func (ChatMessageEvent) Kind() string    { return TypeChatMessage }
func (MessageDeletedEvent) Kind() string { return TypeMessageDeleted }
func (ReactionAddedEvent) Kind() string  { return TypeReactionAdded }
func (HandRaisedEvent) Kind() string     { return TypeHandRaised }
func (HandLoweredEvent) Kind() string    { return TypeHandLowered }
func (TypingStartEvent) Kind() string    { return TypeTypingStart }
func (TypingStopEvent) Kind() string     { return TypeTypingStop }
func (UserJoinedEvent) Kind() string     { return TypeUserJoined }
func (UserLeftEvent) Kind() string       { return TypeUserLeft }
func (UserMutedEvent) Kind() string      { return TypeUserMuted }
func (UserUnmutedEvent) Kind() string    { return TypeUserUnmuted }
func (SessionJoinedEvent) Kind() string  { return TypeSessionJoined }
func (ErrorEvent) Kind() string          { return TypeError }
func (PongEvent) Kind() string           { return TypePong }

func (ChatMessageEvent) isOutbound()    {}
func (MessageDeletedEvent) isOutbound() {}
func (ReactionAddedEvent) isOutbound()  {}
func (HandRaisedEvent) isOutbound()     {}
func (HandLoweredEvent) isOutbound()    {}
func (TypingStartEvent) isOutbound()    {}
func (TypingStopEvent) isOutbound()     {}
func (UserJoinedEvent) isOutbound()     {}
func (UserLeftEvent) isOutbound()       {}
func (UserMutedEvent) isOutbound()      {}
func (UserUnmutedEvent) isOutbound()    {}
func (SessionJoinedEvent) isOutbound()  {}
func (ErrorEvent) isOutbound()          {}
func (PongEvent) isOutbound()           {}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed inbound event.
// An error is returned for unknown or server-only event types.
func ParseClientMessage(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var ev Inbound
	var err error

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessage
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeReactionAdded:
		var m AddReaction
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeHandRaised:
		ev = RaiseHand{}
	case TypeHandLowered:
		var m LowerHand
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTypingStart:
		ev = TypingStart{}
	case TypeTypingStop:
		ev = TypingStop{}
	case TypeDeleteMessage:
		var m DeleteMessage
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeMuteUser:
		var m MuteUser
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUnmuteUser:
		var m UnmuteUser
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypePing:
		ev = Ping{}
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}

// NewServerMessage encodes an outbound event. The event kind is injected into
// the payload under the "type" key.
func NewServerMessage(ev Outbound) ([]byte, error) {
	return encode(ev.Kind(), ev)
}

// NewClientMessage encodes an inbound event the way a client would send it.
// It is used by test clients and tooling.
func NewClientMessage(ev Inbound) ([]byte, error) {
	return encode(ev.Kind(), ev)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typeJSON, _ := json.Marshal(msgType)
	m["type"] = typeJSON

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ParseServerMessage decodes bytes produced by NewServerMessage back into a
// typed outbound event. Clients and the event tail tool use it.
func ParseServerMessage(data []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse server message: %w", err)
	}

	var ev Outbound
	var err error

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeMessageDeleted:
		var m MessageDeletedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeReactionAdded:
		var m ReactionAddedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeHandRaised:
		var m HandRaisedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeHandLowered:
		var m HandLoweredEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTypingStart:
		var m TypingStartEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTypingStop:
		var m TypingStopEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserJoined:
		var m UserJoinedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserLeft:
		var m UserLeftEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserMuted:
		var m UserMutedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserUnmuted:
		var m UserUnmutedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeSessionJoined:
		var m SessionJoinedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypePong:
		ev = PongEvent{}
	default:
		return nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}
