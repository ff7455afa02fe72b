// Package store is the durable log behind the live session engine. It owns
// chat messages, reactions, hand raises, mute records and profanity strikes.
// The engine only keeps derived state in memory; everything authoritative is
// read from and appended to a Store.
package store

import (
	"context"
	"errors"
	"time"
)

// SystemActor is the muted-by value of mutes issued by the strike tracker.
const SystemActor = "system"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Message is a persisted chat message. Reactions is a projection of the
// reaction log: symbol -> number of distinct users.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	AuthorID    string         `json:"user_id"`
	AuthorName  string         `json:"display_name"`
	Text        string         `json:"message"`
	CreatedAt   time.Time      `json:"created_at"`
	IsPrivate   bool           `json:"is_private"`
	RecipientID string         `json:"recipient_id,omitempty"`
	IsDeleted   bool           `json:"is_deleted"`
	DeletedBy   string         `json:"deleted_by,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Reactions   map[string]int `json:"reactions"`
}

// VisibleTo reports whether a private message may be shown to userID.
func (m *Message) VisibleTo(userID string) bool {
	if !m.IsPrivate {
		return true
	}
	return userID != "" && (m.AuthorID == userID || m.RecipientID == userID)
}

// Reaction is one user's contribution of a symbol to a message.
type Reaction struct {
	MessageID string
	SessionID string
	UserID    string
	Symbol    string
	CreatedAt time.Time
}

// HandRaise is a request to speak. At most one raise per (session, user) is
// active at a time. Seq reflects insertion order and breaks RaisedAt ties.
type HandRaise struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	IsActive       bool       `json:"is_active"`
	RaisedAt       time.Time  `json:"raised_at"`
	LoweredAt      *time.Time `json:"lowered_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	Seq            int64      `json:"-"`
}

// MuteAction distinguishes mute records from terminating unmute records.
type MuteAction string

const (
	MuteActionMute   MuteAction = "mute"
	MuteActionUnmute MuteAction = "unmute"
)

// MuteRecord is an append-only moderation entry. ExpiresAt is nil for a
// permanent mute and for unmute records.
type MuteRecord struct {
	ID        int64
	SessionID string
	UserID    string
	Action    MuteAction
	MutedBy   string
	Reason    string
	MutedAt   time.Time
	ExpiresAt *time.Time
}

// Strike is one recorded profanity violation.
type Strike struct {
	SessionID string
	UserID    string
	MessageID string
	CreatedAt time.Time
}

// MessageQuery selects messages of one session.
type MessageQuery struct {
	SessionID string

	// ViewerID sees its own private messages (sent or received). Other
	// private messages are returned only when IncludePrivate is set.
	ViewerID       string
	IncludePrivate bool
	IncludeDeleted bool

	// Limit <= 0 means no limit.
	Limit  int
	Offset int
}

// Store is the persistence contract consumed by the message pipeline and the
// REST read paths. Implementations must be safe for concurrent use and must
// only return from a write once it is durable.
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error)
	// ListMessages returns messages ordered by creation time ascending.
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	// DeleteMessage soft-deletes a message. Deleting twice is not an error.
	DeleteMessage(ctx context.Context, sessionID, messageID, deletedBy string, at time.Time) error

	// AddReaction records a reaction. added is false when the user already
	// contributed the symbol; count is the symbol's total either way.
	AddReaction(ctx context.Context, r Reaction) (added bool, count int, err error)

	// RaiseHand inserts hr unless the user already has an active raise, in
	// which case the existing record is returned with created=false.
	RaiseHand(ctx context.Context, hr *HandRaise) (existing *HandRaise, created bool, err error)
	// LowerHand deactivates the user's active raise. ErrNotFound is returned
	// if none is active.
	LowerHand(ctx context.Context, sessionID, userID, acknowledgedBy string, at time.Time) (*HandRaise, error)
	// ActiveHands returns active raises ordered by RaisedAt, then Seq.
	ActiveHands(ctx context.Context, sessionID string) ([]HandRaise, error)

	AppendMute(ctx context.Context, rec *MuteRecord) error
	// LatestMute returns the most recent record for the user, or nil.
	LatestMute(ctx context.Context, sessionID, userID string) (*MuteRecord, error)

	AppendStrike(ctx context.Context, s Strike) error
	// StrikesSince returns the creation times of the user's strikes at or
	// after since, oldest first.
	StrikesSince(ctx context.Context, sessionID, userID string, since time.Time) ([]time.Time, error)

	Close() error
}
