package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/whisper/livesession/internal/protocol"
)

const (
	MaxMessageChars = 2000
	MaxMessageBytes = 4 * MaxMessageChars
	MaxReasonChars  = 500

	// MaxMuteMinutes caps timed mutes at one year.
	MaxMuteMinutes = 525_600
)

// allowedReactions is the fixed reaction set.
var allowedReactions = map[string]struct{}{
	"👍":  {},
	"👏":  {},
	"❤️": {},
	"🔥":  {},
}

// AllowedReactions returns the accepted reaction symbols.
func AllowedReactions() []string {
	return []string{"👍", "👏", "❤️", "🔥"}
}

// IsAllowedReaction reports whether symbol is in the reaction set.
func IsAllowedReaction(symbol string) bool {
	_, ok := allowedReactions[symbol]
	return ok
}

// validateText checks message content.
func validateText(text string) *Rejection {
	if !utf8.ValidString(text) {
		return invalid("message contains invalid UTF-8")
	}
	if strings.TrimSpace(text) == "" {
		return invalid("message text is empty")
	}
	if len(text) > MaxMessageBytes || utf8.RuneCountInString(text) > MaxMessageChars {
		return invalid("message exceeds %d character limit", MaxMessageChars)
	}
	return nil
}

// validateChat checks a chat submission. present reports whether a user has
// a live connection in the session.
func validateChat(authorID string, m protocol.ChatMessage, present func(string) bool) *Rejection {
	if rej := validateText(m.Message); rej != nil {
		return rej
	}
	if !m.IsPrivate {
		return nil
	}
	if m.RecipientID == "" {
		return invalid("private message requires recipient_id")
	}
	if m.RecipientID == authorID {
		return invalid("cannot send a private message to yourself")
	}
	if !present(m.RecipientID) {
		return invalid("recipient %s is not in this session", m.RecipientID)
	}
	return nil
}

func validateReaction(r protocol.AddReaction) *Rejection {
	if r.MessageID == "" {
		return invalid("message_id is required")
	}
	if !IsAllowedReaction(r.Reaction) {
		return invalid("reaction %q is not allowed", r.Reaction)
	}
	return nil
}

func validateMute(actorID string, m protocol.MuteUser) *Rejection {
	if m.UserID == "" {
		return invalid("user_id is required")
	}
	if m.UserID == actorID {
		return invalid("cannot mute yourself")
	}
	if m.DurationMinutes != nil && *m.DurationMinutes <= 0 {
		return invalid("duration_minutes must be positive")
	}
	if m.DurationMinutes != nil && *m.DurationMinutes > MaxMuteMinutes {
		return invalid("duration_minutes exceeds %d", MaxMuteMinutes)
	}
	if utf8.RuneCountInString(m.Reason) > MaxReasonChars {
		return invalid("reason exceeds %d character limit", MaxReasonChars)
	}
	return nil
}
