package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/livesession/internal/store"
)

// StrikePolicy controls when repeated profanity escalates into a mute.
type StrikePolicy struct {
	Window       time.Duration // strikes older than this do not count
	Threshold    int           // strikes within Window that trigger a mute
	MuteDuration time.Duration
}

// DefaultStrikePolicy returns three strikes per rolling hour, muted for 15 minutes.
func DefaultStrikePolicy() StrikePolicy {
	return StrikePolicy{
		Window:       time.Hour,
		Threshold:    3,
		MuteDuration: 15 * time.Minute,
	}
}

// MuteInstruction is the auto-mute side effect produced by screening a
// message. It is applied by the caller after the message is persisted.
type MuteInstruction struct {
	UserID   string
	MutedBy  string
	Reason   string
	At       time.Time
	Duration time.Duration
}

// ExpiresAt is the end of the mute.
func (in *MuteInstruction) ExpiresAt() time.Time {
	return in.At.Add(in.Duration)
}

// StrikeTracker counts profanity strikes per participant of one session. The
// durable log lives in the store; the tracker keeps the strikes inside the
// window in memory. It is owned by the session worker.
type StrikeTracker struct {
	store     store.Store
	sessionID string
	policy    StrikePolicy
	recent    map[string][]time.Time
}

// NewStrikeTracker creates the tracker for one session.
func NewStrikeTracker(st store.Store, sessionID string, policy StrikePolicy) *StrikeTracker {
	return &StrikeTracker{
		store:     st,
		sessionID: sessionID,
		policy:    policy,
		recent:    make(map[string][]time.Time),
	}
}

// Count returns the number of strikes of userID inside the window ending at now.
func (t *StrikeTracker) Count(ctx context.Context, userID string, now time.Time) (int, error) {
	recent, err := t.load(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	return len(recent), nil
}

// Record appends a strike to the durable log.
func (t *StrikeTracker) Record(ctx context.Context, userID, messageID string, at time.Time) error {
	recent, err := t.load(ctx, userID, at)
	if err != nil {
		return err
	}
	err = t.store.AppendStrike(ctx, store.Strike{
		SessionID: t.sessionID,
		UserID:    userID,
		MessageID: messageID,
		CreatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("moderation: append strike: %w", err)
	}
	t.recent[userID] = append(recent, at)
	return nil
}

func (t *StrikeTracker) load(ctx context.Context, userID string, now time.Time) ([]time.Time, error) {
	cutoff := now.Add(-t.policy.Window)

	recent, ok := t.recent[userID]
	if !ok {
		var err error
		recent, err = t.store.StrikesSince(ctx, t.sessionID, userID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("moderation: load strikes: %w", err)
		}
	}

	i := 0
	for i < len(recent) && !recent[i].After(cutoff) {
		i++
	}
	recent = recent[i:]
	t.recent[userID] = recent
	return recent, nil
}

// Screening is the outcome of the profanity stage for one message.
type Screening struct {
	Text      string // censored text
	Violation bool
	AutoMute  *MuteInstruction
}

// Screener combines the filter and the strike tracker into the profanity
// stage of the message pipeline. Screening does not write anything; the
// caller records the strike and applies AutoMute once the message is stored.
type Screener struct {
	filter  *Filter
	strikes *StrikeTracker
}

// NewScreener creates a Screener.
func NewScreener(filter *Filter, strikes *StrikeTracker) *Screener {
	return &Screener{filter: filter, strikes: strikes}
}

// Screen censors text and decides whether this violation reaches the strike
// threshold.
func (s *Screener) Screen(ctx context.Context, userID, text string, at time.Time) (Screening, error) {
	censored, violation := s.filter.Censor(text)
	out := Screening{Text: censored, Violation: violation}
	if !violation {
		return out, nil
	}

	n, err := s.strikes.Count(ctx, userID, at)
	if err != nil {
		return Screening{}, err
	}
	policy := s.strikes.policy
	if n+1 >= policy.Threshold {
		out.AutoMute = &MuteInstruction{
			UserID:   userID,
			MutedBy:  store.SystemActor,
			Reason:   ReasonProfanity,
			At:       at,
			Duration: policy.MuteDuration,
		}
	}
	return out, nil
}

// Strikes returns the tracker used by the screener.
func (s *Screener) Strikes() *StrikeTracker {
	return s.strikes
}
