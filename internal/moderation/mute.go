package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/livesession/internal/store"
)

// MuteState is the derived moderation state of a participant.
type MuteState int

const (
	Unmuted MuteState = iota
	TemporarilyMuted
	PermanentlyMuted
)

func (s MuteState) String() string {
	switch s {
	case TemporarilyMuted:
		return "temporarily_muted"
	case PermanentlyMuted:
		return "permanently_muted"
	default:
		return "unmuted"
	}
}

// StateOf derives the state from the latest mute record of a user. An
// unmute record always wins and a timed mute lapses once now reaches its
// expiry.
func StateOf(latest *store.MuteRecord, now time.Time) MuteState {
	if latest == nil || latest.Action != store.MuteActionMute {
		return Unmuted
	}
	if latest.ExpiresAt == nil {
		return PermanentlyMuted
	}
	if now.Before(*latest.ExpiresAt) {
		return TemporarilyMuted
	}
	return Unmuted
}

// Mutes caches the latest mute record per participant of one session in
// front of the store. It is owned by the session worker and is not safe for
// concurrent use.
type Mutes struct {
	store     store.Store
	sessionID string
	latest    map[string]*store.MuteRecord // nil entry: loaded, no record
}

// NewMutes creates the mute cache for one session.
func NewMutes(st store.Store, sessionID string) *Mutes {
	return &Mutes{
		store:     st,
		sessionID: sessionID,
		latest:    make(map[string]*store.MuteRecord),
	}
}

// Status returns the state of userID at now together with the record that
// produced it.
func (m *Mutes) Status(ctx context.Context, userID string, now time.Time) (MuteState, *store.MuteRecord, error) {
	rec, ok := m.latest[userID]
	if !ok {
		var err error
		rec, err = m.store.LatestMute(ctx, m.sessionID, userID)
		if err != nil {
			return Unmuted, nil, fmt.Errorf("moderation: load mute state: %w", err)
		}
		m.latest[userID] = rec
	}
	return StateOf(rec, now), rec, nil
}

// Mute appends a mute record. A nil duration mutes permanently.
func (m *Mutes) Mute(ctx context.Context, userID, mutedBy, reason string, duration *time.Duration, at time.Time) (*store.MuteRecord, error) {
	rec := &store.MuteRecord{
		SessionID: m.sessionID,
		UserID:    userID,
		Action:    store.MuteActionMute,
		MutedBy:   mutedBy,
		Reason:    reason,
		MutedAt:   at,
	}
	if duration != nil {
		exp := at.Add(*duration)
		rec.ExpiresAt = &exp
	}
	return m.append(ctx, rec)
}

// Apply records an automatic mute issued by the strike tracker.
func (m *Mutes) Apply(ctx context.Context, in *MuteInstruction) (*store.MuteRecord, error) {
	d := in.Duration
	return m.Mute(ctx, in.UserID, in.MutedBy, in.Reason, &d, in.At)
}

// Unmute appends a terminating record. It succeeds whatever the current state.
func (m *Mutes) Unmute(ctx context.Context, userID, unmutedBy string, at time.Time) (*store.MuteRecord, error) {
	return m.append(ctx, &store.MuteRecord{
		SessionID: m.sessionID,
		UserID:    userID,
		Action:    store.MuteActionUnmute,
		MutedBy:   unmutedBy,
		MutedAt:   at,
	})
}

func (m *Mutes) append(ctx context.Context, rec *store.MuteRecord) (*store.MuteRecord, error) {
	if err := m.store.AppendMute(ctx, rec); err != nil {
		return nil, fmt.Errorf("moderation: append mute record: %w", err)
	}
	m.latest[rec.UserID] = rec
	return rec, nil
}
