// Package typing tracks the ephemeral "is typing" indicator of a session.
//
// A Tracker is owned by the session worker and is not safe for concurrent
// use. The worker calls Expire on a ticker to clear users who started typing
// and went silent.
package typing

import (
	"sort"
	"time"
)

// Config controls throttling and expiry.
type Config struct {
	MinGap  time.Duration // minimum spacing of forwarded start events per user
	Timeout time.Duration // a start with no stop is cleared after this long
}

// DefaultConfig returns a 1s gap and a 5s timeout.
func DefaultConfig() Config {
	return Config{
		MinGap:  time.Second,
		Timeout: 5 * time.Second,
	}
}

type state struct {
	lastStart time.Time
	deadline  time.Time
}

// Tracker holds the typing users of one session.
type Tracker struct {
	cfg    Config
	typing map[string]*state
}

// New creates an empty Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, typing: make(map[string]*state)}
}

// Start records a start event. It reports whether the event should be
// broadcast; events closer than MinGap to the last forwarded one are
// swallowed but still push the expiry back.
func (t *Tracker) Start(userID string, now time.Time) bool {
	st, ok := t.typing[userID]
	if !ok {
		t.typing[userID] = &state{lastStart: now, deadline: now.Add(t.cfg.Timeout)}
		return true
	}
	st.deadline = now.Add(t.cfg.Timeout)
	if now.Sub(st.lastStart) < t.cfg.MinGap {
		return false
	}
	st.lastStart = now
	return true
}

// Stop clears userID. It reports whether the user was typing, in which case
// a stop event should be broadcast.
func (t *Tracker) Stop(userID string) bool {
	if _, ok := t.typing[userID]; !ok {
		return false
	}
	delete(t.typing, userID)
	return true
}

// Expire clears and returns the users whose timeout elapsed at now, sorted.
func (t *Tracker) Expire(now time.Time) []string {
	var expired []string
	for userID, st := range t.typing {
		if !now.Before(st.deadline) {
			expired = append(expired, userID)
			delete(t.typing, userID)
		}
	}
	sort.Strings(expired)
	return expired
}

// IsTyping reports whether userID is currently shown as typing.
func (t *Tracker) IsTyping(userID string) bool {
	_, ok := t.typing[userID]
	return ok
}

// Len returns the number of typing users.
func (t *Tracker) Len() int {
	return len(t.typing)
}
