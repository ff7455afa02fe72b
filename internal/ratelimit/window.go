package ratelimit

import (
	"time"
)

// Chat-level limits, enforced per (session, user) inside the session worker.
var (
	// RuleMessage allows 5 chat messages per rolling 10 seconds.
	RuleMessage = Rule{Key: "msg", Limit: 5, Window: 10 * time.Second}

	// RuleReaction allows 10 reactions per rolling 60 seconds.
	RuleReaction = Rule{Key: "reaction", Limit: 10, Window: time.Minute}
)

// Window is an in-memory sliding window limiter. Each key owns a deque of
// event timestamps bounded by the rule limit; entries older than the window
// are pruned on every check. A Window is not safe for concurrent use; it is
// owned by a single session worker.
type Window struct {
	rule   Rule
	events map[string][]time.Time
}

// NewWindow creates a sliding window for the given rule.
func NewWindow(rule Rule) *Window {
	return &Window{
		rule:   rule,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key at now if it fits in the window. When the
// limit is reached it returns false together with the time remaining until
// the oldest counted event leaves the window.
func (w *Window) Allow(key string, now time.Time) (bool, time.Duration) {
	kept := w.prune(key, now)

	if len(kept) >= w.rule.Limit {
		retry := kept[0].Add(w.rule.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}

	w.events[key] = append(kept, now)
	return true, 0
}

// Count returns how many events for key are currently inside the window.
func (w *Window) Count(key string, now time.Time) int {
	return len(w.prune(key, now))
}

// Forget drops all state for key.
func (w *Window) Forget(key string) {
	delete(w.events, key)
}

// Len returns the number of keys currently tracked.
func (w *Window) Len() int {
	return len(w.events)
}

func (w *Window) prune(key string, now time.Time) []time.Time {
	events := w.events[key]
	cutoff := now.Add(-w.rule.Window)

	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	kept := events[i:]
	if len(kept) == 0 {
		delete(w.events, key)
		return nil
	}
	w.events[key] = kept
	return kept
}

// RetryAfterSeconds rounds a cooldown up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
