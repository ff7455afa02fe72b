// Package handraise implements the request-to-speak queue of a session.
package handraise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/livesession/internal/store"
)

// Queue is the hand-raise queue of one session. Ordering and the one active
// raise per user rule are enforced by the store; the queue adds the no-op
// semantics of repeated raises and lowers.
type Queue struct {
	store     store.Store
	sessionID string
	newID     func() string
}

// NewQueue creates the queue for one session. newID supplies record ids.
func NewQueue(st store.Store, sessionID string, newID func() string) *Queue {
	return &Queue{store: st, sessionID: sessionID, newID: newID}
}

// Raise puts userID in the queue. If the user already has an active raise
// that record is returned with created=false.
func (q *Queue) Raise(ctx context.Context, userID string, at time.Time) (*store.HandRaise, bool, error) {
	hr, created, err := q.store.RaiseHand(ctx, &store.HandRaise{
		ID:        q.newID(),
		SessionID: q.sessionID,
		UserID:    userID,
		IsActive:  true,
		RaisedAt:  at,
	})
	if err != nil {
		return nil, false, fmt.Errorf("handraise: raise: %w", err)
	}
	return hr, created, nil
}

// Lower removes userID from the queue. acknowledgedBy is empty when users
// lower their own hand. changed is false if no raise was active.
func (q *Queue) Lower(ctx context.Context, userID, acknowledgedBy string, at time.Time) (*store.HandRaise, bool, error) {
	hr, err := q.store.LowerHand(ctx, q.sessionID, userID, acknowledgedBy, at)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("handraise: lower: %w", err)
	}
	return hr, true, nil
}

// Active returns the active raises, oldest first.
func (q *Queue) Active(ctx context.Context) ([]store.HandRaise, error) {
	hands, err := q.store.ActiveHands(ctx, q.sessionID)
	if err != nil {
		return nil, fmt.Errorf("handraise: list active: %w", err)
	}
	return hands, nil
}

// Position returns the 1-based place of userID in the queue, or 0.
func (q *Queue) Position(ctx context.Context, userID string) (int, error) {
	hands, err := q.Active(ctx)
	if err != nil {
		return 0, err
	}
	for i, h := range hands {
		if h.UserID == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}
