package pipeline

import (
	"context"
	"log"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/handraise"
	"github.com/whisper/livesession/internal/store"
)

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryOptions selects a page of chat history.
type HistoryOptions struct {
	Limit          int // <= 0: DefaultHistoryLimit; capped at MaxHistoryLimit
	Offset         int
	IncludeDeleted bool // privileged only
}

// ExportOptions selects what a transcript contains.
type ExportOptions struct {
	IncludePrivate bool // every private message, not only the viewer's own
	IncludeDeleted bool
}

// History returns a page of the session's chat as viewer may see it: public
// messages and private messages viewer sent or received, oldest first.
// Reads go straight to the store and never occupy the session worker.
func History(ctx context.Context, st store.Store, sessionID string, viewer auth.Identity, opts HistoryOptions) ([]store.Message, error) {
	if rej := permitted(viewer); rej != nil {
		return nil, rej
	}
	if opts.IncludeDeleted && !viewer.Role.Privileged() {
		return nil, forbidden("only instructors may list deleted messages")
	}
	if opts.Offset < 0 {
		return nil, invalid("offset must not be negative")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := st.ListMessages(ctx, store.MessageQuery{
		SessionID:      sessionID,
		ViewerID:       viewer.UserID,
		IncludeDeleted: opts.IncludeDeleted,
		Limit:          limit,
		Offset:         opts.Offset,
	})
	if err != nil {
		log.Printf("pipeline: list messages session=%s: %v", sessionID, err)
		return nil, persistence(err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// Transcript returns the whole chat of a session for export. Only
// privileged roles may export.
func Transcript(ctx context.Context, st store.Store, sessionID string, viewer auth.Identity, opts ExportOptions) ([]store.Message, error) {
	if rej := requirePrivileged(viewer); rej != nil {
		return nil, rej
	}
	msgs, err := st.ListMessages(ctx, store.MessageQuery{
		SessionID:      sessionID,
		ViewerID:       viewer.UserID,
		IncludePrivate: opts.IncludePrivate,
		IncludeDeleted: opts.IncludeDeleted,
	})
	if err != nil {
		log.Printf("pipeline: export session=%s: %v", sessionID, err)
		return nil, persistence(err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// HandQueue returns the active hand raises of a session, oldest first. Like
// History it reads the store directly, so polling an idle session never
// starts a hub.
func HandQueue(ctx context.Context, st store.Store, sessionID string, viewer auth.Identity) ([]store.HandRaise, error) {
	if rej := permitted(viewer); rej != nil {
		return nil, rej
	}
	hands, err := handraise.NewQueue(st, sessionID, nil).Active(ctx)
	if err != nil {
		log.Printf("pipeline: hand queue session=%s: %v", sessionID, err)
		return nil, persistence(err)
	}
	if hands == nil {
		hands = []store.HandRaise{}
	}
	return hands, nil
}
