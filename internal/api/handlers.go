package api

import (
	"context"
	"net/http"
	"time"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/store"
)

// historyResponse is one page of GET .../chat.
type historyResponse struct {
	Messages []store.Message `json:"messages"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// handRaiseResponse reports a raise or lower.
type handRaiseResponse struct {
	Hand    *store.HandRaise `json:"hand,omitempty"`
	Changed bool             `json:"changed"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	var body protocol.ChatMessage
	if rej := decode(w, r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}

	var msg *store.Message
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		var err error
		msg, err = p.SendMessage(ctx, who, body)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipeline.MessageEvent(msg))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	limit, rej := intParam(r, "limit")
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	offset, rej := intParam(r, "offset")
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	includeDeleted, rej := boolParam(r, "include_deleted")
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	opts := pipeline.HistoryOptions{Limit: limit, Offset: offset, IncludeDeleted: includeDeleted}
	msgs, err := pipeline.History(r.Context(), s.store, r.PathValue("session_id"), who, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	effective := limit
	if effective <= 0 {
		effective = pipeline.DefaultHistoryLimit
	}
	if effective > pipeline.MaxHistoryLimit {
		effective = pipeline.MaxHistoryLimit
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs, Limit: effective, Offset: offset})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	messageID := r.PathValue("message_id")
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		return p.DeleteMessage(ctx, who, protocol.DeleteMessage{MessageID: messageID})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageDeletedEvent{MessageID: messageID, DeletedBy: who.UserID})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	var body protocol.MuteUser
	if rej := decode(w, r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}

	var rec *store.MuteRecord
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		var err error
		rec, err = p.MuteUser(ctx, who, body)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipeline.MutedEvent(rec))
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	userID := r.PathValue("user_id")
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		_, err := p.UnmuteUser(ctx, who, protocol.UnmuteUser{UserID: userID})
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.UserUnmutedEvent{UserID: userID, UnmutedBy: who.UserID})
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	var body protocol.AddReaction
	if rej := decode(w, r, &body); rej != nil {
		writeRejection(w, rej)
		return
	}

	var ev *protocol.ReactionAddedEvent
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		var err error
		ev, err = p.React(ctx, who, body)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRaiseHand(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	var (
		hand    *store.HandRaise
		created bool
	)
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		var err error
		hand, created, err = p.RaiseHand(ctx, who)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, handRaiseResponse{Hand: hand, Changed: created})
}

// handleLowerHand lowers the caller's hand, or with ?user_id= lets an
// instructor acknowledge someone else's.
func (s *Server) handleLowerHand(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	target := r.URL.Query().Get("user_id")

	var (
		hand    *store.HandRaise
		changed bool
	)
	err := s.registry.Do(r.Context(), r.PathValue("session_id"), func(ctx context.Context, p *pipeline.Pipeline) error {
		var err error
		hand, changed, err = p.LowerHand(ctx, who, protocol.LowerHand{UserID: target})
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, handRaiseResponse{Hand: hand, Changed: changed})
}

func (s *Server) handleActiveHands(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	hands, err := pipeline.HandQueue(r.Context(), s.store, r.PathValue("session_id"), who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Hands []store.HandRaise `json:"hands"`
	}{hands})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	list, err := s.registry.Participants(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Participants []protocol.ParticipantInfo `json:"participants"`
	}{list})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	format, ok := ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeRejection(w, &pipeline.Rejection{Reason: pipeline.ReasonValidation, Message: "format must be json, csv or txt"})
		return
	}
	includePrivate, rej := boolParam(r, "include_private")
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	includeDeleted, rej := boolParam(r, "include_deleted")
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	sessionID := r.PathValue("session_id")
	msgs, err := pipeline.Transcript(r.Context(), s.store, sessionID, who, pipeline.ExportOptions{
		IncludePrivate: includePrivate,
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+ExportFilename(sessionID, format)+`"`)
	w.WriteHeader(http.StatusOK)
	start := time.Now()
	if err := WriteTranscript(w, format, msgs, includeDeleted); err != nil {
		// Headers are gone; the client sees a truncated file.
		writeFailed(r, err)
		return
	}
	logExport(sessionID, who.UserID, format, len(msgs), time.Since(start))
}
