// Package api is the REST façade of the live session engine. It exposes the
// pipeline operations to clients without an open WebSocket. Every write runs
// on the session's hub worker, so it produces the same broadcast a live
// event would.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/hub"
	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/ratelimit"
	"github.com/whisper/livesession/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Server serves the REST routes.
type Server struct {
	registry  *hub.Registry
	store     store.Store
	verifier  *auth.Verifier
	throttle  *ratelimit.Throttle // nil disables address throttling
	startedAt time.Time
}

// NewServer creates the façade. throttle may be nil.
func NewServer(registry *hub.Registry, st store.Store, verifier *auth.Verifier, throttle *ratelimit.Throttle) *Server {
	return &Server{
		registry:  registry,
		store:     st,
		verifier:  verifier,
		throttle:  throttle,
		startedAt: time.Now(),
	}
}

// Register mounts the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	const base = "/api/v1/sessions/{session_id}"

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST "+base+"/chat", s.guard(s.handleSend))
	mux.Handle("GET "+base+"/chat", s.guard(s.handleHistory))
	mux.Handle("DELETE "+base+"/chat/{message_id}", s.guard(s.handleDelete))
	mux.Handle("POST "+base+"/chat/mute", s.guard(s.handleMute))
	mux.Handle("DELETE "+base+"/chat/mute/{user_id}", s.guard(s.handleUnmute))
	mux.Handle("POST "+base+"/chat/reaction", s.guard(s.handleReact))
	mux.Handle("POST "+base+"/chat/raise-hand", s.guard(s.handleRaiseHand))
	mux.Handle("DELETE "+base+"/chat/raise-hand", s.guard(s.handleLowerHand))
	mux.Handle("GET "+base+"/chat/raise-hand", s.guard(s.handleActiveHands))
	mux.Handle("GET "+base+"/chat/export", s.guard(s.handleExport))
	mux.Handle("GET "+base+"/participants", s.guard(s.handleParticipants))
}

// Handler returns a mux with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// authedHandler is a route that runs for an authenticated participant.
type authedHandler func(w http.ResponseWriter, r *http.Request, who auth.Identity)

// guard applies the address throttle and authentication.
func (s *Server) guard(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retry := s.throttle.Check(r, ratelimit.RuleHTTP); !ok {
			metrics.ThrottledRequests.WithLabelValues("http").Inc()
			writeRejection(w, &pipeline.Rejection{
				Reason:     pipeline.ReasonRateLimited,
				Message:    "too many requests",
				RetryAfter: retry,
			})
			return
		}

		who, err := s.verifier.Authenticate(r)
		if err != nil {
			writeRejection(w, &pipeline.Rejection{Reason: pipeline.ReasonUnauthorized, Message: "valid bearer token required"})
			return
		}
		if !who.Role.CanParticipate() {
			writeRejection(w, &pipeline.Rejection{Reason: pipeline.ReasonForbidden, Message: "your role cannot take part in this chat"})
			return
		}
		next(w, r, who)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Hubs        int    `json:"hubs"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Connections(),
		Hubs:        s.registry.Len(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeRejection(w http.ResponseWriter, rej *pipeline.Rejection) {
	body := errorBody{Error: rej.Message, Code: string(rej.Reason)}
	if rej.Reason == pipeline.ReasonRateLimited {
		body.RetryAfter = ratelimit.RetryAfterSeconds(rej.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, rej.HTTPStatus(), body)
}

// writeError maps any error from the pipeline or the hub to a response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, hub.ErrRegistryClosed) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server is shutting down", Code: "unavailable"})
		return
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// Client went away; nobody reads the response.
		return
	}
	rej := pipeline.AsRejection(err)
	if rej.Reason == pipeline.ReasonPersistence && rej.Err != nil {
		log.Printf("api: %s %s: %v", r.Method, r.URL.Path, rej.Err)
	}
	writeRejection(w, rej)
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) *pipeline.Rejection {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &pipeline.Rejection{Reason: pipeline.ReasonValidation, Message: "invalid JSON body"}
	}
	return nil
}

// boolParam parses an optional boolean query parameter.
func boolParam(r *http.Request, name string) (bool, *pipeline.Rejection) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &pipeline.Rejection{Reason: pipeline.ReasonValidation, Message: name + " must be a boolean"}
	}
	return v, nil
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string) (int, *pipeline.Rejection) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &pipeline.Rejection{Reason: pipeline.ReasonValidation, Message: name + " must be an integer"}
	}
	return v, nil
}
