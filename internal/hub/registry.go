package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/moderation"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/store"
)

// Registry maps session ids to their hubs. A hub is created on first use and
// removes itself once reaped; the next use recreates it with fresh derived
// state.
type Registry struct {
	cfg    Config
	store  store.Store
	filter *moderation.Filter
	pub    Publisher

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool

	conns atomic.Int64
}

// NewRegistry creates an empty registry. pub may be nil.
func NewRegistry(cfg Config, st store.Store, filter *moderation.Filter, pub Publisher) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  st,
		filter: filter,
		pub:    pub,
		hubs:   make(map[string]*Hub),
	}
}

// Config returns the settings hubs are created with.
func (r *Registry) Config() Config { return r.cfg }

// Hub returns the live hub of sessionID, creating it if needed.
func (r *Registry) Hub(sessionID string) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if h, ok := r.hubs[sessionID]; ok && !h.isClosed() {
		return h, nil
	}
	h := newHub(sessionID, r.cfg, r.store, r.filter, r.pub, r)
	if _, replaced := r.hubs[sessionID]; !replaced {
		metrics.ActiveHubs.Inc()
	}
	r.hubs[sessionID] = h
	log.Printf("hub: created session=%s (hubs=%d)", sessionID, len(r.hubs))
	return h, nil
}

// Lookup returns the hub of sessionID without creating one.
func (r *Registry) Lookup(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	if !ok || h.isClosed() {
		return nil, false
	}
	return h, true
}

// NewConn creates a connection using the registry's outbound buffer size.
func (r *Registry) NewConn(id string, who auth.Identity) *Conn {
	return NewConn(id, who, r.cfg.OutboundBuffer)
}

// Join registers c with the hub of sessionID and returns that hub.
func (r *Registry) Join(ctx context.Context, sessionID string, c *Conn) (*Hub, error) {
	var joined *Hub
	err := r.with(sessionID, func(h *Hub) error {
		joined = h
		return h.Register(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// Do runs fn on the worker of sessionID, creating the hub if needed.
func (r *Registry) Do(ctx context.Context, sessionID string, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	return r.with(sessionID, func(h *Hub) error {
		return h.Do(ctx, fn)
	})
}

// Participants lists the live participants of sessionID. A session without
// a hub has none, and none is created.
func (r *Registry) Participants(ctx context.Context, sessionID string) ([]protocol.ParticipantInfo, error) {
	h, ok := r.Lookup(sessionID)
	if !ok {
		return []protocol.ParticipantInfo{}, nil
	}
	list, err := h.Participants(ctx)
	if errors.Is(err, ErrHubClosed) {
		return []protocol.ParticipantInfo{}, nil
	}
	return list, err
}

// with calls fn with the current hub of sessionID, retrying on a fresh hub
// when the one found was reaped in between.
func (r *Registry) with(sessionID string, fn func(h *Hub) error) error {
	for {
		h, err := r.Hub(sessionID)
		if err != nil {
			return err
		}
		err = fn(h)
		if errors.Is(err, ErrHubClosed) {
			continue
		}
		return err
	}
}

// remove drops h from the map if it is still the current hub of its session.
func (r *Registry) remove(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.hubs[h.sessionID]; ok && cur == h {
		delete(r.hubs, h.sessionID)
		metrics.ActiveHubs.Dec()
	}
}

// Len returns the number of hubs held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Connections returns the number of live connections across all hubs.
func (r *Registry) Connections() int {
	return int(r.conns.Load())
}

// Close shuts down every hub. Admitted jobs still run.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.Close()
	}
	log.Printf("hub: registry closed (%d hubs)", len(hubs))
}
