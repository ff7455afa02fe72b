// Package hub owns the live connections of each session. Every session gets
// one Hub whose single worker goroutine drains an inbound queue through the
// session's message pipeline and fans the resulting events out to the
// session's connections. Hubs are created on demand by a Registry and reaped
// after they have been idle for a grace period.
package hub

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/moderation"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/store"
)

var (
	// ErrHubClosed is returned when work is submitted to a hub that has been
	// reaped or shut down. Registry callers retry on a fresh hub.
	ErrHubClosed = errors.New("hub: closed")

	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("hub: registry closed")
)

// Publisher receives every event broadcast to a whole session, after local
// delivery. frame is the encoded event.
type Publisher interface {
	Publish(sessionID string, ev protocol.Outbound, frame []byte)
}

// Config holds the tunables shared by all hubs of a registry.
type Config struct {
	QueueSize      int           // inbound jobs buffered per session
	OutboundBuffer int           // frames buffered per connection before dropping
	Grace          time.Duration // idle time before an empty hub is reaped
	Tick           time.Duration // typing expiry and reap check interval
	OpTimeout      time.Duration // bound on store I/O for one admitted job
	Pipeline       pipeline.Config
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		OutboundBuffer: 256,
		Grace:          2 * time.Minute,
		Tick:           500 * time.Millisecond,
		OpTimeout:      5 * time.Second,
		Pipeline:       pipeline.DefaultConfig(),
	}
}

// Hub is the in-memory owner of one session's live connections.
type Hub struct {
	sessionID string
	cfg       Config
	pipe      *pipeline.Pipeline
	pub       Publisher
	reg       *Registry

	// mu guards closed against enqueues racing a reap or shutdown.
	mu     sync.RWMutex
	closed bool
	jobs   chan func()
	stop   chan struct{}
	exited chan struct{}

	// Worker-owned state.
	conns     map[string]*Conn
	users     map[string]*presence
	idleSince time.Time
}

func newHub(sessionID string, cfg Config, st store.Store, filter *moderation.Filter, pub Publisher, reg *Registry) *Hub {
	h := &Hub{
		sessionID: sessionID,
		cfg:       cfg,
		pub:       pub,
		reg:       reg,
		jobs:      make(chan func(), cfg.QueueSize),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
		conns:     make(map[string]*Conn),
		users:     make(map[string]*presence),
		idleSince: time.Now(),
	}
	h.pipe = pipeline.New(sessionID, cfg.Pipeline, st, filter, sink{h})
	go h.run()
	return h
}

// SessionID returns the session served by the hub.
func (h *Hub) SessionID() string { return h.sessionID }

// Register adds c to the session. The connection privately receives a
// session_joined snapshot; other participants see user_joined when this is
// the user's first connection.
func (h *Hub) Register(ctx context.Context, c *Conn) error {
	return h.enqueue(ctx, func() { h.register(c) })
}

// Unregister removes c and closes its outbound channel. user_left is
// broadcast when the user has no connection left.
func (h *Hub) Unregister(ctx context.Context, c *Conn) error {
	return h.enqueue(ctx, func() { h.unregister(c) })
}

// Submit queues an inbound event from c. Rejections come back to c as a
// private error event.
func (h *Hub) Submit(ctx context.Context, c *Conn, ev protocol.Inbound) error {
	return h.enqueue(ctx, func() { h.handle(c, ev) })
}

// Do runs fn on the session worker and waits for its result. Once admitted,
// fn runs to completion even if ctx is cancelled while waiting.
func (h *Hub) Do(ctx context.Context, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	result := make(chan error, 1)
	job := func() {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.OpTimeout)
		defer cancel()
		result <- fn(opCtx, h.pipe)
	}
	if err := h.enqueue(ctx, job); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Participants returns the users with a live connection, in join order.
func (h *Hub) Participants(ctx context.Context) ([]protocol.ParticipantInfo, error) {
	result := make(chan []protocol.ParticipantInfo, 1)
	if err := h.enqueue(ctx, func() { result <- h.participants() }); err != nil {
		return nil, err
	}
	select {
	case list := <-result:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker after it has run every admitted job, and closes
// all remaining connections. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	already := h.closed
	h.closed = true
	h.mu.Unlock()
	if !already {
		close(h.stop)
	}
	<-h.exited
}

func (h *Hub) enqueue(ctx context.Context, job func()) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	select {
	case h.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// run is the session worker. It is the only goroutine that touches the
// pipeline and the connection maps.
func (h *Hub) run() {
	defer close(h.exited)

	ticker := time.NewTicker(h.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case job := <-h.jobs:
			job()
		case now := <-ticker.C:
			h.pipe.ExpireTyping()
			if len(h.conns) == 0 && now.Sub(h.idleSince) >= h.cfg.Grace && h.tryReap() {
				log.Printf("hub: reaped idle session=%s", h.sessionID)
				h.finish()
				return
			}
		case <-h.stop:
			h.finish()
			return
		}
	}
}

// tryReap marks the hub closed unless a job is queued or an enqueue is in
// flight.
func (h *Hub) tryReap() bool {
	if !h.mu.TryLock() {
		return false
	}
	defer h.mu.Unlock()
	if len(h.jobs) > 0 {
		return false
	}
	h.closed = true
	return true
}

// finish drains admitted jobs, then releases every connection.
func (h *Hub) finish() {
	for drained := false; !drained; {
		select {
		case job := <-h.jobs:
			job()
		default:
			drained = true
		}
	}
	for id, c := range h.conns {
		delete(h.conns, id)
		close(c.out)
		metrics.ConnectionsTotal.Dec()
		if h.reg != nil {
			h.reg.conns.Add(-1)
		}
	}
	h.users = make(map[string]*presence)
	if h.reg != nil {
		h.reg.remove(h)
	}
}

func (h *Hub) register(c *Conn) {
	if _, ok := h.conns[c.ID]; ok {
		return
	}
	h.conns[c.ID] = c
	metrics.ConnectionsTotal.Inc()
	if h.reg != nil {
		h.reg.conns.Add(1)
	}

	userID := c.Identity.UserID
	p, known := h.users[userID]
	if !known {
		p = &presence{identity: c.Identity, joinedAt: c.CreatedAt, conns: make(map[string]*Conn)}
		h.users[userID] = p
	}
	p.conns[c.ID] = c

	h.push(c, h.snapshot(c))

	if !known {
		h.broadcast(protocol.UserJoinedEvent{
			UserID:      userID,
			DisplayName: c.Identity.DisplayName,
			Role:        string(c.Identity.Role),
		}, func(other *Conn) bool { return other.ID != c.ID })
	}

	log.Printf("hub: register session=%s user=%s conn=%s (conns=%d)", h.sessionID, userID, c.ID, len(h.conns))
}

func (h *Hub) unregister(c *Conn) {
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)
	close(c.out)
	metrics.ConnectionsTotal.Dec()
	if h.reg != nil {
		h.reg.conns.Add(-1)
	}
	if c.dropped > 0 {
		log.Printf("hub: conn=%s session=%s dropped %d frames", c.ID, h.sessionID, c.dropped)
	}

	userID := c.Identity.UserID
	if p, ok := h.users[userID]; ok {
		delete(p.conns, c.ID)
		if len(p.conns) == 0 {
			delete(h.users, userID)
			h.pipe.Forget(userID)
			h.broadcast(protocol.UserLeftEvent{
				UserID:      userID,
				DisplayName: p.identity.DisplayName,
			}, nil)
		}
	}
	if len(h.conns) == 0 {
		h.idleSince = time.Now()
	}

	log.Printf("hub: unregister session=%s user=%s conn=%s (conns=%d)", h.sessionID, userID, c.ID, len(h.conns))
}

func (h *Hub) handle(c *Conn, ev protocol.Inbound) {
	if _, ok := ev.(protocol.Ping); ok {
		if h.conns[c.ID] == c {
			h.push(c, protocol.PongEvent{})
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	err := h.pipe.Handle(ctx, c.Identity, ev)
	metrics.EventLatency.WithLabelValues(ev.Kind()).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.EventsTotal.WithLabelValues(ev.Kind(), "accepted").Inc()
		return
	}
	rej := pipeline.AsRejection(err)
	metrics.EventsTotal.WithLabelValues(ev.Kind(), string(rej.Reason)).Inc()
	if rej.Reason == pipeline.ReasonPersistence {
		log.Printf("hub: %s failed session=%s user=%s: %v", ev.Kind(), h.sessionID, c.Identity.UserID, err)
	}
	// The connection may have closed while the event was queued.
	if h.conns[c.ID] == c {
		h.push(c, rej.Event())
	}
}

func (h *Hub) snapshot(c *Conn) protocol.SessionJoinedEvent {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()

	ev := protocol.SessionJoinedEvent{
		ConnectionID: c.ID,
		SessionID:    h.sessionID,
		Participants: h.participants(),
		ActiveHands:  []protocol.HandRaisedEvent{},
	}
	hands, err := h.pipe.ActiveHands(ctx)
	if err != nil {
		log.Printf("hub: load hands session=%s: %v", h.sessionID, err)
		return ev
	}
	for _, hr := range hands {
		var name string
		if p, ok := h.users[hr.UserID]; ok {
			name = p.identity.DisplayName
		}
		ev.ActiveHands = append(ev.ActiveHands, protocol.HandRaisedEvent{
			ID:          hr.ID,
			UserID:      hr.UserID,
			DisplayName: name,
			RaisedAt:    hr.RaisedAt,
		})
	}
	return ev
}

func (h *Hub) participants() []protocol.ParticipantInfo {
	list := make([]*presence, 0, len(h.users))
	for _, p := range h.users {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].joinedAt.Equal(list[j].joinedAt) {
			return list[i].identity.UserID < list[j].identity.UserID
		}
		return list[i].joinedAt.Before(list[j].joinedAt)
	})

	out := make([]protocol.ParticipantInfo, 0, len(list))
	for _, p := range list {
		out = append(out, protocol.ParticipantInfo{
			UserID:      p.identity.UserID,
			DisplayName: p.identity.DisplayName,
			Role:        string(p.identity.Role),
		})
	}
	return out
}

// broadcast encodes ev once and queues it on every connection accepted by
// include (nil: all), then hands it to the publisher.
func (h *Hub) broadcast(ev protocol.Outbound, include func(*Conn) bool) {
	frame, err := protocol.NewServerMessage(ev)
	if err != nil {
		log.Printf("hub: encode %s session=%s: %v", ev.Kind(), h.sessionID, err)
		return
	}
	for _, c := range h.conns {
		if include == nil || include(c) {
			h.pushFrame(c, frame)
		}
	}
	if h.pub != nil {
		h.pub.Publish(h.sessionID, ev, frame)
	}
}

func (h *Hub) push(c *Conn, ev protocol.Outbound) {
	frame, err := protocol.NewServerMessage(ev)
	if err != nil {
		log.Printf("hub: encode %s session=%s: %v", ev.Kind(), h.sessionID, err)
		return
	}
	h.pushFrame(c, frame)
}

// pushFrame never blocks the worker: a full buffer drops the frame.
func (h *Hub) pushFrame(c *Conn, frame []byte) {
	select {
	case c.out <- frame:
	default:
		if c.dropped == 0 {
			log.Printf("hub: outbound buffer full conn=%s session=%s, dropping", c.ID, h.sessionID)
		}
		c.dropped++
		metrics.DroppedFrames.Inc()
	}
}

// sink adapts the hub to pipeline.Deliverer. It is only used from the
// worker goroutine.
type sink struct{ h *Hub }

func (s sink) Broadcast(ev protocol.Outbound, exceptUserID string) {
	if exceptUserID == "" {
		s.h.broadcast(ev, nil)
		return
	}
	s.h.broadcast(ev, func(c *Conn) bool { return c.Identity.UserID != exceptUserID })
}

func (s sink) Send(userID string, ev protocol.Outbound) {
	p, ok := s.h.users[userID]
	if !ok {
		return
	}
	frame, err := protocol.NewServerMessage(ev)
	if err != nil {
		log.Printf("hub: encode %s session=%s: %v", ev.Kind(), s.h.sessionID, err)
		return
	}
	for _, c := range p.conns {
		s.h.pushFrame(c, frame)
	}
}

func (s sink) Present(userID string) bool {
	_, ok := s.h.users[userID]
	return ok
}
