// Package ws is the WebSocket gateway of the live session engine. It upgrades
// authenticated HTTP requests, registers each connection with its session
// hub, and runs one reader and one writer goroutine per connection: the
// reader turns frames into inbound events for the hub, the writer drains the
// hub's outbound buffer and sends heartbeat pings.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/hub"
	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/pipeline"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket gateway.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted client frame
	WriteTimeout   time.Duration // timeout for a single frame write
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades requests on /ws/{session_id} and bridges connections to
// the hub registry.
type Server struct {
	config   ServerConfig
	registry *hub.Registry
	verifier *auth.Verifier
	throttle *ratelimit.Throttle // nil disables address throttling

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a gateway. throttle may be nil.
func NewServer(config ServerConfig, registry *hub.Registry, verifier *auth.Verifier, throttle *ratelimit.Throttle) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		registry: registry,
		verifier: verifier,
		throttle: throttle,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ServeHTTP implements http.Handler. The session id is taken from the
// {session_id} path wildcard, or the session_id query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ok, retry := s.throttle.Check(r, ratelimit.RuleConnect); !ok {
		metrics.ThrottledRequests.WithLabelValues("ws").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(retry)))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.registry.Connections() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	who, err := s.verifier.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !who.Role.CanParticipate() {
		http.Error(w, "role may not join live sessions", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed session=%s: %v", sessionID, err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.WriteTimeout)
	hc := s.registry.NewConn(c.ID, who)
	h, err := s.registry.Join(s.ctx, sessionID, hc)
	if err != nil {
		log.Printf("ws: join failed session=%s user=%s: %v", sessionID, who.UserID, err)
		_ = c.WriteClose()
		c.Close()
		return
	}

	log.Printf("ws: new connection conn=%s session=%s user=%s role=%s", c.ID, sessionID, who.UserID, who.Role)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop(c, hc)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c, h, hc)
	}()
}

// readLoop turns client frames into hub submissions until the connection
// fails, closes, or goes silent past the heartbeat deadline.
func (s *Server) readLoop(c *Connection, h *hub.Hub, hc *hub.Conn) {
	defer func() {
		c.Close()
		if err := h.Unregister(context.Background(), hc); err != nil && !errors.Is(err, hub.ErrHubClosed) {
			log.Printf("ws: unregister conn=%s: %v", c.ID, err)
		}
		log.Printf("ws: connection closed conn=%s session=%s", c.ID, h.SessionID())
	}()

	var ctrl bytes.Buffer
	rd := &wsutil.Reader{
		Source:    c.Conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}
	control := wsutil.ControlHandler{Src: rd, Dst: &ctrl, State: ws.StateServerSide}
	// Control frames may arrive between the fragments of a message.
	rd.OnIntermediate = func(hdr ws.Header, src io.Reader) error {
		inner := wsutil.ControlHandler{Src: src, Dst: &ctrl, State: ws.StateServerSide}
		err := inner.Handle(hdr)
		if flushErr := c.writeBuffered(&ctrl); err == nil {
			err = flushErr
		}
		return err
	}

	for {
		s.extendReadDeadline(c)

		hdr, err := rd.NextFrame()
		if err != nil {
			s.logReadError(c, err)
			return
		}

		if hdr.OpCode.IsControl() {
			err := control.Handle(hdr)
			if flushErr := c.writeBuffered(&ctrl); err == nil {
				err = flushErr
			}
			if err != nil {
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText || hdr.Length > s.config.MaxFrameBytes {
			if err := rd.Discard(); err != nil {
				return
			}
			s.replyError(c, pipeline.ReasonValidation, "unsupported frame")
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxFrameBytes+1))
		if err != nil {
			s.logReadError(c, err)
			return
		}
		if int64(len(data)) > s.config.MaxFrameBytes {
			s.replyError(c, pipeline.ReasonValidation, "frame too large")
			continue
		}
		if len(data) == 0 {
			continue
		}

		ev, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.replyError(c, pipeline.ReasonValidation, "invalid message format")
			continue
		}
		if _, ok := ev.(protocol.Ping); ok {
			s.reply(c, protocol.PongEvent{})
			continue
		}
		if err := h.Submit(s.ctx, hc, ev); err != nil {
			// Hub shut down or server stopping.
			return
		}
	}
}

// writeLoop drains the hub's outbound buffer and pings on every heartbeat
// interval. It exits when the hub closes the buffer or a write fails.
func (s *Server) writeLoop(c *Connection, hc *hub.Conn) {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case frame, ok := <-hc.Outbound():
			if !ok {
				_ = c.WriteClose()
				return
			}
			if err := c.WriteMessage(frame); err != nil {
				log.Printf("ws: write failed conn=%s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			if err := c.WritePing(); err != nil {
				log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
				return
			}
		}
	}
}

func (s *Server) logReadError(c *Connection, err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout() && s.isStale(c, time.Now()):
		log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
			c.ID, time.Since(c.LastSeen()).Round(time.Second))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		var closed wsutil.ClosedError
		if !errors.As(err, &closed) {
			log.Printf("ws: read failed conn=%s: %v", c.ID, err)
		}
	}
}

// reply writes ev straight to the socket, bypassing the hub. It is used for
// answers that concern only this connection and never reach the pipeline.
func (s *Server) reply(c *Connection, ev protocol.Outbound) {
	frame, err := protocol.NewServerMessage(ev)
	if err != nil {
		log.Printf("ws: encode %s: %v", ev.Kind(), err)
		return
	}
	if err := c.WriteMessage(frame); err != nil {
		log.Printf("ws: reply failed conn=%s: %v", c.ID, err)
	}
}

func (s *Server) replyError(c *Connection, reason pipeline.Reason, msg string) {
	s.reply(c, protocol.ErrorEvent{Error: msg, Code: string(reason)})
}

// Shutdown stops admitting inbound events and waits for every connection
// goroutine to exit. Connections end when the registry closes their hubs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}
