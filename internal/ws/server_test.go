package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/hub"
	"github.com/whisper/livesession/internal/moderation"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/store"
)

const testSecret = "gateway-test-secret"

type gateway struct {
	server   *httptest.Server
	verifier *auth.Verifier
	registry *hub.Registry
}

func newGateway(t *testing.T) *gateway {
	return newGatewayWith(t, DefaultServerConfig())
}

func newGatewayWith(t *testing.T, cfg ServerConfig) *gateway {
	t.Helper()
	reg := hub.NewRegistry(hub.DefaultConfig(), store.NewMemory(), moderation.NewFilter(), nil)
	v := auth.NewVerifier(testSecret, "")
	srv := NewServer(cfg, reg, v, nil)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{session_id}", srv)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		reg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &gateway{server: ts, verifier: v, registry: reg}
}

func (g *gateway) token(t *testing.T, who auth.Identity) string {
	t.Helper()
	tok, err := g.verifier.Issue(who, time.Hour)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	return tok
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (g *gateway) dial(t *testing.T, sessionID string, who auth.Identity) *client {
	t.Helper()
	url := "ws://" + strings.TrimPrefix(g.server.URL, "http://") + "/ws/" + sessionID + "?token=" + g.token(t, who)
	conn, br, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(t *testing.T, ev protocol.Inbound) {
	t.Helper()
	data, err := protocol.NewClientMessage(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) next(t *testing.T) protocol.Outbound {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if op != ws.OpText {
			continue
		}
		ev, err := protocol.ParseServerMessage(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		return ev
	}
}

func (c *client) nextOf(t *testing.T, kind string) protocol.Outbound {
	t.Helper()
	for i := 0; i < 20; i++ {
		if ev := c.next(t); ev.Kind() == kind {
			return ev
		}
	}
	t.Fatalf("no %s event", kind)
	return nil
}

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice", Role: auth.RoleMember}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob", Role: auth.RoleMember}
)

func TestUpgradeRejections(t *testing.T) {
	g := newGateway(t)

	publicToken := g.token(t, auth.Identity{UserID: "pat", DisplayName: "Pat", Role: auth.RolePublic})
	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing token", "/ws/s1", http.StatusUnauthorized},
		{"bad token", "/ws/s1?token=nope", http.StatusUnauthorized},
		{"public role", "/ws/s1?token=" + publicToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(g.server.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestJoinChatAndLeave(t *testing.T) {
	g := newGateway(t)

	a := g.dial(t, "s1", alice)
	snap, ok := a.next(t).(protocol.SessionJoinedEvent)
	if !ok || snap.SessionID != "s1" || snap.ConnectionID == "" {
		t.Fatalf("first event = %+v, want session_joined", snap)
	}

	b := g.dial(t, "s1", bob)
	b.nextOf(t, protocol.TypeSessionJoined)
	if ev := a.nextOf(t, protocol.TypeUserJoined).(protocol.UserJoinedEvent); ev.UserID != "bob" {
		t.Errorf("user_joined = %+v", ev)
	}

	a.send(t, protocol.ChatMessage{Message: "hello"})
	for _, c := range []*client{a, b} {
		msg := c.nextOf(t, protocol.TypeChatMessage).(protocol.ChatMessageEvent)
		if msg.Message != "hello" || msg.UserID != "alice" || msg.DisplayName != "Alice" {
			t.Errorf("chat_message = %+v", msg)
		}
	}

	b.conn.Close()
	if ev := a.nextOf(t, protocol.TypeUserLeft).(protocol.UserLeftEvent); ev.UserID != "bob" {
		t.Errorf("user_left = %+v", ev)
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 150 * time.Millisecond, Timeout: 150 * time.Millisecond}
	g := newGatewayWith(t, cfg)

	a := g.dial(t, "s1", alice)
	a.nextOf(t, protocol.TypeSessionJoined)

	// bob never reads or writes, so pings go unanswered.
	g.dial(t, "s1", bob)
	if ev := a.nextOf(t, protocol.TypeUserJoined).(protocol.UserJoinedEvent); ev.UserID != "bob" {
		t.Fatalf("user_joined = %+v", ev)
	}

	start := time.Now()
	if ev := a.nextOf(t, protocol.TypeUserLeft).(protocol.UserLeftEvent); ev.UserID != "bob" {
		t.Errorf("user_left = %+v", ev)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Errorf("user_left after %s, want heartbeat deadline to elapse first", waited)
	}

	list, err := g.registry.Participants(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Participants error: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "alice" {
		t.Errorf("participants = %+v, want only alice", list)
	}
}

func TestPingAndMalformedFrames(t *testing.T) {
	g := newGateway(t)
	a := g.dial(t, "s1", alice)
	a.nextOf(t, protocol.TypeSessionJoined)

	a.send(t, protocol.Ping{})
	if _, ok := a.next(t).(protocol.PongEvent); !ok {
		t.Error("expected pong")
	}

	if err := wsutil.WriteClientText(a.conn, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev, ok := a.next(t).(protocol.ErrorEvent)
	if !ok || ev.Code != "validation" {
		t.Errorf("got %+v, want validation error", ev)
	}

	// The connection stays usable.
	a.send(t, protocol.ChatMessage{Message: "still here"})
	a.nextOf(t, protocol.TypeChatMessage)
}

func TestRejectionOnlyReachesSender(t *testing.T) {
	g := newGateway(t)
	a := g.dial(t, "s1", alice)
	a.nextOf(t, protocol.TypeSessionJoined)
	b := g.dial(t, "s1", bob)
	b.nextOf(t, protocol.TypeSessionJoined)
	a.nextOf(t, protocol.TypeUserJoined)

	a.send(t, protocol.DeleteMessage{MessageID: "whatever"})
	if ev, ok := a.next(t).(protocol.ErrorEvent); !ok || ev.Code != "forbidden" {
		t.Errorf("got %+v, want forbidden error", ev)
	}

	// bob's next event is the follow-up chat, not the error.
	a.send(t, protocol.ChatMessage{Message: "after"})
	if ev := b.next(t); ev.Kind() != protocol.TypeChatMessage {
		t.Errorf("bob got %s, want chat_message", ev.Kind())
	}
}

func TestParticipantsTracksConnections(t *testing.T) {
	g := newGateway(t)
	a := g.dial(t, "s1", alice)
	a.nextOf(t, protocol.TypeSessionJoined)

	list, err := g.registry.Participants(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Participants error: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "alice" {
		t.Errorf("participants = %+v", list)
	}
	if g.registry.Connections() != 1 {
		t.Errorf("Connections = %d, want 1", g.registry.Connections())
	}
}
