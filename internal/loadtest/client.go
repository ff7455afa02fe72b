// Package loadtest drives simulated participants against a running live
// session server. A Client speaks the same wire protocol as a browser,
// authenticated with a token minted from the server's shared secret.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until session_joined
	MessagesReceived int
	MessagesSent     int
	Rejections       int // error events from the server
	Errors           int // transport failures
}

// Client is one simulated participant.
type Client struct {
	conn     net.Conn
	rw       io.ReadWriter
	identity auth.Identity

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(protocol.Outbound)

	joined    chan protocol.SessionJoinedEvent
	done      chan struct{}
	closeOnce sync.Once
}

// SessionURL builds the gateway URL of sessionID carrying token.
func SessionURL(base, sessionID, token string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(sessionID) + "?token=" + url.QueryEscape(token)
}

// Dial connects to the session at target and starts reading. Handlers must
// be registered with On before events of their kind arrive; use Join to
// wait for the session snapshot.
func Dial(ctx context.Context, target string, who auth.Identity) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// br holds any bytes the server sent right after the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}

	c := &Client{
		conn:     conn,
		identity: who,
		handlers: make(map[string]func(protocol.Outbound)),
		joined:   make(chan protocol.SessionJoinedEvent, 1),
		done:     make(chan struct{}),
	}
	// Pongs written by the reader share the write lock with Send.
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}
	go c.readLoop(start)
	return c, nil
}

type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Identity returns who the client authenticated as.
func (c *Client) Identity() auth.Identity { return c.identity }

// Join blocks until the server sent the session snapshot.
func (c *Client) Join(ctx context.Context) (protocol.SessionJoinedEvent, error) {
	select {
	case <-ctx.Done():
		return protocol.SessionJoinedEvent{}, ctx.Err()
	case <-c.done:
		return protocol.SessionJoinedEvent{}, fmt.Errorf("connection closed before session_joined")
	case ev := <-c.joined:
		return ev, nil
	}
}

// Send writes one client event. It is goroutine-safe.
func (c *Client) Send(ev protocol.Inbound) error {
	data, err := protocol.NewClientMessage(ev)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientText(c.conn, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// On registers handler for events of kind, replacing any earlier one.
// Handlers run on the read goroutine.
func (c *Client) On(kind string, handler func(protocol.Outbound)) {
	c.mu.Lock()
	c.handlers[kind] = handler
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a copy of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(start time.Time) {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		ev, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if _, ok := ev.(protocol.ErrorEvent); ok {
			c.metrics.Rejections++
		}
		if snap, ok := ev.(protocol.SessionJoinedEvent); ok {
			c.metrics.ConnectLatency = time.Since(start)
			select {
			case c.joined <- snap:
			default:
			}
		}
		handler := c.handlers[ev.Kind()]
		c.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
	}
}
