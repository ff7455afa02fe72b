package hub

import (
	"time"

	"github.com/whisper/livesession/internal/auth"
)

// Conn is one live connection as seen by a session hub. The gateway owns the
// socket and drains Outbound; the hub owns the channel and closes it when
// the connection is unregistered or the hub shuts down.
type Conn struct {
	ID        string        // connection id (UUID)
	Identity  auth.Identity // verified participant behind the connection
	CreatedAt time.Time

	out     chan []byte
	dropped int // frames dropped on a full buffer, touched by the worker only
}

// NewConn creates a connection with an outbound buffer of size frames.
func NewConn(id string, who auth.Identity, size int) *Conn {
	if size <= 0 {
		size = 1
	}
	return &Conn{
		ID:        id,
		Identity:  who,
		CreatedAt: time.Now(),
		out:       make(chan []byte, size),
	}
}

// Outbound returns the frames queued for the connection. The channel is
// closed once the hub lets go of the connection.
func (c *Conn) Outbound() <-chan []byte {
	return c.out
}

// presence groups the connections of one user.
type presence struct {
	identity auth.Identity
	joinedAt time.Time
	conns    map[string]*Conn
}
