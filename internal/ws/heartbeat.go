package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Deadline is how long a connection may stay silent before it is treated as
// disconnected. Any frame, including the pong to our ping, resets it.
func (h HeartbeatConfig) Deadline() time.Duration {
	return h.Interval + h.Timeout
}

// extendReadDeadline pushes the connection's read deadline past the next
// heartbeat window.
func (s *Server) extendReadDeadline(c *Connection) {
	c.touch()
	_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.Heartbeat.Deadline()))
}

// isStale reports whether c has been silent longer than the heartbeat allows.
func (s *Server) isStale(c *Connection, now time.Time) bool {
	return now.Sub(c.LastSeen()) > s.config.Heartbeat.Deadline()
}
