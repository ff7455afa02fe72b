// Package config loads the live session server configuration from
// LIVESESSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "LIVESESSION_"

// Config is the full server configuration. Empty DatabaseURL, RedisAddr and
// NATSURL disable the backing service: the in-memory store is used, address
// throttling is off, and events are not published.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	OutboundBuffer int `env:"OUTBOUND_BUFFER" envDefault:"256"`
	InboundQueue   int `env:"INBOUND_QUEUE" envDefault:"1024"`
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"100000"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	SessionGrace      time.Duration `env:"SESSION_GRACE" envDefault:"2m"`

	Blocklist []string `env:"BLOCKLIST" envSeparator:","`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: " + Prefix + "JWT_SECRET is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: " + Prefix + "LISTEN_ADDR is empty")
	}
	positive := []struct {
		name string
		ok   bool
	}{
		{"OUTBOUND_BUFFER", c.OutboundBuffer > 0},
		{"INBOUND_QUEUE", c.InboundQueue > 0},
		{"MAX_CONNECTIONS", c.MaxConnections > 0},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval > 0},
		{"HEARTBEAT_TIMEOUT", c.HeartbeatTimeout > 0},
		{"WRITE_TIMEOUT", c.WriteTimeout > 0},
		{"SESSION_GRACE", c.SessionGrace > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("config: %s%s must be positive", Prefix, p.name)
		}
	}
	return nil
}

// Log prints the effective configuration, one setting per line, without
// secrets.
func (c Config) Log() {
	log.Printf("config: listen_addr=%s", c.ListenAddr)
	log.Printf("config: database=%s", enabled(c.DatabaseURL != "", "postgres", "memory"))
	log.Printf("config: redis_addr=%s", orNone(c.RedisAddr))
	log.Printf("config: nats_url=%s", orNone(c.NATSURL))
	log.Printf("config: jwt_issuer=%s", orNone(c.JWTIssuer))
	log.Printf("config: outbound_buffer=%d inbound_queue=%d max_connections=%d",
		c.OutboundBuffer, c.InboundQueue, c.MaxConnections)
	log.Printf("config: heartbeat_interval=%s heartbeat_timeout=%s write_timeout=%s",
		c.HeartbeatInterval, c.HeartbeatTimeout, c.WriteTimeout)
	log.Printf("config: session_grace=%s extra_blocklist_terms=%d", c.SessionGrace, len(c.Blocklist))
}

func enabled(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
