// Package ratelimit provides the two rate limiting layers of the live session
// engine: an in-memory sliding window used by the session worker for chat
// messages and reactions, and a Redis-backed INCR + EXPIRE throttle that
// guards connection upgrades and REST calls per client address.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:conn:", "msg")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Address-level rules enforced through Redis.
var (
	// RuleConnect allows 20 WebSocket upgrades per minute per client IP.
	// Classrooms often sit behind a single NAT address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}

	// RuleHTTP allows 120 REST calls per minute per client IP.
	RuleHTTP = Rule{Key: "rl:http:", Limit: 120, Window: time.Minute}
)

// Throttle performs fixed-window rate limiting checks against Redis.
type Throttle struct {
	client *redis.Client
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis connection failed: %w", err)
	}
	return client, nil
}

// NewThrottle creates a Throttle backed by the given Redis client.
func NewThrottle(client *redis.Client) *Throttle {
	return &Throttle{client: client}
}

// Allow checks whether identifier is within the rate limit defined by rule.
// It increments the counter in Redis and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not lock participants out of a live session.
func (t *Throttle) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := t.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			t.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns the remaining TTL of the identifier's current window.
// Zero is returned when no window is open or on Redis errors.
func (t *Throttle) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := t.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Check applies rule to the client address of r. A nil Throttle allows
// everything. When the request is refused, the wait until the window resets
// is returned.
func (t *Throttle) Check(r *http.Request, rule Rule) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}
	ip := ClientIP(r)
	ok, _ := t.Allow(r.Context(), ip, rule)
	if ok {
		return true, 0
	}
	retry := t.RetryAfter(r.Context(), ip, rule)
	if retry <= 0 {
		retry = rule.Window
	}
	return false, retry
}

// ClientIP returns the originating address of r: the first X-Forwarded-For
// entry set by the load balancer, or the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close closes the Redis connection.
func (t *Throttle) Close() error {
	return t.client.Close()
}
