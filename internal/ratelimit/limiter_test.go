package ratelimit

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestThrottle creates a Throttle connected to the Redis instance named by
// LIVESESSION_TEST_REDIS_ADDR (default localhost:6379) and flushes test keys.
func newTestThrottle(t *testing.T) *Throttle {
	t.Helper()
	addr := os.Getenv("LIVESESSION_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewThrottle(client)
}

func TestThrottle_AllowUpToLimit(t *testing.T) {
	th := newTestThrottle(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 30 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := th.Allow(ctx, "10.0.0.1", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d rejected", i+1)
		}
	}

	ok, err := th.Allow(ctx, "10.0.0.1", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("4th request allowed")
	}

	retry := th.RetryAfter(ctx, "10.0.0.1", rule)
	if retry <= 0 || retry > 30*time.Second {
		t.Errorf("RetryAfter = %v, want in (0,30s]", retry)
	}

	// Another address has its own window.
	ok, _ = th.Allow(ctx, "10.0.0.2", rule)
	if !ok {
		t.Error("other address rejected")
	}
}

func TestThrottle_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	th := NewThrottle(client)

	ok, err := th.Allow(context.Background(), "10.0.0.1", RuleConnect)
	if err == nil {
		t.Fatal("expected redis error")
	}
	if !ok {
		t.Fatal("expected fail-open allow on redis error")
	}
	if th.RetryAfter(context.Background(), "10.0.0.1", RuleConnect) != 0 {
		t.Error("expected zero RetryAfter on redis error")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "10.1.2.3:5555", "", "10.1.2.3"},
		{"forwarded first entry", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"blank forwarded", "10.1.2.3:5555", " ", "10.1.2.3"},
		{"no port", "10.1.2.3", "", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.fwd != "" {
				r.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestThrottle_NilAllowsEverything(t *testing.T) {
	var th *Throttle
	r := httptest.NewRequest("GET", "/", nil)
	for i := 0; i < 3; i++ {
		if ok, _ := th.Check(r, Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}); !ok {
			t.Fatal("nil throttle refused a request")
		}
	}
}

func TestThrottle_CheckRefusesOverLimit(t *testing.T) {
	th := newTestThrottle(t)
	rule := Rule{Key: "rl:test:check:", Limit: 1, Window: 30 * time.Second}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.9.9.9:1234"

	if ok, _ := th.Check(r, rule); !ok {
		t.Fatal("first request refused")
	}
	ok, retry := th.Check(r, rule)
	if ok {
		t.Fatal("second request allowed")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Errorf("retry = %s, want (0, 30s]", retry)
	}
}
