package handraise

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/whisper/livesession/internal/store"
)

func newTestQueue() *Queue {
	n := 0
	return NewQueue(store.NewMemory(), "s1", func() string {
		n++
		return fmt.Sprintf("hr-%d", n)
	})
}

func TestRaise_Idempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	now := time.Now()

	first, created, err := q.Raise(ctx, "u1", now)
	if err != nil || !created {
		t.Fatalf("Raise() = (%v, %v), want created", created, err)
	}
	second, created, err := q.Raise(ctx, "u1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Raise() error: %v", err)
	}
	if created {
		t.Error("second Raise() created a new record")
	}
	if second.ID != first.ID || !second.RaisedAt.Equal(first.RaisedAt) {
		t.Errorf("second Raise() = %+v, want existing %+v", second, first)
	}

	active, err := q.Active(ctx)
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Active() returned %d records, want 1", len(active))
	}
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	now := time.Now()

	raises := []struct {
		user string
		at   time.Time
	}{
		{"late", now.Add(2 * time.Second)},
		{"tie-first", now},
		{"tie-second", now},
		{"early", now.Add(-time.Second)},
	}
	for _, r := range raises {
		if _, _, err := q.Raise(ctx, r.user, r.at); err != nil {
			t.Fatalf("Raise(%s) error: %v", r.user, err)
		}
	}

	active, err := q.Active(ctx)
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	want := []string{"early", "tie-first", "tie-second", "late"}
	for i, w := range want {
		if active[i].UserID != w {
			t.Errorf("active[%d] = %s, want %s", i, active[i].UserID, w)
		}
	}

	pos, err := q.Position(ctx, "tie-second")
	if err != nil || pos != 3 {
		t.Errorf("Position(tie-second) = (%d, %v), want 3", pos, err)
	}
	pos, _ = q.Position(ctx, "nobody")
	if pos != 0 {
		t.Errorf("Position(nobody) = %d, want 0", pos)
	}
}

func TestLower(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	now := time.Now()

	hr, changed, err := q.Lower(ctx, "u1", "", now)
	if err != nil || changed || hr != nil {
		t.Fatalf("Lower() without raise = (%v, %v, %v), want no-op", hr, changed, err)
	}

	if _, _, err := q.Raise(ctx, "u1", now); err != nil {
		t.Fatalf("Raise() error: %v", err)
	}
	hr, changed, err = q.Lower(ctx, "u1", "inst", now.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("Lower() = (%v, %v), want changed", changed, err)
	}
	if hr.IsActive || hr.AcknowledgedBy != "inst" {
		t.Errorf("Lower() record = %+v, want inactive acknowledged by inst", hr)
	}

	_, changed, err = q.Lower(ctx, "u1", "", now.Add(2*time.Minute))
	if err != nil || changed {
		t.Errorf("second Lower() = (%v, %v), want no-op", changed, err)
	}

	active, _ := q.Active(ctx)
	if len(active) != 0 {
		t.Errorf("Active() returned %d records after lower, want 0", len(active))
	}
}
