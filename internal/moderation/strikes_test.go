package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/whisper/livesession/internal/store"
)

func TestStrikeTracker_Window(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := NewStrikeTracker(st, "s1", DefaultStrikePolicy())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base, base.Add(20 * time.Minute), base.Add(40 * time.Minute)} {
		if err := tr.Record(ctx, "u1", "m", at); err != nil {
			t.Fatalf("Record(%d) error: %v", i, err)
		}
	}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"all inside", base.Add(50 * time.Minute), 3},
		{"first expired", base.Add(61 * time.Minute), 2},
		{"all expired", base.Add(3 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Count(ctx, "u1", tt.now)
			if err != nil {
				t.Fatalf("Count() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}

	// Expired strikes stay in the durable log.
	if got := st.StrikeCount("s1", "u1"); got != 3 {
		t.Errorf("StrikeCount() = %d, want 3", got)
	}
}

func TestStrikeTracker_SeedsFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, ago := range []time.Duration{2 * time.Hour, 30 * time.Minute, 10 * time.Minute} {
		if err := st.AppendStrike(ctx, store.Strike{SessionID: "s1", UserID: "u1", MessageID: "m", CreatedAt: now.Add(-ago)}); err != nil {
			t.Fatalf("AppendStrike() error: %v", err)
		}
	}

	tr := NewStrikeTracker(st, "s1", DefaultStrikePolicy())
	got, err := tr.Count(ctx, "u1", now)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestScreener_ThirdViolationMutes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	policy := DefaultStrikePolicy()
	tr := NewStrikeTracker(st, "s1", policy)
	sc := NewScreener(NewFilterWithTerms([]string{"badword"}), tr)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	clean, err := sc.Screen(ctx, "u1", "hello there", base)
	if err != nil {
		t.Fatalf("Screen() error: %v", err)
	}
	if clean.Violation || clean.AutoMute != nil || clean.Text != "hello there" {
		t.Fatalf("Screen(clean) = %+v, want untouched", clean)
	}

	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		res, err := sc.Screen(ctx, "u1", "you badword", at)
		if err != nil {
			t.Fatalf("Screen(%d) error: %v", i, err)
		}
		if !res.Violation || res.Text != "you *******" {
			t.Fatalf("Screen(%d) = %+v, want censored violation", i, res)
		}
		if i < 3 {
			if res.AutoMute != nil {
				t.Fatalf("violation %d produced auto-mute", i)
			}
		} else {
			if res.AutoMute == nil {
				t.Fatal("third violation did not produce auto-mute")
			}
			if res.AutoMute.MutedBy != store.SystemActor {
				t.Errorf("MutedBy = %q, want %q", res.AutoMute.MutedBy, store.SystemActor)
			}
			if !res.AutoMute.ExpiresAt().Equal(at.Add(15 * time.Minute)) {
				t.Errorf("ExpiresAt = %v, want %v", res.AutoMute.ExpiresAt(), at.Add(15*time.Minute))
			}
		}
		if err := tr.Record(ctx, "u1", "m", at); err != nil {
			t.Fatalf("Record(%d) error: %v", i, err)
		}
	}
}

func TestScreener_StrikesAreRolling(t *testing.T) {
	ctx := context.Background()
	tr := NewStrikeTracker(store.NewMemory(), "s1", DefaultStrikePolicy())
	sc := NewScreener(NewFilterWithTerms([]string{"badword"}), tr)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Two old strikes, then a third more than an hour after the first.
	for _, at := range []time.Time{base, base.Add(50 * time.Minute)} {
		if err := tr.Record(ctx, "u1", "m", at); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	res, err := sc.Screen(ctx, "u1", "badword", base.Add(70*time.Minute))
	if err != nil {
		t.Fatalf("Screen() error: %v", err)
	}
	if res.AutoMute != nil {
		t.Error("auto-mute fired although the first strike left the window")
	}
}

func TestMutes_ApplyInstruction(t *testing.T) {
	ctx := context.Background()
	m := NewMutes(store.NewMemory(), "s1")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec, err := m.Apply(ctx, &MuteInstruction{UserID: "u1", MutedBy: store.SystemActor, Reason: ReasonProfanity, At: at, Duration: 15 * time.Minute})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(at.Add(15*time.Minute)) {
		t.Errorf("ExpiresAt = %v, want +15m", rec.ExpiresAt)
	}
	if state, _, _ := m.Status(ctx, "u1", at.Add(14*time.Minute)); state != TemporarilyMuted {
		t.Errorf("Status() at +14m = %v, want temporarily muted", state)
	}
	if state, _, _ := m.Status(ctx, "u1", at.Add(15*time.Minute)); state != Unmuted {
		t.Errorf("Status() at +15m = %v, want unmuted", state)
	}
}
