package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runStoreContract exercises the Store behaviour every implementation must
// share. Each subtest uses a fresh session id so a shared database is fine.
func runStoreContract(t *testing.T, s Store) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	newSession := func() string { return "test-" + uuid.NewString() }

	t.Run("message visibility and ordering", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()

		msgs := []*Message{
			{ID: uuid.NewString(), SessionID: sid, AuthorID: "a", AuthorName: "Ann", Text: "one", CreatedAt: base},
			{ID: uuid.NewString(), SessionID: sid, AuthorID: "a", AuthorName: "Ann", Text: "to bob", CreatedAt: base.Add(time.Second), IsPrivate: true, RecipientID: "b"},
			{ID: uuid.NewString(), SessionID: sid, AuthorID: "c", AuthorName: "Cid", Text: "to dee", CreatedAt: base.Add(2 * time.Second), IsPrivate: true, RecipientID: "d"},
			{ID: uuid.NewString(), SessionID: sid, AuthorID: "b", AuthorName: "Bob", Text: "two", CreatedAt: base.Add(3 * time.Second)},
		}
		for _, m := range msgs {
			if err := s.CreateMessage(ctx, m); err != nil {
				t.Fatalf("CreateMessage() error: %v", err)
			}
		}

		tests := []struct {
			name  string
			query MessageQuery
			want  []string
		}{
			{"anonymous sees public", MessageQuery{SessionID: sid}, []string{"one", "two"}},
			{"recipient sees own private", MessageQuery{SessionID: sid, ViewerID: "b"}, []string{"one", "to bob", "two"}},
			{"author sees own private", MessageQuery{SessionID: sid, ViewerID: "c"}, []string{"one", "to dee", "two"}},
			{"include private", MessageQuery{SessionID: sid, IncludePrivate: true}, []string{"one", "to bob", "to dee", "two"}},
			{"limit", MessageQuery{SessionID: sid, Limit: 1}, []string{"one"}},
			{"offset", MessageQuery{SessionID: sid, Offset: 1}, []string{"two"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListMessages(ctx, tt.query)
				if err != nil {
					t.Fatalf("ListMessages() error: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("ListMessages() returned %d messages, want %d", len(got), len(tt.want))
				}
				for i, w := range tt.want {
					if got[i].Text != w {
						t.Errorf("message[%d] = %q, want %q", i, got[i].Text, w)
					}
				}
			})
		}
	})

	t.Run("soft delete", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()
		id := uuid.NewString()
		if err := s.CreateMessage(ctx, &Message{ID: id, SessionID: sid, AuthorID: "a", AuthorName: "Ann", Text: "oops", CreatedAt: base}); err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}

		if err := s.DeleteMessage(ctx, sid, id, "inst", base.Add(time.Minute)); err != nil {
			t.Fatalf("DeleteMessage() error: %v", err)
		}
		// Second delete keeps the original attribution.
		if err := s.DeleteMessage(ctx, sid, id, "other", base.Add(2*time.Minute)); err != nil {
			t.Fatalf("second DeleteMessage() error: %v", err)
		}

		got, err := s.ListMessages(ctx, MessageQuery{SessionID: sid})
		if err != nil {
			t.Fatalf("ListMessages() error: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("deleted message listed by default")
		}

		got, err = s.ListMessages(ctx, MessageQuery{SessionID: sid, IncludeDeleted: true})
		if err != nil {
			t.Fatalf("ListMessages() error: %v", err)
		}
		if len(got) != 1 || !got[0].IsDeleted || got[0].DeletedBy != "inst" {
			t.Fatalf("ListMessages(IncludeDeleted) = %+v, want one deleted by inst", got)
		}

		if err := s.DeleteMessage(ctx, sid, "missing", "inst", base); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteMessage(missing) error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetMessage(ctx, newSession(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMessage(other session) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("reactions are idempotent per user", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()
		id := uuid.NewString()
		if err := s.CreateMessage(ctx, &Message{ID: id, SessionID: sid, AuthorID: "a", AuthorName: "Ann", Text: "hi", CreatedAt: base}); err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}

		steps := []struct {
			user, symbol string
			added        bool
			count        int
		}{
			{"u1", "👍", true, 1},
			{"u1", "👍", false, 1},
			{"u2", "👍", true, 2},
			{"u1", "🔥", true, 1},
		}
		for i, st := range steps {
			added, count, err := s.AddReaction(ctx, Reaction{MessageID: id, SessionID: sid, UserID: st.user, Symbol: st.symbol, CreatedAt: base})
			if err != nil {
				t.Fatalf("step %d: AddReaction() error: %v", i, err)
			}
			if added != st.added || count != st.count {
				t.Errorf("step %d: AddReaction() = (%v, %d), want (%v, %d)", i, added, count, st.added, st.count)
			}
		}

		m, err := s.GetMessage(ctx, sid, id)
		if err != nil {
			t.Fatalf("GetMessage() error: %v", err)
		}
		if m.Reactions["👍"] != 2 || m.Reactions["🔥"] != 1 {
			t.Errorf("Reactions = %v, want 👍:2 🔥:1", m.Reactions)
		}

		if _, _, err := s.AddReaction(ctx, Reaction{MessageID: "missing", SessionID: sid, UserID: "u1", Symbol: "👍", CreatedAt: base}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AddReaction(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("hand raises", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()

		first, created, err := s.RaiseHand(ctx, &HandRaise{ID: uuid.NewString(), SessionID: sid, UserID: "u1", RaisedAt: base})
		if err != nil || !created {
			t.Fatalf("RaiseHand() = (%v, %v), want created", created, err)
		}
		again, created, err := s.RaiseHand(ctx, &HandRaise{ID: uuid.NewString(), SessionID: sid, UserID: "u1", RaisedAt: base.Add(time.Second)})
		if err != nil {
			t.Fatalf("RaiseHand() error: %v", err)
		}
		if created || again.ID != first.ID {
			t.Errorf("second RaiseHand() created=%v id=%s, want existing %s", created, again.ID, first.ID)
		}

		// Same timestamp as u1: insertion order breaks the tie.
		if _, _, err := s.RaiseHand(ctx, &HandRaise{ID: uuid.NewString(), SessionID: sid, UserID: "u2", RaisedAt: base}); err != nil {
			t.Fatalf("RaiseHand(u2) error: %v", err)
		}
		if _, _, err := s.RaiseHand(ctx, &HandRaise{ID: uuid.NewString(), SessionID: sid, UserID: "u0", RaisedAt: base.Add(-time.Second)}); err != nil {
			t.Fatalf("RaiseHand(u0) error: %v", err)
		}

		active, err := s.ActiveHands(ctx, sid)
		if err != nil {
			t.Fatalf("ActiveHands() error: %v", err)
		}
		want := []string{"u0", "u1", "u2"}
		if len(active) != len(want) {
			t.Fatalf("ActiveHands() returned %d, want %d", len(active), len(want))
		}
		for i, w := range want {
			if active[i].UserID != w {
				t.Errorf("active[%d] = %s, want %s", i, active[i].UserID, w)
			}
		}

		lowered, err := s.LowerHand(ctx, sid, "u1", "inst", base.Add(time.Minute))
		if err != nil {
			t.Fatalf("LowerHand() error: %v", err)
		}
		if lowered.IsActive || lowered.AcknowledgedBy != "inst" || lowered.LoweredAt == nil {
			t.Errorf("LowerHand() = %+v, want inactive acknowledged by inst", lowered)
		}
		if _, err := s.LowerHand(ctx, sid, "u1", "", base.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Errorf("LowerHand(inactive) error = %v, want ErrNotFound", err)
		}

		// A new raise after lowering is a new record.
		_, created, err = s.RaiseHand(ctx, &HandRaise{ID: uuid.NewString(), SessionID: sid, UserID: "u1", RaisedAt: base.Add(2 * time.Minute)})
		if err != nil || !created {
			t.Errorf("RaiseHand() after lower = (%v, %v), want created", created, err)
		}
	})

	t.Run("mute records", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()

		rec, err := s.LatestMute(ctx, sid, "u1")
		if err != nil || rec != nil {
			t.Fatalf("LatestMute() on empty = (%v, %v), want (nil, nil)", rec, err)
		}

		exp := base.Add(5 * time.Minute)
		if err := s.AppendMute(ctx, &MuteRecord{SessionID: sid, UserID: "u1", Action: MuteActionMute, MutedBy: "inst", Reason: "noise", MutedAt: base, ExpiresAt: &exp}); err != nil {
			t.Fatalf("AppendMute() error: %v", err)
		}
		if err := s.AppendMute(ctx, &MuteRecord{SessionID: sid, UserID: "u1", Action: MuteActionUnmute, MutedBy: "inst", MutedAt: base.Add(time.Minute)}); err != nil {
			t.Fatalf("AppendMute(unmute) error: %v", err)
		}

		rec, err = s.LatestMute(ctx, sid, "u1")
		if err != nil {
			t.Fatalf("LatestMute() error: %v", err)
		}
		if rec == nil || rec.Action != MuteActionUnmute || rec.ExpiresAt != nil {
			t.Errorf("LatestMute() = %+v, want the unmute record", rec)
		}
	})

	t.Run("strikes", func(t *testing.T) {
		ctx := context.Background()
		sid := newSession()

		for i := 0; i < 3; i++ {
			st := Strike{SessionID: sid, UserID: "u1", MessageID: uuid.NewString(), CreatedAt: base.Add(time.Duration(i) * 30 * time.Minute)}
			if err := s.AppendStrike(ctx, st); err != nil {
				t.Fatalf("AppendStrike() error: %v", err)
			}
		}

		got, err := s.StrikesSince(ctx, sid, "u1", base.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("StrikesSince() error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("StrikesSince() returned %d, want 2", len(got))
		}
		if !got[0].Equal(base.Add(30 * time.Minute)) {
			t.Errorf("first strike = %v, want %v", got[0], base.Add(30*time.Minute))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemory_History(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for _, action := range []MuteAction{MuteActionMute, MuteActionUnmute, MuteActionMute} {
		if err := s.AppendMute(ctx, &MuteRecord{SessionID: "s", UserID: "u", Action: action, MutedBy: "inst", MutedAt: now}); err != nil {
			t.Fatalf("AppendMute() error: %v", err)
		}
	}
	if err := s.AppendStrike(ctx, Strike{SessionID: "s", UserID: "u", MessageID: "m", CreatedAt: now}); err != nil {
		t.Fatalf("AppendStrike() error: %v", err)
	}

	hist := s.MuteHistory("s", "u")
	if len(hist) != 3 {
		t.Fatalf("MuteHistory() returned %d records, want 3", len(hist))
	}
	if hist[1].Action != MuteActionUnmute {
		t.Errorf("history[1].Action = %s, want unmute", hist[1].Action)
	}
	if hist[0].ID >= hist[2].ID {
		t.Errorf("record ids not increasing: %d, %d", hist[0].ID, hist[2].ID)
	}
	if got := s.StrikeCount("s", "u"); got != 1 {
		t.Errorf("StrikeCount() = %d, want 1", got)
	}
}
