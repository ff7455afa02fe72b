package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/store"
)

// seedHistory posts, in order: a public message, a private message from the
// instructor to bob, a message that is then deleted, a private message from
// alice to bob, and a second public message.
func seedHistory(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	send := func(who auth.Identity, m protocol.ChatMessage) *store.Message {
		msg, err := f.p.SendMessage(ctx, who, m)
		if err != nil {
			t.Fatalf("SendMessage(%q) error: %v", m.Message, err)
		}
		return msg
	}

	send(member, protocol.ChatMessage{Message: "public one"})
	send(instructor, protocol.ChatMessage{Message: "psst bob", IsPrivate: true, RecipientID: "bob"})
	doomed := send(member, protocol.ChatMessage{Message: "oops"})
	send(member, protocol.ChatMessage{Message: "between us", IsPrivate: true, RecipientID: "bob"})
	send(member, protocol.ChatMessage{Message: "public two"})

	if err := f.p.DeleteMessage(ctx, instructor, protocol.DeleteMessage{MessageID: doomed.ID}); err != nil {
		t.Fatalf("DeleteMessage error: %v", err)
	}
}

func TestHistory_Visibility(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	tests := []struct {
		name   string
		viewer auth.Identity
		opts   HistoryOptions
		want   []string
	}{
		{"author sees own private", member, HistoryOptions{}, []string{"public one", "between us", "public two"}},
		{"recipient sees both private", member2, HistoryOptions{}, []string{"public one", "psst bob", "between us", "public two"}},
		{"instructor includes deleted", instructor, HistoryOptions{IncludeDeleted: true}, []string{"public one", "psst bob", "oops", "public two"}},
		{"limit and offset", member2, HistoryOptions{Limit: 2, Offset: 1}, []string{"psst bob", "between us"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := History(ctx, f.store, "s1", tt.viewer, tt.opts)
			if err != nil {
				t.Fatalf("History error: %v", err)
			}
			got := make([]string, len(msgs))
			for i, m := range msgs {
				got[i] = m.Text
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("History() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistory_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := History(ctx, f.store, "s1", member, HistoryOptions{IncludeDeleted: true})
	wantReason(t, err, ReasonForbidden)

	_, err = History(ctx, f.store, "s1", member, HistoryOptions{Offset: -1})
	wantReason(t, err, ReasonValidation)

	_, err = History(ctx, f.store, "s1", public, HistoryOptions{})
	wantReason(t, err, ReasonForbidden)
}

func TestHistory_EmptySessionIsNotNil(t *testing.T) {
	f := newFixture(t)
	msgs, err := History(context.Background(), f.store, "empty", member, HistoryOptions{})
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("History() = %#v, want empty slice", msgs)
	}
}

func TestHistory_LimitIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < MaxHistoryLimit+5; i++ {
		if _, err := f.p.SendMessage(ctx, instructor, protocol.ChatMessage{Message: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("SendMessage error: %v", err)
		}
	}

	msgs, err := History(ctx, f.store, "s1", member, HistoryOptions{})
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(msgs) != DefaultHistoryLimit {
		t.Errorf("default page = %d, want %d", len(msgs), DefaultHistoryLimit)
	}

	msgs, err = History(ctx, f.store, "s1", member, HistoryOptions{Limit: 10000})
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(msgs) != MaxHistoryLimit {
		t.Errorf("capped page = %d, want %d", len(msgs), MaxHistoryLimit)
	}
}

func TestTranscript(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	_, err := Transcript(ctx, f.store, "s1", member, ExportOptions{})
	wantReason(t, err, ReasonForbidden)

	tests := []struct {
		name string
		opts ExportOptions
		want int
	}{
		// The instructor authored "psst bob", so it is always included.
		{"default", ExportOptions{}, 3},
		{"with private", ExportOptions{IncludePrivate: true}, 4},
		{"with deleted", ExportOptions{IncludeDeleted: true}, 4},
		{"with private and deleted", ExportOptions{IncludePrivate: true, IncludeDeleted: true}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := Transcript(ctx, f.store, "s1", instructor, tt.opts)
			if err != nil {
				t.Fatalf("Transcript error: %v", err)
			}
			if len(msgs) != tt.want {
				t.Errorf("len = %d, want %d", len(msgs), tt.want)
			}
		})
	}
}
