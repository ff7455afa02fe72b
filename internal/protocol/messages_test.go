package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid chat_message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMessage(t *testing.T) {
	input := []byte(`{"type":"chat_message","message":"Hello!","is_private":true,"recipient_id":"u-2"}`)

	ev, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cm, ok := ev.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", ev)
	}
	if cm.Message != "Hello!" {
		t.Errorf("expected message %q, got %q", "Hello!", cm.Message)
	}
	if !cm.IsPrivate {
		t.Error("expected is_private=true")
	}
	if cm.RecipientID != "u-2" {
		t.Errorf("expected recipient_id %q, got %q", "u-2", cm.RecipientID)
	}
}

func TestParseClientMessage_AllKinds(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"type":"chat_message","message":"hi"}`, TypeChatMessage},
		{`{"type":"reaction_added","message_id":"m1","reaction":"🔥"}`, TypeReactionAdded},
		{`{"type":"hand_raised"}`, TypeHandRaised},
		{`{"type":"hand_lowered","acknowledged_by":"i-1"}`, TypeHandLowered},
		{`{"type":"typing_start"}`, TypeTypingStart},
		{`{"type":"typing_stop"}`, TypeTypingStop},
		{`{"type":"delete_message","message_id":"m1"}`, TypeDeleteMessage},
		{`{"type":"mute_user","user_id":"u1","reason":"spam"}`, TypeMuteUser},
		{`{"type":"unmute_user","user_id":"u1"}`, TypeUnmuteUser},
		{`{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ev, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind() != tt.want {
				t.Errorf("Kind() = %q, want %q", ev.Kind(), tt.want)
			}
		})
	}
}

func TestParseClientMessage_MuteDuration(t *testing.T) {
	ev, err := ParseClientMessage([]byte(`{"type":"mute_user","user_id":"u1","duration_minutes":5,"reason":"noise"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := ev.(MuteUser)
	if m.DurationMinutes == nil || *m.DurationMinutes != 5 {
		t.Fatalf("expected duration 5, got %v", m.DurationMinutes)
	}

	ev, err = ParseClientMessage([]byte(`{"type":"mute_user","user_id":"u1","reason":"noise"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.(MuteUser).DurationMinutes != nil {
		t.Fatal("expected nil duration for permanent mute")
	}
}

// ---------------------------------------------------------------------------
// Test: Error handling
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"message":"hi"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"launch_rocket"}`},
		{"server only type", `{"type":"user_joined"}`},
		{"wrong field type", `{"type":"chat_message","message":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Errorf("expected error for %s", tt.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server events
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(ReactionAddedEvent{
		MessageID: "m1",
		UserID:    "u1",
		Reaction:  "👍",
		Count:     2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m["type"] != TypeReactionAdded {
		t.Errorf("expected type %q, got %v", TypeReactionAdded, m["type"])
	}
	if m["reaction"] != "👍" {
		t.Errorf("expected reaction 👍, got %v", m["reaction"])
	}
	if m["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", m["count"])
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(PongEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestServerMessage_Decode(t *testing.T) {
	expires := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	data, err := NewServerMessage(UserMutedEvent{
		UserID:    "u1",
		MutedBy:   "system",
		Reason:    "profanity",
		ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	muted, ok := ev.(UserMutedEvent)
	if !ok {
		t.Fatalf("expected UserMutedEvent, got %T", ev)
	}
	if muted.MutedBy != "system" {
		t.Errorf("expected muted_by system, got %q", muted.MutedBy)
	}
	if muted.ExpiresAt == nil || !muted.ExpiresAt.Equal(expires) {
		t.Errorf("expected expires_at %v, got %v", expires, muted.ExpiresAt)
	}
}

func TestNewClientMessage(t *testing.T) {
	data, err := NewClientMessage(AddReaction{MessageID: "m1", Reaction: "❤️"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ev.(AddReaction)
	if r.MessageID != "m1" || r.Reaction != "❤️" {
		t.Errorf("unexpected reaction %+v", r)
	}
}
