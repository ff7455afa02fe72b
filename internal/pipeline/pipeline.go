// Package pipeline runs every participant action of a session through
// validation, moderation, rate limiting and the profanity filter, persists
// the result and hands the resulting events to the session's deliverer.
//
// A Pipeline belongs to exactly one session and is driven by that session's
// single worker goroutine, so its derived state (rate windows, mute cache,
// strike counts, typing indicators) needs no locking.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/whisper/livesession/internal/auth"
	"github.com/whisper/livesession/internal/handraise"
	"github.com/whisper/livesession/internal/metrics"
	"github.com/whisper/livesession/internal/moderation"
	"github.com/whisper/livesession/internal/protocol"
	"github.com/whisper/livesession/internal/ratelimit"
	"github.com/whisper/livesession/internal/store"
	"github.com/whisper/livesession/internal/typing"
)

// Deliverer is the fan-out side of a session, implemented by the hub.
type Deliverer interface {
	// Broadcast sends ev to every connection of the session except those of
	// exceptUserID (empty: nobody is excluded).
	Broadcast(ev protocol.Outbound, exceptUserID string)
	// Send sends ev to every connection of userID, if any.
	Send(userID string, ev protocol.Outbound)
	// Present reports whether userID has a live connection.
	Present(userID string) bool
}

// Config holds the per-session limits.
type Config struct {
	Messages  ratelimit.Rule
	Reactions ratelimit.Rule
	Strikes   moderation.StrikePolicy
	Typing    typing.Config

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Messages:  ratelimit.RuleMessage,
		Reactions: ratelimit.RuleReaction,
		Strikes:   moderation.DefaultStrikePolicy(),
		Typing:    typing.DefaultConfig(),
	}
}

// Pipeline processes the actions of one session.
type Pipeline struct {
	sessionID string
	store     store.Store
	out       Deliverer
	now       func() time.Time
	entropy   io.Reader
	last      time.Time

	messages  *ratelimit.Window
	reactions *ratelimit.Window
	mutes     *moderation.Mutes
	strikes   *moderation.StrikeTracker
	screener  *moderation.Screener
	hands     *handraise.Queue
	typing    *typing.Tracker
}

// New creates the pipeline of sessionID. filter is shared across sessions.
func New(sessionID string, cfg Config, st store.Store, filter *moderation.Filter, out Deliverer) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{
		sessionID: sessionID,
		store:     st,
		out:       out,
		now:       now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		messages:  ratelimit.NewWindow(cfg.Messages),
		reactions: ratelimit.NewWindow(cfg.Reactions),
		mutes:     moderation.NewMutes(st, sessionID),
		strikes:   moderation.NewStrikeTracker(st, sessionID, cfg.Strikes),
		typing:    typing.New(cfg.Typing),
	}
	p.screener = moderation.NewScreener(filter, p.strikes)
	p.hands = handraise.NewQueue(st, sessionID, func() string { return p.newID(p.last) })
	return p
}

// SessionID returns the session this pipeline serves.
func (p *Pipeline) SessionID() string { return p.sessionID }

// stamp returns the current time, never earlier than a previous stamp, so
// timestamps are non-decreasing within the session.
func (p *Pipeline) stamp() time.Time {
	t := p.now().UTC().Truncate(time.Microsecond)
	if t.Before(p.last) {
		t = p.last
	}
	p.last = t
	return t
}

func (p *Pipeline) newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), p.entropy).String()
}

func permitted(actor auth.Identity) *Rejection {
	if actor.UserID == "" {
		return &Rejection{Reason: ReasonUnauthorized, Message: "identity required"}
	}
	if !actor.Role.CanParticipate() {
		return forbidden("your role cannot take part in this chat")
	}
	return nil
}

func requirePrivileged(actor auth.Identity) *Rejection {
	if rej := permitted(actor); rej != nil {
		return rej
	}
	if !actor.Role.Privileged() {
		return forbidden("instructor role required")
	}
	return nil
}

// checkMuted rejects non-privileged actors with an active mute.
func (p *Pipeline) checkMuted(ctx context.Context, actor auth.Identity, now time.Time) *Rejection {
	if actor.Role.Privileged() {
		return nil
	}
	state, rec, err := p.mutes.Status(ctx, actor.UserID, now)
	if err != nil {
		log.Printf("pipeline: mute lookup session=%s user=%s: %v", p.sessionID, actor.UserID, err)
		return persistence(err)
	}
	switch state {
	case moderation.PermanentlyMuted:
		return &Rejection{Reason: ReasonMuted, Message: "you are muted in this session"}
	case moderation.TemporarilyMuted:
		return &Rejection{
			Reason:  ReasonMuted,
			Message: "you are muted until " + rec.ExpiresAt.UTC().Format(time.RFC3339),
		}
	}
	return nil
}

func checkRate(w *ratelimit.Window, actor auth.Identity, now time.Time) *Rejection {
	if actor.Role.Privileged() {
		return nil
	}
	ok, retry := w.Allow(actor.UserID, now)
	if ok {
		return nil
	}
	return &Rejection{Reason: ReasonRateLimited, Message: "slow down", RetryAfter: retry}
}

// Handle dispatches a live-channel event. Typed results are discarded; the
// caller only learns whether the event was rejected.
func (p *Pipeline) Handle(ctx context.Context, actor auth.Identity, ev protocol.Inbound) error {
	var err error
	switch e := ev.(type) {
	case protocol.ChatMessage:
		_, err = p.SendMessage(ctx, actor, e)
	case protocol.AddReaction:
		_, err = p.React(ctx, actor, e)
	case protocol.RaiseHand:
		_, _, err = p.RaiseHand(ctx, actor)
	case protocol.LowerHand:
		_, _, err = p.LowerHand(ctx, actor, e)
	case protocol.TypingStart:
		err = p.TypingStart(ctx, actor)
	case protocol.TypingStop:
		err = p.TypingStop(actor)
	case protocol.DeleteMessage:
		err = p.DeleteMessage(ctx, actor, e)
	case protocol.MuteUser:
		_, err = p.MuteUser(ctx, actor, e)
	case protocol.UnmuteUser:
		_, err = p.UnmuteUser(ctx, actor, e)
	case protocol.Ping:
		// answered by the gateway
	default:
		err = invalid("unsupported event %q", ev.Kind())
	}
	return err
}

// SendMessage posts a chat message.
func (p *Pipeline) SendMessage(ctx context.Context, actor auth.Identity, m protocol.ChatMessage) (*store.Message, error) {
	if rej := permitted(actor); rej != nil {
		return nil, rej
	}
	if rej := validateChat(actor.UserID, m, p.out.Present); rej != nil {
		return nil, rej
	}
	if !m.IsPrivate {
		m.RecipientID = ""
	}

	now := p.stamp()
	if rej := p.checkMuted(ctx, actor, now); rej != nil {
		return nil, rej
	}
	if rej := checkRate(p.messages, actor, now); rej != nil {
		return nil, rej
	}

	screening := moderation.Screening{Text: m.Message}
	if !actor.Role.Privileged() {
		var err error
		screening, err = p.screener.Screen(ctx, actor.UserID, m.Message, now)
		if err != nil {
			log.Printf("pipeline: screen session=%s user=%s: %v", p.sessionID, actor.UserID, err)
			return nil, persistence(err)
		}
	}

	msg := &store.Message{
		ID:          p.newID(now),
		SessionID:   p.sessionID,
		AuthorID:    actor.UserID,
		AuthorName:  actor.DisplayName,
		Text:        screening.Text,
		CreatedAt:   now,
		IsPrivate:   m.IsPrivate,
		RecipientID: m.RecipientID,
		Reactions:   map[string]int{},
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		log.Printf("pipeline: persist message session=%s user=%s: %v", p.sessionID, actor.UserID, err)
		return nil, persistence(err)
	}

	if screening.Violation {
		if err := p.strikes.Record(ctx, actor.UserID, msg.ID, now); err != nil {
			// A mute must never exist without the strike that triggered it.
			log.Printf("pipeline: record strike session=%s user=%s auto_mute_skipped=%t: %v",
				p.sessionID, actor.UserID, screening.AutoMute != nil, err)
			screening.AutoMute = nil
		}
	}

	ev := MessageEvent(msg)
	if msg.IsPrivate {
		p.out.Send(msg.AuthorID, ev)
		p.out.Send(msg.RecipientID, ev)
	} else {
		p.out.Broadcast(ev, "")
	}

	if p.typing.Stop(actor.UserID) {
		p.out.Broadcast(protocol.TypingStopEvent{UserID: actor.UserID}, actor.UserID)
	}

	if screening.AutoMute != nil {
		p.applyAutoMute(ctx, screening.AutoMute)
	}
	return msg, nil
}

func (p *Pipeline) applyAutoMute(ctx context.Context, in *moderation.MuteInstruction) {
	rec, err := p.mutes.Apply(ctx, in)
	if err != nil {
		log.Printf("pipeline: auto-mute session=%s user=%s: %v", p.sessionID, in.UserID, err)
		return
	}
	metrics.AutoMutes.Inc()
	log.Printf("pipeline: auto-mute session=%s user=%s until=%s", p.sessionID, in.UserID, rec.ExpiresAt.Format(time.RFC3339))
	p.out.Broadcast(MutedEvent(rec), "")
}

// React adds the actor's reaction to a message. Repeating a reaction is
// accepted without a second broadcast.
func (p *Pipeline) React(ctx context.Context, actor auth.Identity, r protocol.AddReaction) (*protocol.ReactionAddedEvent, error) {
	if rej := permitted(actor); rej != nil {
		return nil, rej
	}
	if rej := validateReaction(r); rej != nil {
		return nil, rej
	}

	now := p.stamp()
	if rej := p.checkMuted(ctx, actor, now); rej != nil {
		return nil, rej
	}
	if rej := checkRate(p.reactions, actor, now); rej != nil {
		return nil, rej
	}

	msg, rej := p.visibleMessage(ctx, actor, r.MessageID)
	if rej != nil {
		return nil, rej
	}

	added, count, err := p.store.AddReaction(ctx, store.Reaction{
		MessageID: msg.ID,
		SessionID: p.sessionID,
		UserID:    actor.UserID,
		Symbol:    r.Reaction,
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		log.Printf("pipeline: persist reaction session=%s user=%s: %v", p.sessionID, actor.UserID, err)
		return nil, persistence(err)
	}

	ev := &protocol.ReactionAddedEvent{
		MessageID: msg.ID,
		UserID:    actor.UserID,
		Reaction:  r.Reaction,
		Count:     count,
	}
	if added {
		p.deliverAbout(msg, *ev)
	}
	return ev, nil
}

// visibleMessage loads a live message the actor is allowed to see.
func (p *Pipeline) visibleMessage(ctx context.Context, actor auth.Identity, messageID string) (*store.Message, *Rejection) {
	msg, err := p.store.GetMessage(ctx, p.sessionID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("message not found")
	}
	if err != nil {
		log.Printf("pipeline: load message session=%s id=%s: %v", p.sessionID, messageID, err)
		return nil, persistence(err)
	}
	if msg.IsDeleted || !(msg.VisibleTo(actor.UserID) || actor.Role.Privileged()) {
		return nil, notFound("message not found")
	}
	return msg, nil
}

// deliverAbout sends an event concerning msg to everyone who can see msg.
func (p *Pipeline) deliverAbout(msg *store.Message, ev protocol.Outbound) {
	if !msg.IsPrivate {
		p.out.Broadcast(ev, "")
		return
	}
	p.out.Send(msg.AuthorID, ev)
	p.out.Send(msg.RecipientID, ev)
}

// RaiseHand queues the actor. created is false when the hand was already up.
func (p *Pipeline) RaiseHand(ctx context.Context, actor auth.Identity) (*store.HandRaise, bool, error) {
	if rej := permitted(actor); rej != nil {
		return nil, false, rej
	}
	now := p.stamp()
	if rej := p.checkMuted(ctx, actor, now); rej != nil {
		return nil, false, rej
	}

	hr, created, err := p.hands.Raise(ctx, actor.UserID, now)
	if err != nil {
		log.Printf("pipeline: raise hand session=%s user=%s: %v", p.sessionID, actor.UserID, err)
		return nil, false, persistence(err)
	}
	if created {
		p.out.Broadcast(protocol.HandRaisedEvent{
			ID:          hr.ID,
			UserID:      hr.UserID,
			DisplayName: actor.DisplayName,
			RaisedAt:    hr.RaisedAt,
		}, "")
	}
	return hr, created, nil
}

// LowerHand takes a hand out of the queue. With l.UserID set to someone
// else, a privileged actor acknowledges that user's hand. changed is false
// when no hand was up.
func (p *Pipeline) LowerHand(ctx context.Context, actor auth.Identity, l protocol.LowerHand) (*store.HandRaise, bool, error) {
	if rej := permitted(actor); rej != nil {
		return nil, false, rej
	}

	target, ackBy := actor.UserID, ""
	if l.UserID != "" && l.UserID != actor.UserID {
		if !actor.Role.Privileged() {
			return nil, false, forbidden("only instructors can lower another participant's hand")
		}
		target, ackBy = l.UserID, actor.UserID
	} else if l.AcknowledgedBy != "" && actor.Role.Privileged() {
		ackBy = actor.UserID
	}

	now := p.stamp()
	hr, changed, err := p.hands.Lower(ctx, target, ackBy, now)
	if err != nil {
		log.Printf("pipeline: lower hand session=%s user=%s: %v", p.sessionID, target, err)
		return nil, false, persistence(err)
	}
	if changed {
		p.out.Broadcast(protocol.HandLoweredEvent{
			UserID:         hr.UserID,
			AcknowledgedBy: hr.AcknowledgedBy,
			LoweredAt:      now,
		}, "")
	}
	return hr, changed, nil
}

// ActiveHands returns the hand-raise queue.
func (p *Pipeline) ActiveHands(ctx context.Context) ([]store.HandRaise, error) {
	hands, err := p.hands.Active(ctx)
	if err != nil {
		return nil, persistence(err)
	}
	return hands, nil
}

// TypingStart relays a typing indicator. Muted users are ignored silently.
func (p *Pipeline) TypingStart(ctx context.Context, actor auth.Identity) error {
	if rej := permitted(actor); rej != nil {
		return rej
	}
	now := p.stamp()
	if rej := p.checkMuted(ctx, actor, now); rej != nil {
		if rej.Reason == ReasonMuted {
			return nil
		}
		return rej
	}
	if p.typing.Start(actor.UserID, now) {
		p.out.Broadcast(protocol.TypingStartEvent{UserID: actor.UserID, DisplayName: actor.DisplayName}, actor.UserID)
	}
	return nil
}

// TypingStop clears the actor's typing indicator.
func (p *Pipeline) TypingStop(actor auth.Identity) error {
	if rej := permitted(actor); rej != nil {
		return rej
	}
	if p.typing.Stop(actor.UserID) {
		p.out.Broadcast(protocol.TypingStopEvent{UserID: actor.UserID}, actor.UserID)
	}
	return nil
}

// ExpireTyping clears indicators that timed out and broadcasts typing_stop
// on the users' behalf. The session worker calls it on a ticker.
func (p *Pipeline) ExpireTyping() {
	for _, userID := range p.typing.Expire(p.now()) {
		p.out.Broadcast(protocol.TypingStopEvent{UserID: userID}, userID)
	}
}

// Forget drops the ephemeral state of a user whose last connection closed.
func (p *Pipeline) Forget(userID string) {
	p.typing.Stop(userID)
}

// DeleteMessage soft-deletes a message. Deleting an already deleted message
// is a no-op.
func (p *Pipeline) DeleteMessage(ctx context.Context, actor auth.Identity, d protocol.DeleteMessage) error {
	if rej := requirePrivileged(actor); rej != nil {
		return rej
	}
	if d.MessageID == "" {
		return invalid("message_id is required")
	}

	msg, err := p.store.GetMessage(ctx, p.sessionID, d.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("message not found")
	}
	if err != nil {
		log.Printf("pipeline: load message session=%s id=%s: %v", p.sessionID, d.MessageID, err)
		return persistence(err)
	}
	if msg.IsDeleted {
		return nil
	}

	now := p.stamp()
	if err := p.store.DeleteMessage(ctx, p.sessionID, msg.ID, actor.UserID, now); err != nil {
		log.Printf("pipeline: delete message session=%s id=%s: %v", p.sessionID, msg.ID, err)
		return persistence(err)
	}
	log.Printf("pipeline: message deleted session=%s id=%s by=%s", p.sessionID, msg.ID, actor.UserID)
	p.deliverAbout(msg, protocol.MessageDeletedEvent{MessageID: msg.ID, DeletedBy: actor.UserID})
	return nil
}

// MuteUser mutes a participant. A nil duration mutes permanently.
func (p *Pipeline) MuteUser(ctx context.Context, actor auth.Identity, m protocol.MuteUser) (*store.MuteRecord, error) {
	if rej := requirePrivileged(actor); rej != nil {
		return nil, rej
	}
	if rej := validateMute(actor.UserID, m); rej != nil {
		return nil, rej
	}

	var d *time.Duration
	if m.DurationMinutes != nil {
		v := time.Duration(*m.DurationMinutes) * time.Minute
		d = &v
	}

	now := p.stamp()
	rec, err := p.mutes.Mute(ctx, m.UserID, actor.UserID, m.Reason, d, now)
	if err != nil {
		log.Printf("pipeline: mute session=%s user=%s: %v", p.sessionID, m.UserID, err)
		return nil, persistence(err)
	}
	log.Printf("pipeline: user muted session=%s user=%s by=%s", p.sessionID, m.UserID, actor.UserID)
	p.out.Broadcast(MutedEvent(rec), "")
	return rec, nil
}

// UnmuteUser lifts any mute on a participant.
func (p *Pipeline) UnmuteUser(ctx context.Context, actor auth.Identity, u protocol.UnmuteUser) (*store.MuteRecord, error) {
	if rej := requirePrivileged(actor); rej != nil {
		return nil, rej
	}
	if u.UserID == "" {
		return nil, invalid("user_id is required")
	}

	now := p.stamp()
	rec, err := p.mutes.Unmute(ctx, u.UserID, actor.UserID, now)
	if err != nil {
		log.Printf("pipeline: unmute session=%s user=%s: %v", p.sessionID, u.UserID, err)
		return nil, persistence(err)
	}
	log.Printf("pipeline: user unmuted session=%s user=%s by=%s", p.sessionID, u.UserID, actor.UserID)
	p.out.Broadcast(protocol.UserUnmutedEvent{UserID: u.UserID, UnmutedBy: actor.UserID}, "")
	return rec, nil
}

// MuteState reports the current mute state of a user.
func (p *Pipeline) MuteState(ctx context.Context, userID string) (moderation.MuteState, error) {
	state, _, err := p.mutes.Status(ctx, userID, p.now())
	if err != nil {
		return moderation.Unmuted, persistence(err)
	}
	return state, nil
}

// MessageEvent converts a stored message into its live-channel event.
func MessageEvent(m *store.Message) protocol.ChatMessageEvent {
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string]int{}
	}
	return protocol.ChatMessageEvent{
		ID:          m.ID,
		SessionID:   m.SessionID,
		UserID:      m.AuthorID,
		DisplayName: m.AuthorName,
		Message:     m.Text,
		IsPrivate:   m.IsPrivate,
		RecipientID: m.RecipientID,
		CreatedAt:   m.CreatedAt,
		Reactions:   reactions,
	}
}

// MutedEvent converts a mute record into its broadcast event.
func MutedEvent(rec *store.MuteRecord) protocol.UserMutedEvent {
	return protocol.UserMutedEvent{
		UserID:    rec.UserID,
		MutedBy:   rec.MutedBy,
		Reason:    rec.Reason,
		ExpiresAt: rec.ExpiresAt,
	}
}
