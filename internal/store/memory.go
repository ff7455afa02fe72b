package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It is used when no database is configured
// and by tests.
type Memory struct {
	mu sync.RWMutex

	seq       int64
	messages  map[string]*Message                       // id -> message
	order     map[string][]string                       // session -> message ids in insertion order
	reactions map[string]map[string]map[string]struct{} // message -> symbol -> users
	hands     map[string][]*HandRaise                   // session -> all raises
	mutes     map[string][]*MuteRecord                  // session/user -> records
	strikes   map[string][]Strike                       // session/user -> strikes
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]*Message),
		order:     make(map[string][]string),
		reactions: make(map[string]map[string]map[string]struct{}),
		hands:     make(map[string][]*HandRaise),
		mutes:     make(map[string][]*MuteRecord),
		strikes:   make(map[string][]Strike),
	}
}

func userKey(sessionID, userID string) string {
	return sessionID + "/" + userID
}

func (s *Memory) CreateMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	cp.Reactions = nil
	s.messages[msg.ID] = &cp
	s.order[msg.SessionID] = append(s.order[msg.SessionID], msg.ID)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, sessionID, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok || m.SessionID != sessionID {
		return nil, ErrNotFound
	}
	return s.project(m), nil
}

func (s *Memory) ListMessages(_ context.Context, q MessageQuery) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	skipped := 0
	for _, id := range s.order[q.SessionID] {
		m := s.messages[id]
		if m.IsDeleted && !q.IncludeDeleted {
			continue
		}
		if !q.IncludePrivate && !m.VisibleTo(q.ViewerID) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, *s.project(m))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) DeleteMessage(_ context.Context, sessionID, messageID, deletedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.SessionID != sessionID {
		return ErrNotFound
	}
	if m.IsDeleted {
		return nil
	}
	m.IsDeleted = true
	m.DeletedBy = deletedBy
	m.DeletedAt = &at
	return nil
}

func (s *Memory) AddReaction(_ context.Context, r Reaction) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[r.MessageID]
	if !ok || m.SessionID != r.SessionID {
		return false, 0, ErrNotFound
	}

	bySymbol, ok := s.reactions[r.MessageID]
	if !ok {
		bySymbol = make(map[string]map[string]struct{})
		s.reactions[r.MessageID] = bySymbol
	}
	users, ok := bySymbol[r.Symbol]
	if !ok {
		users = make(map[string]struct{})
		bySymbol[r.Symbol] = users
	}
	if _, dup := users[r.UserID]; dup {
		return false, len(users), nil
	}
	users[r.UserID] = struct{}{}
	return true, len(users), nil
}

func (s *Memory) RaiseHand(_ context.Context, hr *HandRaise) (*HandRaise, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.hands[hr.SessionID] {
		if h.UserID == hr.UserID && h.IsActive {
			cp := *h
			return &cp, false, nil
		}
	}

	s.seq++
	cp := *hr
	cp.IsActive = true
	cp.Seq = s.seq
	s.hands[hr.SessionID] = append(s.hands[hr.SessionID], &cp)

	out := cp
	return &out, true, nil
}

func (s *Memory) LowerHand(_ context.Context, sessionID, userID, acknowledgedBy string, at time.Time) (*HandRaise, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.hands[sessionID] {
		if h.UserID == userID && h.IsActive {
			h.IsActive = false
			h.LoweredAt = &at
			h.AcknowledgedBy = acknowledgedBy
			cp := *h
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ActiveHands(_ context.Context, sessionID string) ([]HandRaise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HandRaise
	for _, h := range s.hands[sessionID] {
		if h.IsActive {
			out = append(out, *h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Memory) AppendMute(_ context.Context, rec *MuteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec.ID = s.seq
	cp := *rec
	key := userKey(rec.SessionID, rec.UserID)
	s.mutes[key] = append(s.mutes[key], &cp)
	return nil
}

func (s *Memory) LatestMute(_ context.Context, sessionID, userID string) (*MuteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.mutes[userKey(sessionID, userID)]
	if len(recs) == 0 {
		return nil, nil
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

// MuteHistory returns every mute record of a user in append order.
func (s *Memory) MuteHistory(sessionID, userID string) []MuteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.mutes[userKey(sessionID, userID)]
	out := make([]MuteRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	return out
}

func (s *Memory) AppendStrike(_ context.Context, st Strike) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(st.SessionID, st.UserID)
	s.strikes[key] = append(s.strikes[key], st)
	return nil
}

func (s *Memory) StrikesSince(_ context.Context, sessionID, userID string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []time.Time
	for _, st := range s.strikes[userKey(sessionID, userID)] {
		if !st.CreatedAt.Before(since) {
			out = append(out, st.CreatedAt)
		}
	}
	return out, nil
}

// StrikeCount returns the total number of strikes ever recorded for a user.
func (s *Memory) StrikeCount(sessionID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.strikes[userKey(sessionID, userID)])
}

func (s *Memory) Close() error { return nil }

// project copies m and attaches its reaction counts. Caller holds mu.
func (s *Memory) project(m *Message) *Message {
	cp := *m
	cp.Reactions = make(map[string]int)
	for symbol, users := range s.reactions[m.ID] {
		cp.Reactions[symbol] = len(users)
	}
	return &cp
}
