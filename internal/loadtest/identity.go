package loadtest

import (
	"fmt"
	"time"

	"github.com/whisper/livesession/internal/auth"
)

// Participant returns the identity of simulated member i.
func Participant(i int) auth.Identity {
	return auth.Identity{
		UserID:      fmt.Sprintf("load-%05d", i),
		DisplayName: fmt.Sprintf("Load User %d", i),
		Role:        auth.RoleMember,
	}
}

// Minter issues tokens the server under test accepts.
type Minter struct {
	verifier *auth.Verifier
	ttl      time.Duration
}

// NewMinter signs with the server's secret and issuer.
func NewMinter(secret, issuer string, ttl time.Duration) *Minter {
	return &Minter{verifier: auth.NewVerifier(secret, issuer), ttl: ttl}
}

// URL returns the gateway URL for who to join sessionID.
func (m *Minter) URL(base, sessionID string, who auth.Identity) (string, error) {
	tok, err := m.verifier.Issue(who, m.ttl)
	if err != nil {
		return "", err
	}
	return SessionURL(base, sessionID, tok), nil
}
