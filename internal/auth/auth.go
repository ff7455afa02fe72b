// Package auth verifies identity tokens issued by the external identity
// provider and defines the participant roles of a live session.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the capability class of a participant.
type Role string

const (
	RolePublic      Role = "public"
	RoleMember      Role = "member"
	RoleInstructor  Role = "instructor"
	RoleAdmin       Role = "admin"
	RoleBoardMember Role = "board_member"
)

// Privileged reports whether the role may moderate and export, and is exempt
// from mutes and rate limits.
func (r Role) Privileged() bool {
	switch r {
	case RoleInstructor, RoleAdmin, RoleBoardMember:
		return true
	}
	return false
}

// CanParticipate reports whether the role may use the chat at all.
func (r Role) CanParticipate() bool {
	return r == RoleMember || r.Privileged()
}

// Identity is the verified caller of a request or connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken is returned for malformed, unsigned or expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the token payload: sub is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// Verifier validates HS256 identity tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: sub is required", ErrInvalidToken)
	}
	role := Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	if role == "" {
		role = RoleMember
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: name, Role: role}, nil
}

// Issue signs a token for id valid for ttl. The identity provider is
// external; this is used by tests and local tooling.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: id.DisplayName,
		Role: string(id.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// failing that, the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the token carried by r.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	return v.Verify(TokenFromRequest(r))
}
