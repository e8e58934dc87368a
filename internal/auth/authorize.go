package auth

import (
	"strings"
	"time"

	"kalamche.app/gateway/internal/token"
)

const bearer = "Bearer "

// Principal is the verified identity attached to an authorized request.
type Principal struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// NewPrincipal builds a principal from verified access token claims.
func NewPrincipal(c *token.Claims) Principal {
	p := Principal{Subject: c.Subject, TokenID: c.ID, Claims: c.Extra}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// Verifier is satisfied by *token.Service.
type Verifier interface {
	Claims(kind token.Kind, raw string) (*token.Claims, error)
}

// Authenticate resolves an Authorization header value into a principal.
// Every failure, including a missing header, is ErrUnauthenticated.
func Authenticate(v Verifier, header string) (Principal, error) {
	raw, ok := ExtractBearerToken(header)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	claims, err := v.Claims(token.Access, raw)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	return NewPrincipal(claims), nil
}

// ExtractBearerToken returns the credential of a "Bearer" authorization
// value. The scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", false
	}
	return raw, true
}
