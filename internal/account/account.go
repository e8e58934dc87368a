// Package account stores gateway users and the credentials and federated
// identities that resolve to them.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("account: not found")
	ErrAlreadyExists      = errors.New("account: already exists")
	ErrAlreadyVerified    = errors.New("account: already verified")
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	ErrNotVerified        = errors.New("account: email not verified")
	ErrInvalidInput       = errors.New("account: invalid input")
	// ErrTokenRevoked means a refresh token is no longer the user's current
	// login token.
	ErrTokenRevoked = errors.New("account: login token revoked")
)

// User is a gateway account.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	PasswordHash string     `json:"-"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Verified reports whether the user confirmed their email.
func (u *User) Verified() bool { return u.VerifiedAt != nil }

// Identity is a provider account linked to a user.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// MarkVerified sets VerifiedAt once; a second call returns
	// ErrAlreadyVerified.
	MarkVerified(ctx context.Context, id string, at time.Time) error
	// ResolveFederated returns the user linked to the identity, linking by
	// email or creating a verified user when no link exists.
	ResolveFederated(ctx context.Context, id Identity, newUser *User) (*User, error)

	// SaveLoginToken records tokenID as the user's current refresh token,
	// replacing any earlier one.
	SaveLoginToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) error
	// SwapLoginToken replaces oldID with newID in one step. It returns
	// ErrTokenRevoked when oldID is not the current token.
	SwapLoginToken(ctx context.Context, userID, oldID, newID string, expiresAt time.Time) error
	DeleteLoginToken(ctx context.Context, userID string) error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
