package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"kalamche.app/gateway/internal/ids"
)

var validate = validator.New()

// Service implements registration, password sign-in and email confirmation.
type Service struct {
	store Store
	now   func() time.Time
	cost  int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHashCost sets the bcrypt cost for new password hashes.
func WithHashCost(cost int) ServiceOption {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// NewService returns a Service over store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, now: time.Now, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an unverified password account.
func (s *Service) Register(ctx context.Context, name, email, password string) (*User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := validate.Var(email, "required,email"); err != nil {
		return nil, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	if err := checkPassword(password); err != nil {
		return nil, err
	}
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := hashPassword(password, s.cost)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           ids.New(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate checks an email and password. Unknown emails and wrong
// passwords are both ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.store.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		burnCompare(s.cost, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !passwordMatches(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !u.Verified() {
		return nil, ErrNotVerified
	}
	return u, nil
}

// Confirm marks the user's email as verified. A second confirmation
// returns ErrAlreadyVerified.
func (s *Service) Confirm(ctx context.Context, id string) (*User, error) {
	if err := s.store.MarkVerified(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.store.FindByID(ctx, id)
}

// User returns the user with id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.store.FindByID(ctx, id)
}

// ByEmail returns the user registered with email.
func (s *Service) ByEmail(ctx context.Context, email string) (*User, error) {
	return s.store.FindByEmail(ctx, email)
}

// ResolveFederated returns the account for a provider identity, creating a
// verified account on first sign-in.
func (s *Service) ResolveFederated(ctx context.Context, id Identity) (*User, error) {
	if id.Provider == "" || id.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: provider identity is incomplete", ErrInvalidInput)
	}
	now := s.now().UTC()
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name, _, _ = strings.Cut(id.Email, "@")
	}
	return s.store.ResolveFederated(ctx, id, &User{
		ID:         ids.New(),
		Name:       name,
		Email:      normalizeEmail(id.Email),
		AvatarURL:  id.AvatarURL,
		VerifiedAt: &now,
		CreatedAt:  now,
	})
}

// RecordLogin makes tokenID the only refresh token that RotateLogin accepts
// for the user.
func (s *Service) RecordLogin(ctx context.Context, userID, tokenID string, expiresAt time.Time) error {
	return s.store.SaveLoginToken(ctx, userID, tokenID, expiresAt)
}

// RotateLogin exchanges the presented refresh token id for a new one. A
// token that was already rotated away, or revoked by Logout, returns
// ErrTokenRevoked.
func (s *Service) RotateLogin(ctx context.Context, userID, presentedID, newID string, expiresAt time.Time) error {
	if presentedID == "" {
		return ErrTokenRevoked
	}
	return s.store.SwapLoginToken(ctx, userID, presentedID, newID, expiresAt)
}

// Logout revokes the user's current login token.
func (s *Service) Logout(ctx context.Context, userID string) error {
	return s.store.DeleteLoginToken(ctx, userID)
}
