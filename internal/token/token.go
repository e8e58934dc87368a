// Package token issues and verifies the gateway's signed bearer tokens.
//
// Three kinds exist: access, refresh and verification. Each kind is signed
// with its own secret, so a token of one kind never verifies as another.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/obs"
)

// Leeway is the clock-skew tolerance applied to expiry. A token is accepted
// while now < exp + Leeway.
const Leeway = 5 * time.Second

// Kind selects the secret, lifetime and purpose of a token.
type Kind int

const (
	Access Kind = iota + 1
	Refresh
	Verification
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	case Verification:
		return "verification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrInvalidToken is wrapped by every verification failure.
	ErrInvalidToken = errors.New("token: invalid")

	ErrMalformed        = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrInvalidSignature = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	ErrExpired          = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrWrongKind        = fmt.Errorf("%w: wrong kind", ErrInvalidToken)

	// ErrMissingSecret is a configuration error, not a token error.
	ErrMissingSecret = config.ErrMissingSecret

	errUnknownKind = errors.New("token: unknown kind")
)

// Claims is the payload carried by every token.
type Claims struct {
	Kind  string         `json:"knd"`
	Extra map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

type key struct {
	secret []byte
	ttl    time.Duration
	err    error
}

// Service signs and verifies tokens. It holds no mutable state after
// construction and is safe for concurrent use.
type Service struct {
	keys   map[Kind]key
	issuer string
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service from the JWT settings. Empty secrets are accepted
// here and reported by Issue and Verify for the affected kind only.
func New(cfg config.JWTConfig, opts ...Option) *Service {
	s := &Service{
		keys:   make(map[Kind]key, 3),
		issuer: strings.TrimSpace(cfg.Issuer),
		now:    time.Now,
	}
	ttls := map[Kind]time.Duration{
		Access:       cfg.AccessExpiry,
		Refresh:      cfg.RefreshExpiry,
		Verification: cfg.VerificationExpiry,
	}
	for kind, ttl := range ttls {
		secret, err := cfg.Secret(kind.String())
		s.keys[kind] = key{secret: []byte(secret), ttl: ttl, err: err}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL reports the lifetime of a freshly issued token of kind.
func (s *Service) TTL(kind Kind) time.Duration {
	return s.keys[kind].ttl
}

func (s *Service) key(kind Kind) (key, error) {
	k, ok := s.keys[kind]
	if !ok {
		return key{}, fmt.Errorf("%w: %s", errUnknownKind, kind)
	}
	if k.err != nil {
		return key{}, k.err
	}
	return k, nil
}

// Issue signs a token of kind for subject. Extra claims are carried under
// "ext" and returned verbatim by Claims.
func (s *Service) Issue(kind Kind, subject string, extra map[string]any) (string, error) {
	signed, _, err := s.IssueClaims(kind, subject, extra)
	return signed, err
}

// IssueClaims is Issue that also returns the signed payload, so callers can
// record the token id ("jti") and expiry.
func (s *Service) IssueClaims(kind Kind, subject string, extra map[string]any) (string, *Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, errors.New("token: subject is required")
	}
	k, err := s.key(kind)
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	claims := &Claims{
		Kind:  kind.String(),
		Extra: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", nil, fmt.Errorf("token: sign: %w", err)
	}
	return signed, claims, nil
}

// Verify checks raw as a token of kind and returns its subject.
func (s *Service) Verify(kind Kind, raw string) (string, error) {
	claims, err := s.Claims(kind, raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Claims checks raw as a token of kind and returns its payload. Checks run
// in order: structure, signature, expiry, kind.
func (s *Service) Claims(kind Kind, raw string) (*Claims, error) {
	k, err := s.key(kind)
	if err != nil {
		return nil, err
	}
	claims, err := s.parse(kind, k, strings.TrimSpace(raw))
	obs.ObserveTokenVerification(kind.String(), result(err))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) parse(kind Kind, k key, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(Leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	}, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformed
	}
	if claims.Kind != kind.String() {
		return nil, ErrWrongKind
	}
	return claims, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	default:
		return "malformed"
	}
}

// Pair is the access and refresh tokens handed out at sign-in.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	RefreshID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// IssuePair issues a fresh access and refresh token for subject.
func (s *Service) IssuePair(subject string, extra map[string]any) (Pair, error) {
	access, ac, err := s.IssueClaims(Access, subject, extra)
	if err != nil {
		return Pair{}, err
	}
	refresh, rc, err := s.IssueClaims(Refresh, subject, nil)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		RefreshID:        rc.ID,
		AccessExpiresAt:  ac.ExpiresAt.Time,
		RefreshExpiresAt: rc.ExpiresAt.Time,
	}, nil
}
