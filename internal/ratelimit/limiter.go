// Package ratelimit implements fixed-window admission control keyed by
// caller identity, with independent counters per named policy.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/obs"
)

// Policy names used by the gateway route groups.
const (
	PolicyGeneral = "general"
	PolicyPayment = "payment"
)

var (
	// ErrDenied is returned by Admit when the caller exhausted its quota.
	ErrDenied        = errors.New("ratelimit: too many requests")
	ErrUnknownPolicy = errors.New("ratelimit: unknown policy")
)

// Policy allows MaxRequests per Window for each key.
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time until the current window ends, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store increments the counter for key and reports the count within the
// current window along with the window's end. Implementations must make
// the increment and the window reset atomic per key.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
}

// Limiter admits or denies requests against a fixed set of policies.
type Limiter struct {
	policies map[string]Policy
	store    Store
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a limiter over store enforcing policies.
func New(store Store, policies []Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		policies: make(map[string]Policy, len(policies)),
		store:    store,
		now:      time.Now,
	}
	for _, p := range policies {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" || p.MaxRequests <= 0 || p.Window <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid policy %+v", p)
		}
		if _, dup := l.policies[p.Name]; dup {
			return nil, fmt.Errorf("ratelimit: duplicate policy %q", p.Name)
		}
		l.policies[p.Name] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// PoliciesFromConfig returns the general and payment policies.
func PoliciesFromConfig(cfg config.RateLimitConfig) []Policy {
	return []Policy{
		{Name: PolicyGeneral, MaxRequests: cfg.General.MaxRequests, Window: cfg.General.Window},
		{Name: PolicyPayment, MaxRequests: cfg.Payment.MaxRequests, Window: cfg.Payment.Window},
	}
}

// Policy returns the named policy.
func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// Admit counts one request for key under policyID. It returns ErrDenied
// when the quota for the current window is exhausted. Any other error
// also means the request must not proceed.
func (l *Limiter) Admit(ctx context.Context, policyID, key string) (Result, error) {
	p, ok := l.policies[policyID]
	if !ok {
		obs.ObserveRateLimit(policyID, false)
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policyID)
	}
	now := l.now()
	count, resetAt, err := l.store.Incr(ctx, counterKey(p.Name, key), p.Window, now)
	if err != nil {
		obs.ObserveRateLimit(p.Name, false)
		obs.Logger().Error("ratelimit store failure", zap.String("policy", p.Name), zap.Error(err))
		return Result{Limit: p.MaxRequests, ResetAt: now.Add(p.Window)}, fmt.Errorf("ratelimit: %s: %w", p.Name, err)
	}

	res := Result{
		Allowed: count <= int64(p.MaxRequests),
		Limit:   p.MaxRequests,
		ResetAt: resetAt,
	}
	if remaining := int64(p.MaxRequests) - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	obs.ObserveRateLimit(p.Name, res.Allowed)
	if !res.Allowed {
		return res, ErrDenied
	}
	return res, nil
}

func counterKey(policy, key string) string {
	if key == "" {
		key = "unknown"
	}
	return policy + ":" + key
}
