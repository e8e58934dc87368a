// Package oauth federates sign-in to external identity providers using the
// OAuth2 authorization-code flow.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/ids"
	"kalamche.app/gateway/internal/obs"
)

const (
	// DefaultStateTTL bounds the time between authorize and callback.
	DefaultStateTTL = 10 * time.Minute

	stateBytes   = 32
	maxBodyBytes = 1 << 20
)

var (
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrStateMismatch   = errors.New("oauth: state mismatch")
	ErrExchangeFailed  = errors.New("oauth: exchange failed")
)

// FederatedIdentity is the provider profile normalised for account lookup.
type FederatedIdentity struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
	AvatarURL      string
	RawProfile     map[string]any
}

// AuthorizeRequest is the redirect a client follows to start sign-in.
type AuthorizeRequest struct {
	Provider  string
	URL       string
	State     string
	ExpiresAt time.Time
}

type provider struct {
	name         string
	oauth        *oauth2.Config
	userInfoURL  string
	otherInfoURL string
	normalize    normalizer
	pace         *rate.Limiter
}

// Federator builds authorize URLs and completes code exchanges for the
// configured providers. Its provider table is fixed after New.
type Federator struct {
	providers map[string]*provider
	states    StateStore
	stateTTL  time.Duration
	client    *http.Client
	tracer    trace.Tracer
	pacing    rate.Limit
	burst     int
	now       func() time.Time
}

// Option configures a Federator.
type Option func(*Federator)

// WithHTTPClient sets the client used for all provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Federator) {
		if c != nil {
			f.client = c
		}
	}
}

// WithStateTTL overrides DefaultStateTTL.
func WithStateTTL(ttl time.Duration) Option {
	return func(f *Federator) {
		if ttl > 0 {
			f.stateTTL = ttl
		}
	}
}

// WithTracer sets the tracer used for exchange spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Federator) {
		if t != nil {
			f.tracer = t
		}
	}
}

// WithPacing limits outbound calls per provider to r per second with burst.
func WithPacing(r rate.Limit, burst int) Option {
	return func(f *Federator) {
		f.pacing = r
		f.burst = burst
	}
}

// New returns a Federator for every provider enabled in cfg.
func New(cfg config.OAuthConfig, states StateStore, opts ...Option) (*Federator, error) {
	if states == nil {
		return nil, errors.New("oauth: state store is required")
	}
	f := &Federator{
		providers: make(map[string]*provider),
		states:    states,
		stateTTL:  DefaultStateTTL,
		client:    &http.Client{Timeout: 10 * time.Second},
		tracer:    otel.Tracer("kalamche.app/gateway/oauth"),
		pacing:    rate.Limit(20),
		burst:     10,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	for name, pc := range cfg.Providers() {
		if pc.ClientID == "" || pc.AuthURL == "" || pc.TokenURL == "" || pc.UserInfoURL == "" {
			return nil, fmt.Errorf("oauth: provider %s is incomplete", name)
		}
		f.providers[name] = &provider{
			name: name,
			oauth: &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				RedirectURL:  pc.RedirectURL,
				Scopes:       pc.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:   pc.AuthURL,
					TokenURL:  pc.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			userInfoURL:  pc.UserInfoURL,
			otherInfoURL: pc.OtherInfoURL,
			normalize:    normalizerFor(name),
			pace:         rate.NewLimiter(f.pacing, f.burst),
		}
	}
	return f, nil
}

// Providers lists the enabled provider names in sorted order.
func (f *Federator) Providers() []string {
	out := make([]string, 0, len(f.providers))
	for name := range f.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *Federator) lookup(name string) (*provider, error) {
	p, ok := f.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// AuthorizeURL starts a sign-in with name. The returned state is stored
// bound to the provider and accepted once by Exchange.
func (f *Federator) AuthorizeURL(ctx context.Context, name string) (AuthorizeRequest, error) {
	p, err := f.lookup(name)
	if err != nil {
		return AuthorizeRequest{}, err
	}
	state, err := ids.Random(stateBytes)
	if err != nil {
		return AuthorizeRequest{}, err
	}
	if err := f.states.Save(ctx, state, p.name, f.stateTTL); err != nil {
		return AuthorizeRequest{}, fmt.Errorf("oauth: save state: %w", err)
	}
	return AuthorizeRequest{
		Provider:  p.name,
		URL:       p.oauth.AuthCodeURL(state),
		State:     state,
		ExpiresAt: f.now().Add(f.stateTTL),
	}, nil
}

// Exchange completes a sign-in: it consumes state, trades code for a
// provider token and fetches the profile.
func (f *Federator) Exchange(ctx context.Context, name, code, state string) (*FederatedIdentity, error) {
	p, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	ctx, span := f.tracer.Start(ctx, "oauth.Exchange", trace.WithAttributes(attribute.String("oauth.provider", p.name)))
	defer span.End()

	identity, err := f.exchange(ctx, p, strings.TrimSpace(code), strings.TrimSpace(state))
	obs.ObserveOAuthExchange(p.name, exchangeResult(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return identity, nil
}

func (f *Federator) exchange(ctx context.Context, p *provider, code, state string) (*FederatedIdentity, error) {
	if state == "" {
		return nil, ErrStateMismatch
	}
	bound, ok, err := f.states.Consume(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%w: load state: %v", ErrStateMismatch, err)
	}
	if !ok || bound != p.name {
		return nil, ErrStateMismatch
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrExchangeFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	if err := p.pace.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %w", ErrExchangeFailed, err)
	}

	profile, err := f.fetchJSON(ctx, p, p.userInfoURL, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var other any
	if p.otherInfoURL != "" {
		if other, err = f.fetchJSON(ctx, p, p.otherInfoURL, tok.AccessToken); err != nil {
			return nil, err
		}
	}
	obj, ok := profile.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: profile is not an object", ErrExchangeFailed)
	}
	identity, err := p.normalize(obj, other)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	identity.Provider = p.name
	if identity.DisplayName == "" {
		identity.DisplayName, _, _ = strings.Cut(identity.Email, "@")
	}
	identity.RawProfile = obj
	return &identity, nil
}

func (f *Federator) fetchJSON(ctx context.Context, p *provider, url, accessToken string) (any, error) {
	if err := p.pace.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrExchangeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExchangeFailed, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: status=%d", ErrExchangeFailed, url, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrExchangeFailed, url, err)
	}
	return out, nil
}

func exchangeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	default:
		return "failed"
	}
}
