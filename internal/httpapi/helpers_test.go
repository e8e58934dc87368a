package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"kalamche.app/gateway/internal/account"
	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/mail"
	"kalamche.app/gateway/internal/oauth"
	"kalamche.app/gateway/internal/payment"
	"kalamche.app/gateway/internal/ratelimit"
	"kalamche.app/gateway/internal/token"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *recordingMailer) SendVerification(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no verification mail sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeFederator struct{}

func (fakeFederator) AuthorizeURL(_ context.Context, provider string) (oauth.AuthorizeRequest, error) {
	if provider != config.ProviderGitHub {
		return oauth.AuthorizeRequest{}, oauth.ErrUnknownProvider
	}
	return oauth.AuthorizeRequest{Provider: provider, URL: "https://github.example/authorize?state=good", State: "good"}, nil
}

func (fakeFederator) Exchange(_ context.Context, provider, code, state string) (*oauth.FederatedIdentity, error) {
	if provider != config.ProviderGitHub {
		return nil, oauth.ErrUnknownProvider
	}
	if state != "good" {
		return nil, oauth.ErrStateMismatch
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", oauth.ErrExchangeFailed)
	}
	if code == "fail" {
		return nil, fmt.Errorf("%w: token endpoint returned 500", oauth.ErrExchangeFailed)
	}
	return &oauth.FederatedIdentity{
		Provider:       provider,
		ProviderUserID: "583231",
		Email:          "octocat@example.com",
		DisplayName:    "The Octocat",
	}, nil
}

type fakePayments struct {
	mu       sync.Mutex
	requests []payment.CheckoutRequest
	sessions map[string]payment.Session
	err      error
}

func (p *fakePayments) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Checkout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return payment.Checkout{}, p.err
	}
	if req.PlanID != "starter" && req.PlanID != "pro" {
		return payment.Checkout{}, payment.ErrUnknownPlan
	}
	p.requests = append(p.requests, req)
	id := fmt.Sprintf("cs_%d", len(p.requests))
	p.sessions[id] = payment.Session{ID: id, Status: "open", PlanID: req.PlanID, UserID: req.UserID}
	return payment.Checkout{ID: id, URL: "https://checkout.example/" + id, PlanID: req.PlanID}, nil
}

func (p *fakePayments) Session(_ context.Context, id string) (payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return payment.Session{}, payment.ErrNotFound
	}
	return s, nil
}

type testEnv struct {
	t        *testing.T
	api      *API
	handler  http.Handler
	settings config.Settings
	tokens   *token.Service
	accounts *account.Service
	mailer   *recordingMailer
	payments *fakePayments
}

func testSettings() config.Settings {
	cfg := config.Default()
	cfg.JWT.AccessSecret = "access-secret"
	cfg.JWT.RefreshSecret = "refresh-secret"
	cfg.JWT.VerificationSecret = "verification-secret"
	cfg.RateLimit.General = config.PolicyConfig{MaxRequests: 1000, Window: time.Minute}
	cfg.RateLimit.Payment = config.PolicyConfig{MaxRequests: 500, Window: time.Minute}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*config.Settings)) *testEnv {
	t.Helper()
	cfg := testSettings()
	if mutate != nil {
		mutate(&cfg)
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.PoliciesFromConfig(cfg.RateLimit))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	env := &testEnv{
		t:        t,
		settings: cfg,
		tokens:   token.New(cfg.JWT),
		accounts: account.NewService(account.NewMemoryStore(), account.WithHashCost(4)),
		mailer:   &recordingMailer{},
		payments: &fakePayments{sessions: map[string]payment.Session{}},
	}
	env.api = New(Deps{
		Settings: cfg,
		Tokens:   env.tokens,
		Limiter:  limiter,
		OAuth:    fakeFederator{},
		Accounts: env.accounts,
		Mailer:   env.mailer,
		Plans:    payment.NewCatalog(cfg.Payment.Plans),
		Payments: env.payments,
		Version:  "test",
	})
	env.handler = env.api.Handler()
	return env
}

func (e *testEnv) do(method, path string, body any, headers map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "192.0.2.10:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func bearer(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
	return body
}

func refreshCookieFrom(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == refreshCookie {
			return c
		}
	}
	t.Fatal("refresh_token cookie not set")
	return nil
}

// registerVerified creates a verified password account and returns its
// access token.
func (e *testEnv) registerVerified(email string) (string, *account.User) {
	e.t.Helper()
	u, err := e.accounts.Register(context.Background(), "Test User", email, "correct horse battery")
	if err != nil {
		e.t.Fatalf("Register: %v", err)
	}
	if _, err := e.accounts.Confirm(context.Background(), u.ID); err != nil {
		e.t.Fatalf("Confirm: %v", err)
	}
	access, err := e.tokens.Issue(token.Access, u.ID, nil)
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return access, u
}
