package httpapi

import (
	"net/http"
	"testing"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/token"
)

func TestRegisterVerifyLoginFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	creds := map[string]string{"email": "Ada@Example.com", "password": "correct horse battery"}

	rr := env.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"name": "Ada", "email": creds["email"], "password": creds["password"],
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["verification_sent"] != true {
		t.Fatalf("verification not sent: %v", body)
	}
	msg := env.mailer.last(t)
	if msg.To != "ada@example.com" || msg.Token == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	expectError(t, env.do(http.MethodPost, "/api/v1/auth/login", creds, nil), http.StatusForbidden, "email_not_verified")

	rr = env.do(http.MethodGet, "/api/v1/auth/verify?token="+msg.Token, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["access_token"] == "" || body["token_type"] != "Bearer" {
		t.Fatalf("verify did not issue tokens: %v", body)
	}
	expectError(t, env.do(http.MethodGet, "/api/v1/auth/verify?token="+msg.Token, nil, nil), http.StatusConflict, "already_verified")

	wrong := map[string]string{"email": creds["email"], "password": "nope nope nope"}
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/login", wrong, nil), http.StatusUnauthorized, "invalid_credentials")

	rr = env.do(http.MethodPost, "/api/v1/auth/login", creds, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	session := decodeBody(t, rr)
	access, _ := session["access_token"].(string)
	cookie := refreshCookieFrom(t, rr)
	if !cookie.HttpOnly || cookie.Path != refreshCookiePath {
		t.Fatalf("unexpected cookie: %+v", cookie)
	}

	rr = env.do(http.MethodGet, "/api/v1/user/me", nil, bearer(access))
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rr.Code)
	}
	if me := decodeBody(t, rr); me["email"] != "ada@example.com" || me["password_hash"] != nil {
		t.Fatalf("unexpected profile: %v", me)
	}

	rr = env.do(http.MethodPost, "/api/v1/auth/token/refresh", nil, nil, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	refreshed := decodeBody(t, rr)
	if refreshed["access_token"] == "" || refreshed["refresh_token"] != nil {
		t.Fatalf("unexpected refresh response: %v", refreshed)
	}
	if sub, err := env.tokens.Verify(token.Access, refreshed["access_token"].(string)); err != nil || sub == "" {
		t.Fatalf("refreshed access token invalid: %v", err)
	}

	// Access tokens are not accepted as refresh credentials.
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/token/refresh", map[string]string{"refresh_token": access}, nil),
		http.StatusUnauthorized, "unauthenticated")
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/token/refresh", nil, nil), http.StatusUnauthorized, "unauthenticated")

	if rr := env.do(http.MethodPost, "/api/v1/auth/logout", nil, nil); rr.Code != http.StatusNoContent || refreshCookieFrom(t, rr).MaxAge >= 0 {
		t.Fatalf("logout did not clear cookie: %d", rr.Code)
	}
}

func TestRefreshFromJSONBodyWithRotation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Settings) { cfg.JWT.RotateRefresh = true })
	env.registerVerified("bob@example.com")
	rr := env.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "bob@example.com", "password": "correct horse battery"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	original, _ := decodeBody(t, rr)["refresh_token"].(string)

	rr = env.do(http.MethodPost, "/api/v1/auth/token/refresh", map[string]string{"refresh_token": original}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	rotated, _ := body["refresh_token"].(string)
	if rotated == "" || rotated == original {
		t.Fatalf("expected rotated refresh token: %v", body)
	}
	if refreshCookieFrom(t, rr).Value != rotated {
		t.Fatal("cookie does not carry the rotated token")
	}

	for i := 0; i < 3; i++ {
		expectError(t, env.do(http.MethodPost, "/api/v1/auth/token/refresh", map[string]string{"refresh_token": original}, nil),
			http.StatusUnauthorized, "unauthenticated")
	}

	rr = env.do(http.MethodPost, "/api/v1/auth/token/refresh", nil, nil, &http.Cookie{Name: refreshCookie, Value: rotated})
	if rr.Code != http.StatusOK {
		t.Fatalf("rotated token: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	latest := refreshCookieFrom(t, rr)

	if rr := env.do(http.MethodPost, "/api/v1/auth/logout", nil, nil, latest); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/token/refresh", nil, nil, latest),
		http.StatusUnauthorized, "unauthenticated")
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, u := env.registerVerified("carol@example.com")
	refresh, _ := env.tokens.Issue(token.Refresh, u.ID, nil)
	for i := 0; i < 2; i++ {
		if rr := env.do(http.MethodPost, "/api/v1/auth/token/refresh", map[string]string{"refresh_token": refresh}, nil); rr.Code != http.StatusOK {
			t.Fatalf("refresh #%d: expected 200, got %d", i+1, rr.Code)
		}
	}
}

func TestRefreshForDeletedUser(t *testing.T) {
	env := newTestEnv(t, nil)
	refresh, _ := env.tokens.Issue(token.Refresh, "ghost", nil)
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/token/refresh", map[string]string{"refresh_token": refresh}, nil),
		http.StatusUnauthorized, "unauthenticated")
}

func TestRegisterRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"name": "Ada", "email": "not-an-email", "password": "correct horse battery",
	}, nil), http.StatusBadRequest, "invalid_request")
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "short",
	}, nil), http.StatusBadRequest, "invalid_request")
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/register", map[string]any{
		"name": "Ada", "email": "ada@example.com", "password": "correct horse battery", "admin": true,
	}, nil), http.StatusBadRequest, "invalid_request")

	env.registerVerified("taken@example.com")
	expectError(t, env.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"name": "Ada", "email": "TAKEN@example.com", "password": "correct horse battery",
	}, nil), http.StatusConflict, "already_exists")
}

func TestVerifyRejectsWrongTokenKind(t *testing.T) {
	env := newTestEnv(t, nil)
	access, _ := env.registerVerified("carol@example.com")
	expectError(t, env.do(http.MethodGet, "/api/v1/auth/verify?token="+access, nil, nil), http.StatusUnauthorized, "unauthenticated")
	expectError(t, env.do(http.MethodGet, "/api/v1/auth/verify", nil, nil), http.StatusBadRequest, "invalid_request")
}

func TestResendVerificationIsAlwaysAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.do(http.MethodPost, "/api/v1/auth/verify/resend", map[string]string{"email": "nobody@example.com"}, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("unknown email: expected 202, got %d", rr.Code)
	}
	if env.mailer.count() != 0 {
		t.Fatal("mail sent for unknown address")
	}

	env.registerVerified("verified@example.com")
	if rr := env.do(http.MethodPost, "/api/v1/auth/verify/resend", map[string]string{"email": "verified@example.com"}, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("verified email: expected 202, got %d", rr.Code)
	}
	if env.mailer.count() != 0 {
		t.Fatal("mail sent for verified address")
	}

	env.do(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"name": "Dan", "email": "dan@example.com", "password": "correct horse battery",
	}, nil)
	if rr := env.do(http.MethodPost, "/api/v1/auth/verify/resend", map[string]string{"email": "dan@example.com"}, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("unverified email: expected 202, got %d", rr.Code)
	}
	if env.mailer.count() != 2 {
		t.Fatalf("expected registration and resend mails, got %d", env.mailer.count())
	}
}

func TestOAuthStart(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodGet, "/api/v1/auth/oauth?provider=github", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["success"] != true || body["url"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	expectError(t, env.do(http.MethodGet, "/api/v1/auth/oauth?provider=myspace", nil, nil), http.StatusNotFound, "unknown_provider")
}

func TestOAuthCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{"missing code", "provider=github&state=good", http.StatusBadGateway, "exchange_failed"},
		{"missing code and unknown provider", "provider=myspace&state=good", http.StatusNotFound, "unknown_provider"},
		{"missing code and forged state", "provider=github&state=forged", http.StatusBadRequest, "state_mismatch"},
		{"unknown provider", "provider=myspace&code=c&state=good", http.StatusNotFound, "unknown_provider"},
		{"state mismatch", "provider=github&code=c&state=forged", http.StatusBadRequest, "state_mismatch"},
		{"exchange failure", "provider=github&code=fail&state=good", http.StatusBadGateway, "exchange_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, env.do(http.MethodGet, "/api/v1/auth/oauth/callback?"+tc.query, nil, nil), tc.status, tc.code)
		})
	}

	rr := env.do(http.MethodGet, "/api/v1/auth/oauth/callback?provider=github&code=c&state=good", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	user, _ := body["user"].(map[string]any)
	if user["email"] != "octocat@example.com" || user["verified_at"] == nil {
		t.Fatalf("unexpected federated user: %v", body)
	}
	refreshCookieFrom(t, rr)

	// A second sign-in resolves to the same account.
	again := decodeBody(t, env.do(http.MethodGet, "/api/v1/auth/oauth/callback?provider=github&code=c&state=good", nil, nil))
	if again["user"].(map[string]any)["id"] != user["id"] {
		t.Fatalf("second sign-in created a new account")
	}
}

func TestUserRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodGet, "/api/v1/user/me", nil, nil)
	expectError(t, rr, http.StatusUnauthorized, "unauthenticated")
	if rr.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatal("missing WWW-Authenticate")
	}
}
