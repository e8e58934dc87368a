package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/token"
)

func newTokens() *token.Service {
	return token.New(config.JWTConfig{
		AccessSecret:       "a",
		RefreshSecret:      "r",
		VerificationSecret: "v",
		AccessExpiry:       time.Minute,
		RefreshExpiry:      time.Hour,
		VerificationExpiry: time.Minute,
		Issuer:             "kalamche",
	})
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"canonical":    {"Bearer abc", "abc", true},
		"lower scheme": {"bearer abc", "abc", true},
		"upper scheme": {"BEARER  abc ", "abc", true},
		"missing":      {"", "", false},
		"blank token":  {"Bearer   ", "", false},
		"basic":        {"Basic Zm9vOmJhcg==", "", false},
		"no space":     {"Bearerabc", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := ExtractBearerToken(tc.header)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractBearerToken(%q) = %q,%v want %q,%v", tc.header, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTokens()
	access, err := svc.Issue(token.Access, "user-42", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := Authenticate(svc, "Bearer "+access)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "user-42" || p.TokenID == "" || p.Claims["name"] != "Ada" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.ExpiresAt.After(p.IssuedAt) {
		t.Fatalf("expected expiry after issue: %+v", p)
	}

	refresh, _ := svc.Issue(token.Refresh, "user-42", nil)
	for name, header := range map[string]string{
		"missing": "",
		"garbage": "Bearer not-a-token",
		"refresh": "Bearer " + refresh,
		"scheme":  "Token " + access,
	} {
		if _, err := Authenticate(svc, header); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}
	ctx := ContextWithPrincipal(context.Background(), Principal{Subject: "user-42"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Subject != "user-42" {
		t.Fatalf("unexpected principal: %+v %v", p, ok)
	}
	if SubjectFromContext(ctx) != "user-42" || SubjectFromContext(context.Background()) != "" {
		t.Fatal("SubjectFromContext mismatch")
	}
	if _, ok := TokenFromContext(ContextWithToken(context.Background(), "")); ok {
		t.Fatal("empty token should not be stored")
	}
}
