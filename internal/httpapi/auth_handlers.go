package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"kalamche.app/gateway/internal/account"
	"kalamche.app/gateway/internal/audit"
	"kalamche.app/gateway/internal/mail"
	"kalamche.app/gateway/internal/oauth"
	"kalamche.app/gateway/internal/obs"
	"kalamche.app/gateway/internal/token"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/api/v1/auth"
)

type sessionResponse struct {
	TokenType        string        `json:"token_type"`
	AccessToken      string        `json:"access_token"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RefreshToken     string        `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time    `json:"refresh_expires_at,omitempty"`
	User             *account.User `json:"user,omitempty"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resendRequest struct {
	Email string `json:"email"`
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	req, err := a.oauth.AuthorizeURL(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		a.handleOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"url":     req.URL,
	})
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider, code, state := q.Get("provider"), q.Get("code"), q.Get("state")
	ident, err := a.oauth.Exchange(r.Context(), provider, code, state)
	if err != nil {
		a.handleOAuthError(w, r, err)
		return
	}
	user, err := a.accounts.ResolveFederated(r.Context(), account.Identity{
		Provider:       ident.Provider,
		ProviderUserID: ident.ProviderUserID,
		Email:          ident.Email,
		Name:           ident.DisplayName,
		AvatarURL:      ident.AvatarURL,
	})
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.oauth.signin", map[string]any{
		"provider": ident.Provider,
		"user":     user.ID,
	})
	a.issueSession(w, r, http.StatusOK, user)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		raw = strings.TrimSpace(c.Value)
	}
	if raw == "" && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		raw = strings.TrimSpace(req.RefreshToken)
	}
	if raw == "" {
		unauthenticated(w, r)
		return
	}

	claims, err := a.tokens.Claims(token.Refresh, raw)
	if err != nil {
		unauthenticated(w, r)
		return
	}
	subject := claims.Subject
	if _, err := a.accounts.User(r.Context(), subject); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			unauthenticated(w, r)
			return
		}
		a.internalError(w, r, "load user", err)
		return
	}

	resp := sessionResponse{TokenType: "Bearer"}
	if a.settings.JWT.RotateRefresh {
		refresh, rc, err := a.tokens.IssueClaims(token.Refresh, subject, nil)
		if err != nil {
			a.internalError(w, r, "issue refresh token", err)
			return
		}
		// Only the most recently issued refresh token may be exchanged.
		if err := a.accounts.RotateLogin(r.Context(), subject, claims.ID, rc.ID, rc.ExpiresAt.Time); err != nil {
			if errors.Is(err, account.ErrTokenRevoked) {
				_ = audit.LogEvent(r.Context(), "auth.refresh.replayed", map[string]any{"user": subject})
				unauthenticated(w, r)
				return
			}
			a.internalError(w, r, "rotate refresh token", err)
			return
		}
		exp := rc.ExpiresAt.Time
		a.setRefreshCookie(w, refresh, exp)
		resp.RefreshToken = refresh
		resp.RefreshExpiresAt = &exp
	}

	access, err := a.tokens.Issue(token.Access, subject, nil)
	if err != nil {
		a.internalError(w, r, "issue access token", err)
		return
	}
	resp.AccessToken = access
	resp.ExpiresAt = a.now().UTC().Add(a.tokens.TTL(token.Access))
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := a.accounts.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	sent := a.sendVerification(r.Context(), user) == nil
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user":              user.ID,
		"verification_sent": sent,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":              user,
		"verification_sent": sent,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := a.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"user": user.ID})
	a.issueSession(w, r, http.StatusOK, user)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookie); err == nil {
		if subject, err := a.tokens.Verify(token.Refresh, c.Value); err == nil {
			if err := a.accounts.Logout(r.Context(), subject); err != nil {
				obs.Logger().Warn("revoke login token failed",
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.String("user", subject),
					zap.Error(err))
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	subject, err := a.tokens.Verify(token.Verification, raw)
	if err != nil {
		unauthenticated(w, r)
		return
	}
	user, err := a.accounts.Confirm(r.Context(), subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			unauthenticated(w, r)
			return
		}
		a.handleAccountError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.email.verified", map[string]any{"user": user.ID})
	a.issueSession(w, r, http.StatusOK, user)
}

// handleResendVerification answers 202 whether or not the address is
// registered, so it cannot be used to probe for accounts.
func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, err := a.accounts.ByEmail(r.Context(), req.Email)
	switch {
	case err == nil && !user.Verified():
		_ = a.sendVerification(r.Context(), user)
	case err != nil && !errors.Is(err, account.ErrNotFound):
		obs.Logger().Error("resend verification lookup failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) sendVerification(ctx context.Context, user *account.User) error {
	raw, err := a.tokens.Issue(token.Verification, user.ID, nil)
	if err == nil {
		err = a.mailer.SendVerification(ctx, mail.Message{
			To:        user.Email,
			Name:      user.Name,
			Token:     raw,
			ExpiresIn: a.tokens.TTL(token.Verification),
		})
	}
	if err != nil {
		obs.Logger().Error("send verification failed",
			zap.String("request_id", RequestIDFromContext(ctx)),
			zap.String("user", user.ID),
			zap.Error(err))
	}
	return err
}

func (a *API) issueSession(w http.ResponseWriter, r *http.Request, code int, user *account.User) {
	pair, err := a.tokens.IssuePair(user.ID, nil)
	if err != nil {
		a.internalError(w, r, "issue token pair", err)
		return
	}
	if err := a.accounts.RecordLogin(r.Context(), user.ID, pair.RefreshID, pair.RefreshExpiresAt); err != nil {
		a.internalError(w, r, "record login", err)
		return
	}
	a.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, code, sessionResponse{
		TokenType:        "Bearer",
		AccessToken:      pair.AccessToken,
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: &pair.RefreshExpiresAt,
		User:             user,
	})
}

func (a *API) setRefreshCookie(w http.ResponseWriter, raw string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    raw,
		Path:     refreshCookiePath,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) secureCookies() bool {
	return strings.HasPrefix(a.settings.AllowedOriginURL, "https://")
}

func (a *API) handleOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oauth.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, "unknown_provider", "unknown identity provider")
	case errors.Is(err, oauth.ErrStateMismatch):
		writeError(w, r, http.StatusBadRequest, "state_mismatch", "authorization state is invalid or expired")
	case errors.Is(err, oauth.ErrExchangeFailed):
		obs.Logger().Warn("oauth exchange failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "exchange_failed", "identity provider exchange failed")
	default:
		a.internalError(w, r, "oauth", err)
	}
}

func (a *API) handleAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", strings.TrimPrefix(err.Error(), "account: invalid input: "))
	case errors.Is(err, account.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already_exists", "an account with this email already exists")
	case errors.Is(err, account.ErrAlreadyVerified):
		writeError(w, r, http.StatusConflict, "already_verified", "email is already verified")
	case errors.Is(err, account.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
	case errors.Is(err, account.ErrNotVerified):
		writeError(w, r, http.StatusForbidden, "email_not_verified", "email address is not verified")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "account not found")
	default:
		a.internalError(w, r, "account", err)
	}
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Logger().Error("request failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("op", op),
		zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
}
