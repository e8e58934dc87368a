// Package httpapi is the gateway's HTTP surface: route groups, the filters
// guarding them and the auth, user and payment handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"kalamche.app/gateway/internal/account"
	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/mail"
	"kalamche.app/gateway/internal/oauth"
	"kalamche.app/gateway/internal/obs"
	"kalamche.app/gateway/internal/payment"
	"kalamche.app/gateway/internal/ratelimit"
	"kalamche.app/gateway/internal/token"
)

const (
	serviceName  = "kalamche-gateway"
	maxBodyBytes = 1 << 20
)

// ReadinessChecker reports whether downstream dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

// Federator is the subset of *oauth.Federator used by the handlers.
type Federator interface {
	AuthorizeURL(ctx context.Context, provider string) (oauth.AuthorizeRequest, error)
	Exchange(ctx context.Context, provider, code, state string) (*oauth.FederatedIdentity, error)
}

// Deps are the collaborators the API dispatches to.
type Deps struct {
	Settings  config.Settings
	Tokens    *token.Service
	Limiter   *ratelimit.Limiter
	OAuth     Federator
	Accounts  *account.Service
	Mailer    mail.Mailer
	Plans     *payment.Catalog
	Payments  payment.Provider
	Readiness ReadinessChecker
	Version   string
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	settings  config.Settings
	tokens    *token.Service
	limiter   *ratelimit.Limiter
	oauth     Federator
	accounts  *account.Service
	mailer    mail.Mailer
	plans     *payment.Catalog
	payments  payment.Provider
	readiness ReadinessChecker
	version   string
	proxies   []netip.Prefix
	now       func() time.Time
}

// New wires the route groups:
//
//	/api/v1/auth/*    RateLimit(general)
//	/api/v1/user/*    Gate
//	/api/v1/payment/* RateLimit(payment), Gate
func New(d Deps) *API {
	a := &API{
		mux:       http.NewServeMux(),
		settings:  d.Settings,
		tokens:    d.Tokens,
		limiter:   d.Limiter,
		oauth:     d.OAuth,
		accounts:  d.Accounts,
		mailer:    d.Mailer,
		plans:     d.Plans,
		payments:  d.Payments,
		readiness: d.Readiness,
		version:   d.Version,
		proxies:   parseTrustedProxies(d.Settings.TrustedProxies),
		now:       time.Now,
	}

	authRoutes := http.NewServeMux()
	authRoutes.HandleFunc("GET /api/v1/auth/oauth", a.handleOAuthStart)
	authRoutes.HandleFunc("GET /api/v1/auth/oauth/callback", a.handleOAuthCallback)
	authRoutes.HandleFunc("POST /api/v1/auth/token/refresh", a.handleRefresh)
	authRoutes.HandleFunc("POST /api/v1/auth/register", a.handleRegister)
	authRoutes.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	authRoutes.HandleFunc("POST /api/v1/auth/logout", a.handleLogout)
	authRoutes.HandleFunc("GET /api/v1/auth/verify", a.handleVerify)
	authRoutes.HandleFunc("POST /api/v1/auth/verify/resend", a.handleResendVerification)
	a.mux.Handle("/api/v1/auth/", Chain(authRoutes, a.RateLimit(ratelimit.PolicyGeneral)))

	userRoutes := http.NewServeMux()
	userRoutes.HandleFunc("GET /api/v1/user/me", a.handleMe)
	a.mux.Handle("/api/v1/user/", Chain(userRoutes, a.Gate))

	paymentRoutes := http.NewServeMux()
	paymentRoutes.HandleFunc("GET /api/v1/payment/plans", a.handlePlans)
	paymentRoutes.HandleFunc("POST /api/v1/payment/checkout", a.handleCheckout)
	paymentRoutes.HandleFunc("GET /api/v1/payment/checkout/{id}", a.handleCheckoutStatus)
	a.mux.Handle("/api/v1/payment/", Chain(paymentRoutes, a.RateLimit(ratelimit.PolicyPayment), a.Gate))

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})

	return a
}

// Handler returns the fully filtered handler for the server.
func (a *API) Handler() http.Handler {
	return Chain(a.mux,
		RequestID,
		a.RealIP,
		Logging,
		obs.Instrument,
		SecurityHeaders,
		CORS(a.settings.AllowedOriginURL),
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxBodyBytes) },
	)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	payload := map[string]any{
		"error":   errCode,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
