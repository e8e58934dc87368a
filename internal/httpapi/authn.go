package httpapi

import (
	"net/http"

	"kalamche.app/gateway/internal/auth"
)

const authHeader = "Authorization"

// Gate admits requests carrying a valid access token and attaches the
// principal to the request context. Every rejection looks the same to the
// caller.
func (a *API) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		principal, err := auth.Authenticate(a.tokens, header)
		if err != nil {
			unauthenticated(w, r)
			return
		}
		raw, _ := auth.ExtractBearerToken(header)
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthenticated(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
}
