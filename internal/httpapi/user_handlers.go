package httpapi

import (
	"net/http"

	"kalamche.app/gateway/internal/auth"
)

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthenticated(w, r)
		return
	}
	user, err := a.accounts.User(r.Context(), principal.Subject)
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
