package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"kalamche.app/gateway/internal/audit"
	"kalamche.app/gateway/internal/auth"
	"kalamche.app/gateway/internal/obs"
	"kalamche.app/gateway/internal/payment"
)

type checkoutRequest struct {
	PlanID string `json:"plan_id"`
}

func (a *API) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": a.plans.Plans()})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthenticated(w, r)
		return
	}
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "plan_id is required")
		return
	}
	user, err := a.accounts.User(r.Context(), principal.Subject)
	if err != nil {
		a.handleAccountError(w, r, err)
		return
	}

	co, err := a.payments.CreateCheckout(r.Context(), payment.CheckoutRequest{
		PlanID: planID,
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		a.handlePaymentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "payment.checkout.created", map[string]any{
		"checkout": co.ID,
		"plan":     co.PlanID,
	})
	writeJSON(w, http.StatusCreated, co)
}

func (a *API) handleCheckoutStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthenticated(w, r)
		return
	}
	session, err := a.payments.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		a.handlePaymentError(w, r, err)
		return
	}
	// Sessions of other users are reported as missing.
	if session.UserID != principal.Subject {
		a.handlePaymentError(w, r, payment.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handlePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrUnknownPlan):
		writeError(w, r, http.StatusNotFound, "unknown_plan", "plan not found")
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "checkout not found")
	case errors.Is(err, payment.ErrProvider):
		obs.Logger().Warn("payment provider failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "payment_unavailable", "payment provider unavailable")
	default:
		a.internalError(w, r, "payment", err)
	}
}
