// Package payment sells credit plans through a hosted checkout provider.
package payment

import (
	"context"
	"errors"
	"strings"

	"kalamche.app/gateway/internal/config"
)

var (
	ErrUnknownPlan = errors.New("payment: unknown plan")
	ErrNotFound    = errors.New("payment: checkout not found")
	ErrProvider    = errors.New("payment: provider error")
)

// Plan is a purchasable bundle of credits.
type Plan struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Credits    int    `json:"credits"`
}

// CheckoutRequest starts a purchase of PlanID for UserID.
type CheckoutRequest struct {
	PlanID string
	UserID string
	Email  string
}

// Checkout is a created hosted checkout the client is redirected to.
type Checkout struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	PlanID string `json:"plan_id"`
}

// Session is the provider's view of a checkout.
type Session struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	PlanID        string `json:"plan_id"`
	UserID        string `json:"user_id"`
}

// Provider creates and inspects hosted checkouts.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	Session(ctx context.Context, id string) (Session, error)
}

// Catalog is the fixed plan list loaded from configuration.
type Catalog struct {
	plans []Plan
	byID  map[string]Plan
}

// NewCatalog builds a catalog from configured plans.
func NewCatalog(cfg []config.PlanConfig) *Catalog {
	c := &Catalog{byID: make(map[string]Plan, len(cfg))}
	for _, p := range cfg {
		plan := Plan{
			ID:         p.ID,
			Name:       p.Name,
			PriceCents: p.PriceCents,
			Currency:   strings.ToLower(p.Currency),
			Credits:    p.Credits,
		}
		c.plans = append(c.plans, plan)
		c.byID[plan.ID] = plan
	}
	return c
}

// Plans returns the plans in configured order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Plan looks up a plan by id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}
