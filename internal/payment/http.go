package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/ids"
)

// HTTPProvider talks to a Stripe-compatible checkout sessions API.
type HTTPProvider struct {
	client     *http.Client
	baseURL    string
	secret     string
	successURL string
	cancelURL  string
	catalog    *Catalog
}

// NewHTTPProvider returns a provider using cfg and selling catalog plans.
func NewHTTPProvider(cfg config.PaymentConfig, catalog *Catalog, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProvider{
		client:     client,
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		secret:     cfg.Secret,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		catalog:    catalog,
	}
}

type sessionResponse struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// CreateCheckout implements Provider.
func (p *HTTPProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	plan, ok := p.catalog.Plan(req.PlanID)
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %q", ErrUnknownPlan, req.PlanID)
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", p.successURL)
	form.Set("cancel_url", p.cancelURL)
	form.Set("client_reference_id", req.UserID)
	if req.Email != "" {
		form.Set("customer_email", req.Email)
	}
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", plan.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(plan.PriceCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", plan.Name)
	form.Set("metadata[plan_id]", plan.ID)
	form.Set("metadata[user_id]", req.UserID)
	form.Set("metadata[credits]", strconv.Itoa(plan.Credits))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return Checkout{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", ids.New())

	var resp sessionResponse
	if err := p.do(httpReq, &resp); err != nil {
		return Checkout{}, err
	}
	if resp.ID == "" || resp.URL == "" {
		return Checkout{}, fmt.Errorf("%w: incomplete session response", ErrProvider)
	}
	return Checkout{ID: resp.ID, URL: resp.URL, PlanID: plan.ID}, nil
}

// Session implements Provider.
func (p *HTTPProvider) Session(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return Session{}, ErrNotFound
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/checkout/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return Session{}, err
	}
	var resp sessionResponse
	if err := p.do(httpReq, &resp); err != nil {
		return Session{}, err
	}
	return Session{
		ID:            resp.ID,
		Status:        resp.Status,
		PaymentStatus: resp.PaymentStatus,
		AmountTotal:   resp.AmountTotal,
		Currency:      resp.Currency,
		PlanID:        resp.Metadata["plan_id"],
		UserID:        resp.ClientReferenceID,
	}, nil
}

func (p *HTTPProvider) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read: %w", ErrProvider, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status=%d", ErrProvider, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrProvider, err)
	}
	return nil
}
