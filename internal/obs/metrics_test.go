package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                      "/",
		"/metrics":                              "/metrics",
		"/api/v1/payment/checkout/cs_123":       "/api/v1/payment/checkout/:id",
		"/api/v1/payment/checkout":              "/api/v1/payment/checkout",
		"/api/v1/payment/checkout/cs_123/extra": "/api/v1/payment/checkout/cs_123/extra",
		"/api/v1/auth/oauth?provider=github":    "/api/v1/auth/oauth",
		"/api/v1/user/me":                       "/api/v1/user/me",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := counterValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/payment/checkout/:id", "418"))
	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/payment/checkout/"+id, nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	after := counterValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/payment/checkout/:id", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests recorded, got %v", after-before)
	}
}

func TestObserveRateLimitLabels(t *testing.T) {
	before := counterValue(t, rateLimitDecisions.WithLabelValues("payment", "denied"))
	ObserveRateLimit("payment", false)
	if got := counterValue(t, rateLimitDecisions.WithLabelValues("payment", "denied")) - before; got != 1 {
		t.Fatalf("denied counter delta = %v", got)
	}
}

func TestResolveBuild(t *testing.T) {
	b := ResolveBuild("1.2.3", "abc123")
	if b.Version != "1.2.3" || b.Commit != "abc123" || b.GoVersion == "" {
		t.Fatalf("unexpected build: %+v", b)
	}
	b = ResolveBuild("", "dev")
	if b.Version != "dev" || b.Commit == "" || b.Commit == "dev" {
		t.Fatalf("fallbacks not applied: %+v", b)
	}
	if got := shortRevision("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortRevision = %q", got)
	}
}

func TestInitBuildInfoSetsGauge(t *testing.T) {
	b := InitBuildInfo("9.9.9", "feedface")
	var m dto.Metric
	if err := buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 1 {
		t.Fatalf("build info gauge = %v", m.GetGauge().GetValue())
	}
}
