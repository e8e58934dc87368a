package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Rate limiter admission decisions by policy.",
		},
		[]string{"policy", "decision"},
	)

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_verifications_total",
			Help: "Token verification outcomes by kind.",
		},
		[]string{"kind", "result"},
	)

	oauthExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_oauth_exchanges_total",
			Help: "OAuth code exchanges by provider and outcome.",
		},
		[]string{"provider", "result"},
	)

	initOnce sync.Once
)

// Init registers the gateway metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			rateLimitDecisions, tokenVerifications, oauthExchanges,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRateLimit counts one admission decision.
func ObserveRateLimit(policy string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	rateLimitDecisions.WithLabelValues(policy, decision).Inc()
}

// ObserveTokenVerification counts one verification with its result label.
func ObserveTokenVerification(kind, result string) {
	tokenVerifications.WithLabelValues(kind, result).Inc()
}

// ObserveOAuthExchange counts one provider exchange.
func ObserveOAuthExchange(provider, result string) {
	oauthExchanges.WithLabelValues(provider, result).Inc()
}

// Instrument records in-flight, total and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath replaces identifiers in known routes so the path label
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const checkout = "/api/v1/payment/checkout/"
	if strings.HasPrefix(path, checkout) {
		rest := strings.TrimPrefix(path, checkout)
		if rest != "" && !strings.Contains(rest, "/") {
			return checkout + ":id"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
