package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"kalamche.app/gateway/internal/obs"
)

type clientIPKey struct{}

func parseTrustedProxies(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			obs.Logger().Warn("ignoring trusted proxy", zap.String("cidr", c), zap.Error(err))
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

func (a *API) trustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// resolveClientIP returns the address the rate limiter keys on. The TCP
// peer is used unless it is a trusted proxy, in which case X-Forwarded-For
// is walked from the right and the first untrusted hop wins.
func (a *API) resolveClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !a.trustedProxy(addr) {
		return peer
	}
	client := addr.Unmap().String()
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap().String()
		if !a.trustedProxy(hop) {
			break
		}
	}
	return client
}

// RealIP records the resolved client address for Logging and RateLimit.
func (a *API) RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, a.resolveClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
