package auth

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	bearerKey
)

// ContextWithPrincipal attaches the principal admitted by the gate. It
// lives only as long as the request context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal attached by the gate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.Subject != ""
}

// SubjectFromContext is the principal's subject, or "".
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

// ContextWithToken keeps the raw access token for handlers that forward it.
func ContextWithToken(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey, raw)
}

// TokenFromContext returns the raw access token, if any.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	raw, ok := ctx.Value(bearerKey).(string)
	return raw, ok && raw != ""
}
