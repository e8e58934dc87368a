package auth

import "errors"

// ErrUnauthenticated is the single failure reported to callers of the
// gate. The underlying token error is never exposed.
var ErrUnauthenticated = errors.New("auth: unauthenticated")
