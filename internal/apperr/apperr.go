// Package apperr defines the failure taxonomy shared by the core
// packages. Handlers map these to HTTP statuses; audit logging keeps
// the precise reason while client-facing auth messages stay generic.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrOutsideRoot means a path failed to canonicalize inside the
	// configured root. Never corrected by clamping; always surfaced.
	ErrOutsideRoot = errors.New("path outside root")

	ErrNotFound           = errors.New("not found")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrInternal           = errors.New("internal error")
)

// IsAuthFailure reports whether err is any of the authentication
// failures that must be indistinguishable in client responses.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrSessionInvalidated)
}

// HTTPStatus maps an error from the core to an HTTP status code.
// Unknown errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case IsAuthFailure(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to show a client. All auth
// failures collapse to one string so responses cannot be used as an
// oracle for why a token was rejected.
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsAuthFailure(err):
		return "unauthorized"
	case errors.Is(err, ErrOutsideRoot):
		return "bad path"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRateLimited):
		return "too many requests"
	default:
		return "internal error"
	}
}
