package auth

import (
	"crypto/rand"
	"encoding/hex"

	"attic/internal/apperr"
)

// Double-submit-cookie CSRF defense: the same random value travels in a
// non-HttpOnly cookie and a custom header, and a state-changing request
// is accepted only when both are present and byte-equal. Only applies
// when authentication is enabled at all; with no session there is
// nothing to forge.

// NewCsrfToken returns a fresh random CSRF value.
func NewCsrfToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// ValidateCsrf checks the cookie/header pair. Absence of either is a
// hard failure, never a silent bypass.
func ValidateCsrf(cookieValue, headerValue string) error {
	if cookieValue == "" || headerValue == "" {
		return apperr.ErrForbidden
	}
	if !ConstantTimeEqual(headerValue, cookieValue) {
		return apperr.ErrForbidden
	}
	return nil
}
