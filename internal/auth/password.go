package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Stored secret format: "scrypt:<salt-b64>:<digest-b64>". Anything that
// does not parse as that scheme is treated as a legacy plaintext
// password: compared directly, accepted for migration, never written.
const (
	scryptScheme = "scrypt"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// HashPassword derives a stored secret for a password. Output is always
// in the scrypt:salt:digest form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return scryptScheme + ":" +
		base64.RawStdEncoding.EncodeToString(salt) + ":" +
		base64.RawStdEncoding.EncodeToString(key), nil
}

// VerifyPassword checks a supplied password against a stored secret.
// Every path, including malformed secrets and length mismatches, runs a
// comparison of the same cost as the happy path before answering.
func VerifyPassword(supplied, stored string) bool {
	salt, digest, ok := parseScrypt(stored)
	if !ok {
		// legacy plaintext fallback
		return ConstantTimeEqual(supplied, stored)
	}
	key, err := scrypt.Key([]byte(supplied), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	if len(digest) != scryptKeyLen {
		// corrupt entry: burn the same compare cost, always reject
		subtle.ConstantTimeCompare(key, key)
		return false
	}
	return subtle.ConstantTimeCompare(key, digest) == 1
}

func parseScrypt(stored string) (salt, digest []byte, ok bool) {
	parts := strings.SplitN(stored, ":", 3)
	if len(parts) != 3 || parts[0] != scryptScheme {
		return nil, nil, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, false
	}
	digest, err = base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, false
	}
	return salt, digest, true
}

// ConstantTimeEqual compares two strings without short-circuiting on a
// length mismatch: the mismatch path still performs a full-width
// comparison against the expected value so response time tracks the
// expected length, not the supplied one.
func ConstantTimeEqual(got, want string) bool {
	gb := []byte(got)
	wb := []byte(want)
	if len(gb) != len(wb) {
		subtle.ConstantTimeCompare(wb, wb)
		return false
	}
	return subtle.ConstantTimeCompare(gb, wb) == 1
}
