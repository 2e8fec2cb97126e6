package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"attic/internal/apperr"
)

// Authority issues and validates signed session tokens for the single
// configured account. A process-wide epoch is embedded in every token;
// bumping the epoch invalidates everything issued before without a
// revocation list. The epoch is never persisted: a restart rotates the
// trust boundary anyway.
type Authority struct {
	secret   []byte
	username string
	stored   string // stored password secret, see password.go
	ttl      time.Duration

	epoch atomic.Uint64
	now   func() time.Time
	log   *logrus.Entry
}

type claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Epoch     uint64 `json:"epoch"`
}

// NewAuthority builds an Authority. secret signs tokens; username and
// storedSecret are the single-tenant credentials; ttl bounds token life.
func NewAuthority(secret []byte, username, storedSecret string, ttl time.Duration, log *logrus.Entry) *Authority {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Authority{
		secret:   secret,
		username: username,
		stored:   storedSecret,
		ttl:      ttl,
		now:      time.Now,
		log:      log.WithField("component", "session"),
	}
	a.epoch.Store(1)
	return a
}

// SetClock overrides the time source. Tests only.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

// Epoch returns the current global session epoch.
func (a *Authority) Epoch() uint64 { return a.epoch.Load() }

// Login verifies the supplied credentials and, on success, mints a
// token plus a fresh CSRF value. Username and password are both checked
// in constant time, and both checks always run.
func (a *Authority) Login(username, password string) (token, csrf string, err error) {
	userOK := ConstantTimeEqual(username, a.username)
	passOK := VerifyPassword(password, a.stored)
	if !userOK || !passOK {
		a.log.WithField("user", username).Warn("login rejected")
		return "", "", apperr.ErrUnauthenticated
	}
	token, err = a.mint(a.username)
	if err != nil {
		return "", "", err
	}
	csrf, err = NewCsrfToken()
	if err != nil {
		return "", "", err
	}
	a.log.WithField("user", username).Info("login ok")
	return token, csrf, nil
}

// mint signs a token for subject. The epoch is read here, at mint time,
// so a concurrent InvalidateAll can never produce a token that stays
// valid afterwards.
func (a *Authority) mint(subject string) (string, error) {
	now := a.now()
	c := claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(a.ttl).Unix(),
		Epoch:     a.epoch.Load(),
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return encode(payload) + "." + encode(a.sign(payload)), nil
}

// Authenticate validates a token and returns its subject. The three
// failure modes stay distinct here for audit logging; callers collapse
// them into one generic response.
func (a *Authority) Authenticate(token string) (string, error) {
	if token == "" {
		return "", apperr.ErrUnauthenticated
	}
	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		a.audit("malformed")
		return "", apperr.ErrInvalidToken
	}
	payload, err := decode(token[:dot])
	if err != nil {
		a.audit("malformed")
		return "", apperr.ErrInvalidToken
	}
	sig, err := decode(token[dot+1:])
	if err != nil {
		a.audit("malformed")
		return "", apperr.ErrInvalidToken
	}
	if !hmac.Equal(sig, a.sign(payload)) {
		a.audit("bad signature")
		return "", apperr.ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		a.audit("malformed")
		return "", apperr.ErrInvalidToken
	}
	if a.now().Unix() >= c.ExpiresAt {
		a.audit("expired")
		return "", apperr.ErrInvalidToken
	}
	if c.Epoch != a.epoch.Load() {
		a.audit("stale epoch")
		return "", apperr.ErrSessionInvalidated
	}
	return c.Subject, nil
}

// InvalidateAll bumps the global epoch, making every previously issued
// token unusable on its next use.
func (a *Authority) InvalidateAll() {
	e := a.epoch.Add(1)
	a.log.WithField("epoch", e).Info("all sessions invalidated")
}

func (a *Authority) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (a *Authority) audit(reason string) {
	a.log.WithField("reason", reason).Warn("token rejected")
}

func encode(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
