// Package share implements the in-memory registry of time-limited,
// access-code-protected shares. A share exposes one file or one
// directory sub-tree; a directory share is a second, narrower sandbox
// nested inside the global one. State does not survive a restart.
package share

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"attic/internal/apperr"
	"attic/internal/sandbox"
)

// Access codes are short and human-typable, so the alphabet excludes
// visually confusable characters (0/O, 1/I/L) and the verify endpoint
// is throttled per share.
const (
	codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	codeLength   = 6

	MinDurationHours = 1
	MaxDurationHours = 168
)

// record is the registry-owned mutable state of one share.
type record struct {
	id           string
	code         string
	targetPath   string // root-relative as supplied
	resolvedPath string // absolute, validated through the sandbox
	isDir        bool
	createdAt    time.Time
	expiresAt    time.Time
	tokens       map[string]struct{}
	accessCount  int64
	verifyLimit  *rate.Limiter
}

// View is the read-only snapshot handed to callers. Code is present so
// the owner can hand it out; anonymous endpoints never return a View.
type View struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	TargetPath  string    `json:"path"`
	IsDir       bool      `json:"isDir"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessCount int64     `json:"accessCount"`
}

// Registry owns the share map. All mutations happen under mu; there is
// no long-lived lock across filesystem calls.
type Registry struct {
	box *sandbox.Sandbox

	mu      sync.Mutex
	records map[string]*record

	now       func() time.Time
	sweepTick time.Duration
	stopSweep chan struct{}
	sweepOnce sync.Once
	log       *logrus.Entry
}

const defaultSweepTick = time.Minute

func NewRegistry(box *sandbox.Sandbox, sweepTick time.Duration, log *logrus.Entry) *Registry {
	if sweepTick <= 0 {
		sweepTick = defaultSweepTick
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		box:       box,
		records:   make(map[string]*record),
		now:       time.Now,
		sweepTick: sweepTick,
		stopSweep: make(chan struct{}),
		log:       log.WithField("component", "share"),
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// StartSweeper launches the periodic expiry sweep. Expired records are
// also evicted lazily on every lookup, so the sweep only bounds how
// long dead records occupy memory.
func (r *Registry) StartSweeper() {
	go func() {
		t := time.NewTicker(r.sweepTick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.sweep()
			case <-r.stopSweep:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (r *Registry) Close() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

// Create registers a share for a root-relative path. The path goes
// through the sandbox exactly like any other file operation, so a path
// outside the root fails the same way. durationHours is clamped to
// [MinDurationHours, MaxDurationHours].
func (r *Registry) Create(relPath string, durationHours int) (View, error) {
	abs, err := r.box.Resolve(relPath)
	if err != nil {
		return View{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return View{}, apperr.ErrNotFound
	}
	if durationHours < MinDurationHours {
		durationHours = MinDurationHours
	}
	if durationHours > MaxDurationHours {
		durationHours = MaxDurationHours
	}
	id, err := newID()
	if err != nil {
		return View{}, err
	}
	code, err := newCode()
	if err != nil {
		return View{}, err
	}
	now := r.now()
	rec := &record{
		id:           id,
		code:         code,
		targetPath:   sandbox.CleanRelPath(relPath),
		resolvedPath: abs,
		isDir:        st.IsDir(),
		createdAt:    now,
		expiresAt:    now.Add(time.Duration(durationHours) * time.Hour),
		tokens:       make(map[string]struct{}),
		verifyLimit:  rate.NewLimiter(rate.Every(time.Second), 5),
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"id":    id,
		"path":  rec.targetPath,
		"isDir": rec.isDir,
		"hours": durationHours,
	}).Info("share created")
	return rec.view(), nil
}

// Verify checks the access code for a share and, on success, mints a
// bearer token authorizing subsequent reads. Unknown or expired shares
// report NotFound (and expired ones are evicted on the spot); a wrong
// code reports Forbidden; exceeding the per-share attempt budget
// reports RateLimited before the code is even compared.
func (r *Registry) Verify(id, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		return "", err
	}
	if !rec.verifyLimit.Allow() {
		return "", apperr.ErrRateLimited
	}
	supplied := strings.ToUpper(strings.TrimSpace(code))
	if !codeEqual(supplied, rec.code) {
		r.log.WithField("id", id).Warn("share code mismatch")
		return "", apperr.ErrForbidden
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	rec.tokens[token] = struct{}{}
	rec.accessCount++
	return token, nil
}

// Access authorizes one read against a share and returns the absolute
// path to serve. For directory shares, subPath is re-validated against
// a sandbox scoped to the share root, so a bearer token never reaches
// outside the shared sub-tree. Existence is re-checked on every access:
// a share holds a path, not a handle, and the underlying file may have
// been deleted since.
func (r *Registry) Access(id, token, subPath string) (string, error) {
	r.mu.Lock()
	rec, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	_, authorized := rec.tokens[token]
	resolvedPath, isDir := rec.resolvedPath, rec.isDir
	r.mu.Unlock()

	if token == "" || !authorized {
		return "", apperr.ErrForbidden
	}
	abs := resolvedPath
	if isDir {
		scoped, err := sandbox.New(resolvedPath)
		if err != nil {
			return "", apperr.ErrNotFound
		}
		abs, err = scoped.Resolve(subPath)
		if err != nil {
			return "", err
		}
	} else if sandbox.CleanRelPath(subPath) != "" {
		return "", apperr.ErrNotFound
	}
	if _, err := os.Stat(abs); err != nil {
		return "", apperr.ErrNotFound
	}
	return abs, nil
}

// Delete removes a share. Deleting an unknown or already-expired id is
// a NotFound, never a crash; callers treat it as idempotent.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return apperr.ErrNotFound
	}
	delete(r.records, id)
	r.log.WithField("id", id).Info("share deleted")
	return nil
}

// List returns snapshots of all live shares, newest first. Expired
// records encountered along the way are evicted.
func (r *Registry) List() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	views := make([]View, 0, len(r.records))
	for id, rec := range r.records {
		if rec.expired(now) {
			delete(r.records, id)
			continue
		}
		views = append(views, rec.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// lookupLocked finds a live record, evicting it if expired. Callers
// hold mu.
func (r *Registry) lookupLocked(id string) (*record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if rec.expired(r.now()) {
		delete(r.records, id)
		return nil, apperr.ErrNotFound
	}
	return rec, nil
}

func (r *Registry) sweep() {
	r.mu.Lock()
	now := r.now()
	var evicted int
	for id, rec := range r.records {
		if rec.expired(now) {
			delete(r.records, id)
			evicted++
		}
	}
	r.mu.Unlock()
	if evicted > 0 {
		r.log.WithField("evicted", evicted).Debug("share sweep")
	}
}

func (rec *record) expired(now time.Time) bool {
	return !now.Before(rec.expiresAt)
}

func (rec *record) view() View {
	return View{
		ID:          rec.id,
		Code:        rec.code,
		TargetPath:  rec.targetPath,
		IsDir:       rec.isDir,
		CreatedAt:   rec.createdAt,
		ExpiresAt:   rec.expiresAt,
		AccessCount: rec.accessCount,
	}
}

func codeEqual(got, want string) bool {
	gb := []byte(got)
	wb := []byte(want)
	if len(gb) != len(wb) {
		subtle.ConstantTimeCompare(wb, wb)
		return false
	}
	return subtle.ConstantTimeCompare(gb, wb) == 1
}

// newID returns a URL-safe random share id. Ids appear in URLs and
// carry no secrecy requirement; the code and bearer tokens do.
func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func newToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func newCode() (string, error) {
	out := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}
