// Package search implements bounded, time-boxed recursive name search
// over a sandboxed directory tree.
package search

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"attic/internal/apperr"
	"attic/internal/sandbox"
)

// Entry is one search hit.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // root-relative, slash-separated
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// Outcome is a snapshot of a finished search. Never mutated after
// return.
type Outcome struct {
	Matches   []Entry       `json:"matches"`
	Truncated bool          `json:"truncated"`
	TimedOut  bool          `json:"timedOut"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// Engine searches the tree under one sandbox. Limit and timeout are
// clamped to the configured hard maxima regardless of what a client
// asks for.
type Engine struct {
	box        *sandbox.Sandbox
	maxResults int
	maxTimeout time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

const (
	DefaultMaxResults = 500
	DefaultMaxTimeout = 10 * time.Second
)

func New(box *sandbox.Sandbox, maxResults int, maxTimeout time.Duration, log *logrus.Entry) *Engine {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		box:        box,
		maxResults: maxResults,
		maxTimeout: maxTimeout,
		now:        time.Now,
		log:        log.WithField("component", "search"),
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

type walker struct {
	engine   *Engine
	query    string // lowercased
	limit    int
	deadline time.Time
	canceled bool // caller went away; not a timeout
	out      Outcome
}

// Search walks depth-first from startRel, matching query as a
// case-insensitive substring of each entry name. Within a directory,
// files are matched before subdirectories are matched and recursed.
// Both stop conditions (result limit, wall-clock deadline) are checked
// at every entry. Unreadable directories are skipped, not fatal.
func (e *Engine) Search(ctx context.Context, startRel, query string, limit int, timeout time.Duration) (Outcome, error) {
	if limit <= 0 || limit > e.maxResults {
		limit = e.maxResults
	}
	if timeout <= 0 || timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	startAbs, err := e.box.Resolve(startRel)
	if err != nil {
		return Outcome{}, err
	}
	// The start directory itself must be listable; only subdirectories
	// are skipped silently.
	ents, err := os.ReadDir(startAbs)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Outcome{}, apperr.ErrForbidden
		}
		return Outcome{}, apperr.ErrNotFound
	}

	began := e.now()
	w := &walker{
		engine:   e,
		query:    strings.ToLower(query),
		limit:    limit,
		deadline: began.Add(timeout),
	}
	w.out.Matches = make([]Entry, 0, 32)
	w.scan(ctx, ents, startAbs, sandbox.CleanRelPath(startRel))

	// output order is independent of traversal order: directories
	// first, then lexicographic by name
	sort.SliceStable(w.out.Matches, func(i, j int) bool {
		if w.out.Matches[i].IsDir != w.out.Matches[j].IsDir {
			return w.out.Matches[i].IsDir
		}
		return w.out.Matches[i].Name < w.out.Matches[j].Name
	})
	w.out.Elapsed = e.now().Sub(began)
	w.out.ElapsedMs = w.out.Elapsed.Milliseconds()

	e.log.WithFields(logrus.Fields{
		"query":     query,
		"matches":   len(w.out.Matches),
		"truncated": w.out.Truncated,
		"timedOut":  w.out.TimedOut,
	}).Debug("search finished")
	return w.out, nil
}

// stop reports whether a stop condition tripped, recording which.
func (w *walker) stop(ctx context.Context) bool {
	if w.out.Truncated || w.out.TimedOut || w.canceled {
		return true
	}
	if len(w.out.Matches) >= w.limit {
		w.out.Truncated = true
		return true
	}
	if ctx.Err() != nil {
		w.canceled = true
		return true
	}
	if !w.engine.now().Before(w.deadline) {
		w.out.TimedOut = true
		return true
	}
	return false
}

func (w *walker) walk(ctx context.Context, absDir, relDir string) {
	ents, err := os.ReadDir(absDir)
	if err != nil {
		// permission and similar errors skip the directory silently
		return
	}
	w.scan(ctx, ents, absDir, relDir)
}

func (w *walker) scan(ctx context.Context, ents []os.DirEntry, absDir, relDir string) {
	// pass 1: files
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if w.stop(ctx) {
			return
		}
		w.consider(ent, relDir)
	}
	// pass 2: directories, matched then recursed
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		if w.stop(ctx) {
			return
		}
		w.consider(ent, relDir)
		if w.out.Truncated || w.out.TimedOut || w.canceled {
			return
		}
		// do not follow symlinked directories (avoids loops)
		if ent.Type()&os.ModeSymlink != 0 {
			continue
		}
		w.walk(ctx, filepath.Join(absDir, ent.Name()), sandbox.JoinRel(relDir, ent.Name()))
	}
}

func (w *walker) consider(ent os.DirEntry, relDir string) {
	name := ent.Name()
	if !strings.Contains(strings.ToLower(name), w.query) {
		return
	}
	m := Entry{
		Name:  name,
		Path:  sandbox.JoinRel(relDir, name),
		IsDir: ent.IsDir(),
	}
	if info, err := ent.Info(); err == nil {
		m.Size = info.Size()
		m.Mtime = info.ModTime().Unix()
	}
	w.out.Matches = append(w.out.Matches, m)
}
