// Package sandbox confines client-supplied paths to a single root
// directory. Resolution is done twice: once lexically (catches plain
// ".." traversal) and once against the real, symlink-resolved
// filesystem path (catches symlinks planted after the lexical check).
package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"attic/internal/apperr"
)

// Sandbox resolves relative paths against one canonical root.
type Sandbox struct {
	root string // absolute, symlink-resolved, no trailing separator
}

// New builds a Sandbox for root. The root must exist; its own symlinks
// are resolved once here so later prefix checks compare real paths.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, errors.New("sandbox root is not a directory")
	}
	return &Sandbox{root: filepath.Clean(real)}, nil
}

// Root returns the canonical absolute root.
func (s *Sandbox) Root() string { return s.root }

// Resolve canonicalizes a client-supplied relative path to an absolute
// path guaranteed to sit at or below the root. "" and "." resolve to
// the root itself. Paths whose lexical or real form escapes the root
// fail with apperr.ErrOutsideRoot.
//
// If the target does not exist yet (new file, mkdir) the real-path
// check walks up to the nearest existing ancestor and re-joins the
// missing suffix, so creation targets are confined too.
func (s *Sandbox) Resolve(rel string) (string, error) {
	rel = CleanRelPath(rel)
	if strings.Contains(rel, "\x00") {
		return "", apperr.ErrOutsideRoot
	}
	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if !s.contains(abs) {
		return "", apperr.ErrOutsideRoot
	}
	real, err := realize(abs)
	if err != nil {
		return "", err
	}
	if !s.contains(real) {
		return "", apperr.ErrOutsideRoot
	}
	return real, nil
}

// Scoped returns a second, narrower sandbox rooted at a directory that
// already resolved inside s. Used for directory shares, where client
// sub-paths must stay under the shared directory, not just the global
// root.
func (s *Sandbox) Scoped(rel string) (*Sandbox, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	if !st.IsDir() {
		return nil, errors.New("scoped root is not a directory")
	}
	return &Sandbox{root: abs}, nil
}

// contains does a separator-aware prefix check so /srv/data never
// matches /srv/database.
func (s *Sandbox) contains(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// realize resolves symlinks in abs. When abs (or a chain of ancestors)
// does not exist yet, the nearest existing ancestor is resolved and the
// missing suffix re-joined, so the returned path is real up to the
// point of creation.
func realize(abs string) (string, error) {
	suffix := ""
	cur := abs
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if suffix == "" {
				return filepath.Clean(real), nil
			}
			return filepath.Clean(filepath.Join(real, suffix)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// ran out of ancestors
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinRel joins a parent relative path and a child name in slash form.
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
