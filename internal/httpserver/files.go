package httpserver

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"attic/internal/apperr"
	"attic/internal/sandbox"
)

type listItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
	Thumb string `json:"thumb,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rel := sandbox.CleanRelPath(r.URL.Query().Get("path"))
	abs, err := s.box.Resolve(rel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	if !st.IsDir() {
		http.Error(w, "not a directory", http.StatusBadRequest)
		return
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read dir", apperr.ErrInternal))
		return
	}
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		childRel := sandbox.JoinRel(rel, name)
		it := listItem{
			Name:  name,
			Path:  childRel,
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(name)
			if isImageExt(strings.ToLower(filepath.Ext(name))) {
				it.Thumb = "/thumb?path=" + url.QueryEscape(childRel)
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	writeJSON(w, map[string]any{"path": rel, "items": items})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := sandbox.CleanRelPath(strings.TrimPrefix(r.URL.Path, "/f/"))
	abs, err := s.box.Resolve(rel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: open", apperr.ErrInternal))
		return
	}
	defer f.Close()

	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	timeoutMs, _ := strconv.Atoi(q.Get("timeoutMs"))
	out, err := s.engine.Search(
		r.Context(),
		q.Get("path"),
		q.Get("q"),
		limit,
		time.Duration(timeoutMs)*time.Millisecond,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	abs, err := s.box.Resolve(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := os.Stat(abs); err == nil {
		s.writeError(w, apperr.ErrConflict)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		s.writeError(w, fmt.Errorf("%w: mkdir", apperr.ErrInternal))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	fromAbs, err := s.box.Resolve(req.From)
	if err != nil {
		s.writeError(w, err)
		return
	}
	toAbs, err := s.box.Resolve(req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := os.Stat(fromAbs); err != nil {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	if _, err := os.Stat(toAbs); err == nil {
		s.writeError(w, apperr.ErrConflict)
		return
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		s.writeError(w, fmt.Errorf("%w: mkdir", apperr.ErrInternal))
		return
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		s.writeError(w, fmt.Errorf("%w: rename", apperr.ErrInternal))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	// the root itself is never a deletion target
	if sandbox.CleanRelPath(req.Path) == "" {
		s.writeError(w, apperr.ErrForbidden)
		return
	}
	abs, err := s.box.Resolve(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		s.writeError(w, fmt.Errorf("%w: delete", apperr.ErrInternal))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

const maxSaveBytes = 4 << 20

// handleSave writes small text files (the edit surface of the UI). The
// write goes through a temp file and rename so a failed request never
// leaves a half-written file.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Content) > maxSaveBytes {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
		return
	}
	abs, err := s.box.Resolve(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if st, err := os.Stat(abs); err == nil && st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	tmp := abs + ".attic-tmp"
	if err := os.WriteFile(tmp, []byte(req.Content), 0o644); err != nil {
		s.writeError(w, fmt.Errorf("%w: write", apperr.ErrInternal))
		return
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		s.writeError(w, fmt.Errorf("%w: rename", apperr.ErrInternal))
		return
	}
	writeJSON(w, map[string]any{"ok": true, "size": len(req.Content)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	dirAbs, err := s.box.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// the client-supplied filename is untrusted: strip any directory
	// part and re-resolve the joined path
	name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(hdr.Filename, "\\", "/")))
	if name == "" || name == "." || name == string(filepath.Separator) {
		http.Error(w, "bad filename", http.StatusBadRequest)
		return
	}
	relDir, err := filepath.Rel(s.box.Root(), dirAbs)
	if err != nil {
		s.writeError(w, apperr.ErrInternal)
		return
	}
	dstAbs, err := s.box.Resolve(sandbox.JoinRel(filepath.ToSlash(relDir), name))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		s.writeError(w, fmt.Errorf("%w: state dir", apperr.ErrInternal))
		return
	}
	tmp, err := os.CreateTemp(s.cfg.StateDir, "upload-*")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: temp", apperr.ErrInternal))
		return
	}
	tmpName := tmp.Name()
	size, err := io.Copy(tmp, file)
	cerr := tmp.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(tmpName)
		s.writeError(w, fmt.Errorf("%w: upload", apperr.ErrInternal))
		return
	}
	if err := os.Rename(tmpName, dstAbs); err != nil {
		// cross-device state dir: fall back to copy
		if err := copyFile(tmpName, dstAbs); err != nil {
			_ = os.Remove(tmpName)
			s.writeError(w, fmt.Errorf("%w: store", apperr.ErrInternal))
			return
		}
		_ = os.Remove(tmpName)
	}
	writeJSON(w, map[string]any{"ok": true, "name": name, "size": size})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// handleZip streams one or more sandboxed paths as a zip archive.
// GET  /api/zip?path=<rel>
// POST /api/zip {"paths":[...], "name":"..."}
func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	var (
		paths []string
		name  string
	)
	switch r.Method {
	case http.MethodGet:
		p := sandbox.CleanRelPath(r.URL.Query().Get("path"))
		if p == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}
		paths = []string{p}
		name = filepath.Base(p)
	case http.MethodPost:
		var req struct {
			Paths []string `json:"paths"`
			Name  string   `json:"name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		for _, p := range req.Paths {
			if p = sandbox.CleanRelPath(p); p != "" {
				paths = append(paths, p)
			}
		}
		name = strings.TrimSpace(req.Name)
	default:
		methodNotAllowed(w)
		return
	}
	if len(paths) == 0 {
		http.Error(w, "missing paths", http.StatusBadRequest)
		return
	}
	if name == "" {
		if len(paths) == 1 {
			name = filepath.Base(paths[0])
		} else {
			name = "download"
		}
	}
	name = sanitizeZipBaseName(name)

	type item struct {
		rel string
		abs string
		st  os.FileInfo
	}
	items := make([]item, 0, len(paths))
	for _, p := range paths {
		abs, err := s.box.Resolve(p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			s.writeError(w, apperr.ErrNotFound)
			return
		}
		items = append(items, item{rel: p, abs: abs, st: st})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	ctx := r.Context()
	used := map[string]int{}
	uniqueTop := func(base string) string {
		base = sanitizeZipPath(base)
		if base == "" {
			base = "item"
		}
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return base
		}
		ext := filepath.Ext(base)
		return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), n, ext)
	}

	addDir := func(baseAbs, baseRel string) error {
		return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			// Symlinks inside the tree can point anywhere; archiving
			// follows the same confinement rule as /f/.
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			relp, err := filepath.Rel(baseAbs, p)
			if err != nil {
				return nil
			}
			zipPath := sanitizeZipPath(filepath.ToSlash(filepath.Join(baseRel, relp)))
			if zipPath == "" {
				return nil
			}
			h := &zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: time.Now()}
			if info, err := d.Info(); err == nil {
				h.Modified = info.ModTime()
			}
			wr, err := zw.CreateHeader(h)
			if err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return nil
			}
			_, _ = io.Copy(wr, f)
			_ = f.Close()
			return nil
		})
	}

	for _, it := range items {
		top := uniqueTop(filepath.Base(it.rel))
		if it.st.IsDir() {
			_ = addDir(it.abs, top)
			continue
		}
		wr, err := zw.Create(sanitizeZipPath(top))
		if err != nil {
			return
		}
		if f, err := os.Open(it.abs); err == nil {
			_, _ = io.Copy(wr, f)
			_ = f.Close()
		}
	}
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = sandbox.CleanRelPath(p)
	p = strings.ReplaceAll(p, "\x00", "")
	if p == "" {
		return ""
	}
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
