package httpserver

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"attic/internal/apperr"
	"attic/internal/sandbox"
)

// Owner surface. Requires a session and, for mutations, a valid CSRF
// pair (enforced by the route wiring).

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"shares": s.shares.List()})
	case http.MethodPost:
		var req struct {
			Path          string `json:"path"`
			DurationHours int    `json:"durationHours"`
		}
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		view, err := s.shares.Create(req.Path, req.DurationHours)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, view)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleShareDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/shares/"), "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if err := s.shares.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// Anonymous surface under /s/. A share bypasses sessions on purpose:
// once the access code is verified, the minted bearer token is the only
// credential, and it is scoped to that one share.
//
//	POST /s/{id}/verify          {"code":"..."} -> {"token":"..."}
//	GET  /s/{id}?sub=<rel>       listing (dir share) or content (file)
//	GET  /s/{id}/dl?sub=<rel>    content with attachment disposition
func (s *Server) handleSharePublic(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/s/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "verify":
		s.handleShareVerify(w, r, id)
	case "", "dl":
		s.handleShareAccess(w, r, id, action == "dl")
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleShareVerify(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	token, err := s.shares.Verify(id, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"token": token})
}

func (s *Server) handleShareAccess(w http.ResponseWriter, r *http.Request, id string, download bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	token := r.Header.Get(shareHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	sub := r.URL.Query().Get("sub")
	abs, err := s.shares.Access(id, token, sub)
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
		s.writeShareListing(w, id, abs, sandbox.CleanRelPath(sub))
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
	if download {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// writeShareListing renders a directory share listing. Paths in the
// response are relative to the share root, never the global root.
func (s *Server) writeShareListing(w http.ResponseWriter, id, abs, sub string) {
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
		it := listItem{
			Name:  name,
			Path:  sandbox.JoinRel(sub, name),
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(name)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	writeJSON(w, map[string]any{
		"share": id,
		"sub":   sub,
		"items": items,
	})
}
