package httpserver

import (
	"net/http"

	"attic/internal/auth"
)

// handleLogin exchanges credentials for a session cookie plus a CSRF
// cookie. With auth disabled the endpoint does not exist.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.HasAuth() {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	token, csrf, err := s.authority.Login(req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ttl := int(s.cfg.Auth.SessionTTL.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   ttl,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// readable by the client so it can echo the value in the CSRF
	// header (double-submit)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    csrf,
		Path:     "/",
		MaxAge:   ttl,
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, map[string]any{"ok": true, "user": req.Username})
}

// handleLogout clears this client's cookies only. Other sessions
// survive; global invalidation is a separate admin action.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	clearCookie(w, sessionCookie, true)
	clearCookie(w, csrfCookie, false)
	writeJSON(w, map[string]any{"ok": true})
}

// handleInvalidate bumps the global session epoch: every token issued
// before this instant fails on its next use.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.authority.InvalidateAll()
	clearCookie(w, sessionCookie, true)
	clearCookie(w, csrfCookie, false)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"user":        auth.UserFromContext(r.Context()),
		"authEnabled": s.cfg.HasAuth(),
	})
}

func clearCookie(w http.ResponseWriter, name string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: httpOnly,
	})
}
