// Package httpserver wires the core components (sandbox, sessions,
// CSRF, search, shares) into an HTTP surface. Handlers here only parse
// requests and map typed failures to statuses; the invariants live in
// the packages they call.
package httpserver

import (
	"encoding/json"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/webdav"

	"attic/internal/apperr"
	"attic/internal/auth"
	"attic/internal/config"
	"attic/internal/sandbox"
	"attic/internal/search"
	"attic/internal/share"
)

const (
	sessionCookie = "attic_session"
	csrfCookie    = "attic_csrf"
	csrfHeader    = "X-Csrf-Token"
	shareHeader   = "X-Share-Token"
)

type Options struct {
	Config config.Config
	Logger *logrus.Logger
}

type Server struct {
	cfg       config.Config
	log       *logrus.Entry
	box       *sandbox.Sandbox
	authority *auth.Authority
	engine    *search.Engine
	shares    *share.Registry
}

func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("component", "http")

	box, err := sandbox.New(opts.Config.Root)
	if err != nil {
		return nil, err
	}
	authority := auth.NewAuthority(
		[]byte(opts.Config.Auth.SessionSecret),
		opts.Config.Auth.Username,
		opts.Config.Auth.Password,
		opts.Config.Auth.SessionTTL,
		logrus.NewEntry(log),
	)
	engine := search.New(box, opts.Config.Search.MaxResults, opts.Config.Search.MaxTimeout, logrus.NewEntry(log))
	shares := share.NewRegistry(box, opts.Config.Share.SweepInterval, logrus.NewEntry(log))
	shares.StartSweeper()

	return &Server{
		cfg:       opts.Config,
		log:       entry,
		box:       box,
		authority: authority,
		engine:    engine,
		shares:    shares,
	}, nil
}

// Close stops background work (the share sweeper).
func (s *Server) Close() { s.shares.Close() }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	// session lifecycle
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/auth/logout", s.session(http.HandlerFunc(s.handleLogout)))
	mux.Handle("/api/auth/invalidate", s.session(s.csrf(http.HandlerFunc(s.handleInvalidate))))
	mux.Handle("/api/auth/whoami", s.session(http.HandlerFunc(s.handleWhoami)))

	// browsing and file ops
	mux.Handle("/api/list", s.session(http.HandlerFunc(s.handleList)))
	mux.Handle("/f/", s.session(http.HandlerFunc(s.handleFile)))
	mux.Handle("/thumb", s.session(http.HandlerFunc(s.handleThumb)))
	mux.Handle("/api/search", s.session(http.HandlerFunc(s.handleSearch)))
	mux.Handle("/api/zip", s.session(http.HandlerFunc(s.handleZip)))
	mux.Handle("/api/mkdir", s.session(s.csrf(http.HandlerFunc(s.handleMkdir))))
	mux.Handle("/api/rename", s.session(s.csrf(http.HandlerFunc(s.handleRename))))
	mux.Handle("/api/delete", s.session(s.csrf(http.HandlerFunc(s.handleDelete))))
	mux.Handle("/api/save", s.session(s.csrf(http.HandlerFunc(s.handleSave))))
	mux.Handle("/api/upload", s.session(s.csrf(http.HandlerFunc(s.handleUpload))))

	// shares: owner surface (authenticated), then the anonymous
	// verify/access surface which deliberately bypasses sessions
	mux.Handle("/api/shares", s.session(s.csrf(http.HandlerFunc(s.handleShares))))
	mux.Handle("/api/shares/", s.session(s.csrf(http.HandlerFunc(s.handleShareDelete))))
	mux.HandleFunc("/s/", s.handleSharePublic)

	// WebDAV, gated by the same sessions as the API
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: davFS{box: s.box},
		LockSystem: webdav.NewMemLS(),
	}
	mux.Handle("/dav/", s.session(dav))

	return s.withHeaders(mux)
}

// session authenticates the request when auth is enabled and attaches
// the subject to the context. All token failures produce one generic
// 401; the distinct reason only reaches the audit log.
func (s *Server) session(next http.Handler) http.Handler {
	if !s.cfg.HasAuth() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
		subject, err := s.authority.Authenticate(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), subject)))
	})
}

// csrf enforces the double-submit check on state-changing verbs. Reads
// pass through; with auth disabled there is no session to forge and the
// check is skipped entirely.
func (s *Server) csrf(next http.Handler) http.Handler {
	if !s.cfg.HasAuth() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		var cookieVal string
		if c, err := r.Cookie(csrfCookie); err == nil {
			cookieVal = c.Value
		}
		if err := auth.ValidateCsrf(cookieVal, r.Header.Get(csrfHeader)); err != nil {
			s.log.WithField("path", r.URL.Path).Warn("csrf rejected")
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apperr.ClientMessage(err)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".go", ".js", ".ts", ".py", ".rs", ".c", ".h", ".sh", ".css", ".html":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".tar":
		return "application/x-tar"
	case ".gz":
		return "application/gzip"
	default:
		return ""
	}
}
