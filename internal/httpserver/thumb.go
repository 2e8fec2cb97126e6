package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"attic/internal/apperr"
	"attic/internal/sandbox"
)

const thumbMax = 256

// handleThumb serves a small jpeg preview for image files, cached in
// the state dir keyed by path and mtime.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rel := sandbox.CleanRelPath(r.URL.Query().Get("path"))
	abs, err := s.box.Resolve(rel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	if !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		s.writeError(w, apperr.ErrNotFound)
		return
	}

	thumbDir := filepath.Join(s.cfg.StateDir, "thumbs")
	_ = os.MkdirAll(thumbDir, 0o755)
	key := fmt.Sprintf("%s-%d.jpg", cacheKey(rel), st.ModTime().Unix())
	cached := filepath.Join(thumbDir, key)
	if b, err := os.ReadFile(cached); err == nil {
		serveThumb(w, b)
		return
	}
	b, err := makeThumb(abs, thumbMax)
	if err != nil {
		s.writeError(w, apperr.ErrNotFound)
		return
	}
	_ = os.WriteFile(cached, b, 0o644)
	serveThumb(w, b)
}

func serveThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

func cacheKey(rel string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	k := repl.Replace(rel)
	if k == "" {
		k = "root"
	}
	return k
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w >= h && w > max {
		nw = max
		nh = int(float64(h) * (float64(max) / float64(w)))
	} else if h > w && h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
