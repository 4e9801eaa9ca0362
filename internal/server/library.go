package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
)

// DefaultLibraryPaths are tried in order when no client library path is
// configured: the published build first, then the development bundle.
var DefaultLibraryPaths = []string{
	"static/v1/context.min.js",
	"lib/dist/index.min.js",
}

// clientLibrary is the browser collector script served at
// /v1/context.min.js, read once at startup.
type clientLibrary struct {
	path string
	body []byte
	hash string
}

// loadClientLibrary reads the first path that exists. It returns nil and
// no error when none do.
func loadClientLibrary(paths []string) (*clientLibrary, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		body, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading client library %s: %w", path, err)
		}
		sum := sha256.Sum256(body)
		return &clientLibrary{path: path, body: body, hash: hex.EncodeToString(sum[:])}, nil
	}
	return nil, nil
}

func (l *clientLibrary) etag() string {
	return `"` + l.hash + `"`
}

// matches reports whether an If-None-Match header names this version.
// Quoted, unquoted and weak tags are all accepted.
func (l *clientLibrary) matches(ifNoneMatch string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == "*" || candidate == l.hash {
			return true
		}
	}
	return false
}

func (s *Server) handleClientLibrary(w http.ResponseWriter, r *http.Request) {
	lib := s.library
	if lib == nil {
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("ETag", lib.etag())

	if inm := r.Header.Get("If-None-Match"); inm != "" && lib.matches(inm) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/javascript")
	h.Set("Content-Length", fmt.Sprint(len(lib.body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(lib.body)
	}
}
