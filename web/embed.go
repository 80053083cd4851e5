// Package web embeds the participant frontend (dist/) and serves it as a
// single-page application.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// reservedPrefixes are never answered with index.html, so a mistyped API
// call gets a 404 instead of the chat page.
var reservedPrefixes = []string{"api/", "ws/"}

type spaHandler struct {
	files      fs.FS
	fileServer http.Handler
}

// SPAHandler returns an http.Handler that serves the embedded frontend.
// Paths that do not match a file fall back to index.html.
func SPAHandler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return &spaHandler{files: subFS, fileServer: http.FileServer(http.FS(subFS))}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			http.NotFound(w, r)
			return
		}
	}

	if name != "" && h.exists(name) {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// index.html changes with every deploy
	w.Header().Set("Cache-Control", "no-cache")
	r.URL.Path = "/"
	h.fileServer.ServeHTTP(w, r)
}

func (h *spaHandler) exists(name string) bool {
	f, err := h.files.Open(name)
	if err != nil {
		return false
	}
	if closeErr := f.Close(); closeErr != nil {
		slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
	}
	return true
}
