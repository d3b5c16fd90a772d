package handlers

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// labelURL is where HandleLabelFile serves the label at path.
func labelURL(path string) string {
	if path == "" {
		return ""
	}
	return "/api/labels/" + url.PathEscape(filepath.Base(path))
}

// HandleLabelFile serves a rendered label PNG from the label directory.
func (h *Handler) HandleLabelFile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/labels/")

	// Prevent directory traversal attacks
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "Invalid file path", http.StatusBadRequest)
		return
	}
	if !strings.EqualFold(filepath.Ext(name), ".png") {
		http.Error(w, "Invalid file path", http.StatusBadRequest)
		return
	}

	fullPath := filepath.Join(h.labelDir(), name)
	if _, err := os.Stat(fullPath); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, fullPath)
}
