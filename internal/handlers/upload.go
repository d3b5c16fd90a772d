package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/images"
)

// HandleImage acquires a new image from an upload, a URL or the camera.
func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		h.handleJSONImage(w, r)
		return
	}
	h.handleFileUpload(w, r)
}

// HandleCapture takes a still from the configured camera.
func (h *Handler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}
	h.capture(w, r)
}

func (h *Handler) handleJSONImage(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ImageURL string `json:"image_url"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&request); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case request.Source == "camera":
		h.capture(w, r)
	case request.ImageURL != "":
		h.acquire(w, r, images.NewURLSource(request.ImageURL, h.limits), "url")
	default:
		h.writeError(w, "image_url or source is required", http.StatusBadRequest)
	}
}

func (h *Handler) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("files")
		if err != nil {
			h.writeError(w, "Failed to read file: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		h.writeError(w, "Failed to read file contents: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		h.writeError(w, "File too large (max 10MB)", http.StatusRequestEntityTooLarge)
		return
	}

	h.acquire(w, r, &images.BytesSource{Data: data, Filename: header.Filename, Limits: h.limits}, "upload")
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	if h.camera == nil {
		h.writeError(w, "Camera not configured", http.StatusServiceUnavailable)
		return
	}
	h.acquire(w, r, h.camera, "camera")
}

// HandleCameraStatus reports whether a camera is configured and claimed.
func (h *Handler) HandleCameraStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	if h.camera == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"configured": true, "status": h.camera.Status()})
}

func (h *Handler) acquire(w http.ResponseWriter, r *http.Request, src images.Source, kind string) {
	if err := h.flow.AcquireImage(r.Context(), src); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.logger.Info("Image acquired", "source", kind)
	h.writeState(w, http.StatusOK, map[string]any{"source": kind})
}
