package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/config"
	"github.com/lehigh-university-libraries/labasset/internal/elabftw"
	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/lehigh-university-libraries/labasset/internal/ledger"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/lehigh-university-libraries/labasset/internal/workflow"
)

// Inventory reads and patches records outside the cataloguing workflow
type Inventory interface {
	ListRecords(ctx context.Context, limit int) ([]models.Record, error)
	GetRecord(ctx context.Context, id int) (*models.Record, error)
	UpdateRecord(ctx context.Context, id int, patch map[string]any) error
	TemplateByID(ctx context.Context, id int) (*models.Template, error)
}

// History reads local ledger entries
type History interface {
	List(ctx context.Context, limit int) ([]models.LedgerEntry, error)
	Get(ctx context.Context, recordID int) (*models.LedgerEntry, error)
}

// Camera is a capture source that can report its device state
type Camera interface {
	images.Source
	Status() images.CameraStatus
}

// LabelDir names the directory rendered labels are served from
type LabelDir interface {
	Dir() string
}

// StaticDir is a fixed label directory.
type StaticDir string

func (d StaticDir) Dir() string { return string(d) }

// Options wires a Handler. Items, History, Camera and Labels may be nil.
type Options struct {
	Workflow *workflow.Orchestrator
	Config   *config.Store
	Items    Inventory
	History  History
	Camera   Camera
	Labels   LabelDir
	Limits   images.Limits
	Logger   *slog.Logger
}

type Handler struct {
	flow    *workflow.Orchestrator
	config  *config.Store
	items   Inventory
	history History
	camera  Camera
	labels  LabelDir
	limits  images.Limits
	logger  *slog.Logger
}

const maxUploadBytes = 10 * 1024 * 1024

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	labels := opts.Labels
	if labels == nil {
		labels = StaticDir("")
	}
	return &Handler{
		flow:    opts.Workflow,
		config:  opts.Config,
		items:   opts.Items,
		history: opts.History,
		camera:  opts.Camera,
		labels:  labels,
		limits:  opts.Limits,
		logger:  logger.With("component", "http"),
	}
}

// labelDir is read per request so a changed storage.qrcode_dir is served.
func (h *Handler) labelDir() string {
	if dir := h.labels.Dir(); dir != "" {
		return dir
	}
	return "qrcodes"
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", h.HandleHealthcheck)
	mux.HandleFunc("/api/state", h.HandleState)
	mux.HandleFunc("/api/image", h.HandleImage)
	mux.HandleFunc("/api/camera/capture", h.HandleCapture)
	mux.HandleFunc("/api/camera/status", h.HandleCameraStatus)
	mux.HandleFunc("/api/templates", h.HandleTemplates)
	mux.HandleFunc("/api/templates/", h.HandleTemplate)
	mux.HandleFunc("/api/template", h.HandleSelectTemplate)
	mux.HandleFunc("/api/analyze", h.HandleAnalyze)
	mux.HandleFunc("/api/result", h.HandleResult)
	mux.HandleFunc("/api/commit", h.HandleCommit)
	mux.HandleFunc("/api/label", h.HandleLabel)
	mux.HandleFunc("/api/recover", h.HandleRecover)
	mux.HandleFunc("/api/labels/", h.HandleLabelFile)
	mux.HandleFunc("/api/items", h.HandleItems)
	mux.HandleFunc("/api/items/", h.HandleItem)
	mux.HandleFunc("/api/history", h.HandleHistory)
	mux.HandleFunc("/api/history/", h.HandleHistoryEntry)
	mux.HandleFunc("/api/config", h.HandleConfig)
	mux.HandleFunc("/api/events", h.HandleEvents)
	return mux
}

func (h *Handler) HandleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Error("Unable to write healthcheck", "err", err)
	}
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Unable to encode JSON response", "err", err)
	}
}

// writeState sends the current snapshot plus any extra fields.
func (h *Handler) writeState(w http.ResponseWriter, code int, extra map[string]any) {
	body := map[string]any{}
	if h.flow != nil {
		body["snapshot"] = h.flow.Snapshot()
	}
	for k, v := range extra {
		body[k] = v
	}
	h.writeJSON(w, code, body)
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	h.logger.Error(message, "status", code)
	h.writeState(w, code, map[string]any{"error": message})
}

// writeFailure maps err to a status code and sends it with the snapshot.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "status", code, "error", err)
	} else {
		h.logger.Warn("Request rejected", "status", code, "error", err)
	}
	h.writeState(w, code, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrUnknownTemplate),
		errors.Is(err, elabftw.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrBusy),
		errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrNoTemplate),
		errors.Is(err, workflow.ErrNoImage),
		errors.Is(err, workflow.ErrEmptyResult),
		errors.Is(err, workflow.ErrAlreadyCommitted),
		errors.Is(err, workflow.ErrNotCommitted),
		errors.Is(err, images.ErrCameraBusy):
		return http.StatusConflict
	case errors.Is(err, images.ErrEmpty), errors.Is(err, images.ErrNotImage):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func allowMethod(w http.ResponseWriter, r *http.Request, h *Handler, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// pathID parses the positive record or template id after prefix.
func pathID(r *http.Request, prefix string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, prefix))
	return id, err == nil && id > 0
}

func wantWait(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return ok
}
