package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lehigh-university-libraries/labasset/internal/workflow"
)

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	h.writeState(w, http.StatusOK, nil)
}

func (h *Handler) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	list, err := h.flow.Templates(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeState(w, http.StatusOK, map[string]any{"templates": list})
}

// HandleTemplate returns one item type by id.
func (h *Handler) HandleTemplate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	id, ok := pathID(r, "/api/templates/")
	if !ok {
		h.writeError(w, "Invalid template id", http.StatusBadRequest)
		return
	}
	if h.items == nil {
		h.writeError(w, "Inventory not configured", http.StatusServiceUnavailable)
		return
	}
	tmpl, err := h.items.TemplateByID(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"template": tmpl})
}

func (h *Handler) HandleSelectTemplate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPut, http.MethodPost) {
		return
	}
	var request struct {
		TemplateID int `json:"template_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&request); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if request.TemplateID <= 0 {
		h.writeError(w, "template_id is required", http.StatusBadRequest)
		return
	}
	if err := h.flow.SelectTemplate(r.Context(), request.TemplateID); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeState(w, http.StatusOK, nil)
}

// HandleAnalyze starts analysis. With ?wait=true it blocks until the
// outcome; otherwise it returns 202 and the outcome arrives as an event.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}
	var request struct {
		Instruction string `json:"instruction"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	done, err := h.flow.StartAnalysis(r.Context(), request.Instruction)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.finish(w, r, done)
}

// HandleResult replaces the analysis result with the JSON object in the body.
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPut) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, "Failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.flow.EditResultText(string(body)); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeState(w, http.StatusOK, nil)
}

func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}
	done, err := h.flow.StartCommit(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.finish(w, r, done)
}

func (h *Handler) HandleLabel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}
	path, err := h.flow.GenerateLabel(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeState(w, http.StatusOK, map[string]any{"label_url": labelURL(path)})
}

func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodPost) {
		return
	}
	if err := h.flow.Recover(); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeState(w, http.StatusOK, nil)
}

// finish waits for a background outcome when the client asked to.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, done <-chan workflow.Outcome) {
	if !wantWait(r) {
		h.writeState(w, http.StatusAccepted, nil)
		return
	}

	select {
	case out := <-done:
		if out.Err != nil {
			h.writeFailure(w, out.Err)
			return
		}
		extra := map[string]any{}
		if out.RecordID != 0 {
			extra["record_id"] = out.RecordID
		}
		if out.LabelPath != "" {
			extra["label_url"] = labelURL(out.LabelPath)
		}
		if out.LabelErr != nil {
			extra["label_error"] = out.LabelErr.Error()
		}
		h.writeState(w, http.StatusOK, extra)
	case <-r.Context().Done():
		h.writeFailure(w, r.Context().Err())
	}
}
