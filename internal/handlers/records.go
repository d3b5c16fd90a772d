package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lehigh-university-libraries/labasset/internal/ledger"
)

const redactedValue = "***"

func (h *Handler) HandleItems(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	if h.items == nil {
		h.writeError(w, "Inventory not configured", http.StatusServiceUnavailable)
		return
	}
	items, err := h.items.ListRecords(r.Context(), queryLimit(r, 20))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HandleItem reads one record, or patches it outside the cataloguing
// workflow. A PATCH body is passed through to the inventory as is.
func (h *Handler) HandleItem(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet, http.MethodPatch, http.MethodPut) {
		return
	}
	id, ok := pathID(r, "/api/items/")
	if !ok {
		h.writeError(w, "Invalid item id", http.StatusBadRequest)
		return
	}
	if h.items == nil {
		h.writeError(w, "Inventory not configured", http.StatusServiceUnavailable)
		return
	}

	if r.Method != http.MethodGet {
		var patch map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(patch) == 0 {
			h.writeError(w, "Nothing to update", http.StatusBadRequest)
			return
		}
		if err := h.items.UpdateRecord(r.Context(), id, patch); err != nil {
			h.writeFailure(w, err)
			return
		}
		h.logger.Info("Item updated", "record_id", id, "fields", len(patch))
	}

	rec, err := h.items.GetRecord(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"item": rec})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	if h.history == nil {
		h.writeError(w, "History not configured", http.StatusServiceUnavailable)
		return
	}
	entries, err := h.history.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.writeError(w, "Failed to read history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) HandleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, h, http.MethodGet) {
		return
	}
	id, ok := pathID(r, "/api/history/")
	if !ok {
		h.writeError(w, "Invalid record id", http.StatusBadRequest)
		return
	}
	if h.history == nil {
		h.writeError(w, "History not configured", http.StatusServiceUnavailable)
		return
	}
	entry, err := h.history.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, "No history for record", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, "Failed to read history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

// HandleConfig reads the redacted document or merges a partial update.
// Masked secrets sent back unchanged are ignored.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		h.writeError(w, "Configuration not available", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.config.Redacted())
	case http.MethodPut:
		var partial map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&partial); err != nil {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		dropRedacted(partial)
		if err := h.config.Update(partial); err != nil {
			h.writeError(w, "Failed to save configuration: "+err.Error(), http.StatusInternalServerError)
			return
		}
		h.logger.Info("Configuration updated", "sections", len(partial))
		h.writeJSON(w, http.StatusOK, h.config.Redacted())
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func dropRedacted(m map[string]any) {
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if t == redactedValue {
				delete(m, k)
			}
		case map[string]any:
			dropRedacted(t)
		}
	}
}
