package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Handler exposes ingestion as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHandler wraps the service with an upload endpoint.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the ingestion route on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest", h.handleIngest)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	entityType := strings.TrimSpace(r.FormValue("entity_type"))
	if entityType == "" {
		http.Error(w, "entity_type is required", http.StatusBadRequest)
		return
	}
	keyProperty := strings.TrimSpace(r.FormValue("key_property"))
	if keyProperty == "" {
		http.Error(w, "key_property is required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	summary, err := h.service.Ingest(r.Context(), Request{
		EntityType:  entityType,
		KeyProperty: keyProperty,
		FileName:    header.Filename,
		Data:        bytes.NewReader(data),
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusUnsupportedMediaType
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
