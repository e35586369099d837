package export

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chronicle-db/chronicle/internal/domain"
)

// Handler serves export downloads.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

// NewHandler creates an export handler.
func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the export routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /export/entities/{identity}/history", h.handleHistory)
	mux.HandleFunc("GET /export/entities", h.handleSnapshot)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid identity: %v", err), http.StatusBadRequest)
		return
	}
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	setDownloadHeaders(w, format, fmt.Sprintf("history-%s", identity))
	if err := h.service.History(r.Context(), w, format, identity); err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Stringer("identity", identity).Msg("history export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
	}
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityType := query.Get("entity_type")
	if entityType == "" {
		http.Error(w, "entity_type is required", http.StatusBadRequest)
		return
	}
	format, err := ParseFormat(query.Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	at, err := parseQueryTime(query.Get("as_of"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	setDownloadHeaders(w, format, entityType)
	err = h.service.Snapshot(r.Context(), w, format, SnapshotRequest{
		EntityType: entityType,
		At:         at,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("entity_type", entityType).Msg("snapshot export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
	}
}

func setDownloadHeaders(w http.ResponseWriter, format Format, base string) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+"."+format.Extension()))
}

func parseQueryTime(raw string) (domain.QueryTime, error) {
	switch raw {
	case "":
		return domain.Current(), nil
	case "unrestricted":
		return domain.Unrestricted(), nil
	default:
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.QueryTime{}, fmt.Errorf("invalid as_of %q: %w", raw, err)
		}
		return domain.AsOf(at), nil
	}
}
