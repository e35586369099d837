package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/middleware"
	"github.com/chronicle-db/chronicle/internal/repository"
)

// Handler serves the versioned entity API.
type Handler struct {
	entities     repository.EntityRepository
	associations repository.AssociationRepository
	logger       zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(entities repository.EntityRepository, associations repository.AssociationRepository, logger zerolog.Logger) *Handler {
	return &Handler{
		entities:     entities,
		associations: associations,
		logger:       logger,
	}
}

// Register mounts every route on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /entities", h.handleCreate)
	mux.HandleFunc("GET /entities", h.handleList)
	mux.HandleFunc("GET /entities/{identity}", h.handleGet)
	mux.HandleFunc("PATCH /entities/{identity}", h.handleUpdate)
	mux.HandleFunc("DELETE /entities/{identity}", h.handleDelete)
	mux.HandleFunc("POST /entities/{identity}/clone", h.handleClone)
	mux.HandleFunc("GET /entities/{identity}/history", h.handleHistory)
	mux.HandleFunc("GET /entities/{identity}/references/{property}", h.handleReference)

	mux.HandleFunc("GET /entities/{identity}/associations/{relation}", h.handleMembers)
	mux.HandleFunc("GET /entities/{identity}/associations/{relation}/reverse", h.handleReverseMembers)
	mux.HandleFunc("GET /entities/{identity}/associations/{relation}/rows", h.handleAssociationRows)
	mux.HandleFunc("POST /entities/{identity}/associations/{relation}", h.handleAssociationAdd)
	mux.HandleFunc("PUT /entities/{identity}/associations/{relation}", h.handleAssociationSet)
	mux.HandleFunc("DELETE /entities/{identity}/associations/{relation}/{target}", h.handleAssociationRemove)

	mux.HandleFunc("GET /versions/{id}", h.handleGetVersion)
	mux.HandleFunc("POST /versions/{id}/restore", h.handleRestore)
	mux.HandleFunc("GET /versions/{id}/previous", h.navigationHandler(h.entities.PreviousVersion))
	mux.HandleFunc("GET /versions/{id}/next", h.navigationHandler(h.entities.NextVersion))
	mux.HandleFunc("GET /versions/{id}/current", h.navigationHandler(h.entities.CurrentVersion))
}

type createPayload struct {
	EntityType string         `json:"entity_type"`
	Properties map[string]any `json:"properties"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(payload.EntityType) == "" {
		writeBadRequest(w, errors.New("entity_type is required"))
		return
	}

	entity, err := h.entities.Create(r.Context(), domain.NewEntity(payload.EntityType, payload.Properties))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityJSON(entity))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	at, err := parseQueryTime(query.Get("as_of"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	opts := repository.ListOptions{
		EntityType: query.Get("entity_type"),
		At:         at,
	}
	for key, values := range query {
		if name, ok := strings.CutPrefix(key, "prop."); ok && len(values) > 0 {
			if opts.PropertyEquals == nil {
				opts.PropertyEquals = make(map[string]string)
			}
			opts.PropertyEquals[name] = values[0]
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil || opts.Limit <= 0 {
			writeBadRequest(w, errors.New("limit must be a positive integer"))
			return
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if opts.Offset, err = strconv.Atoi(raw); err != nil || opts.Offset < 0 {
			writeBadRequest(w, errors.New("offset must be zero or positive"))
			return
		}
	}

	entities, total, err := h.entities.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": toEntityListJSON(entities),
		"total": total,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	at, err := parseQueryTime(r.URL.Query().Get("as_of"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	entity, err := h.entities.GetByIdentity(r.Context(), identity, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityJSON(entity))
}

type updatePayload struct {
	Properties map[string]any `json:"properties"`
}

// handleUpdate replaces the payload of the current version without opening
// a new one. Clone first to get a new version.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, fmt.Errorf("invalid payload: %w", err))
		return
	}

	current, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	updated, err := h.entities.Update(r.Context(), current.WithProperties(payload.Properties))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityJSON(updated))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}

	current, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.entities.Delete(r.Context(), current); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClone(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}

	current, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	successor, err := h.entities.Clone(r.Context(), current)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityJSON(successor))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}

	versions, err := h.entities.History(r.Context(), identity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(versions) == 0 {
		h.writeError(w, &domain.NotFoundError{Identity: identity, At: domain.Unrestricted()})
		return
	}
	writeJSON(w, http.StatusOK, toEntityListJSON(versions))
}

// handleReference resolves an identity-valued payload property to the
// version valid at the owner's query time. Goes through the per-request
// batching loader when one is installed.
func (h *Handler) handleReference(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	property := r.PathValue("property")
	at, err := parseQueryTime(r.URL.Query().Get("as_of"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	owner, err := h.entities.GetByIdentity(r.Context(), identity, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	target, ok := owner.ReferenceProperty(property)
	if !ok {
		writeBadRequest(w, fmt.Errorf("property %q is not a reference", property))
		return
	}

	var resolved domain.Entity
	if loader := middleware.ReferenceLoaderFromContext(r.Context()); loader != nil {
		resolved, err = loader.Load(r.Context(), target, owner.AsOf)
	} else {
		resolved, err = h.entities.ResolveReference(r.Context(), target, owner.AsOf)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityJSON(resolved))
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	h.serveMembers(w, r, h.associations.Members)
}

func (h *Handler) handleReverseMembers(w http.ResponseWriter, r *http.Request) {
	h.serveMembers(w, r, h.associations.ReverseMembers)
}

func (h *Handler) serveMembers(w http.ResponseWriter, r *http.Request, traverse func(ctx context.Context, owner domain.Entity, relation string) ([]domain.Entity, error)) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	relation := r.PathValue("relation")
	at, err := parseQueryTime(r.URL.Query().Get("as_of"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	owner, err := h.entities.GetByIdentity(r.Context(), identity, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	members, err := traverse(r.Context(), owner, relation)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityListJSON(members))
}

func (h *Handler) handleAssociationRows(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	relation := r.PathValue("relation")
	at, err := parseQueryTime(r.URL.Query().Get("as_of"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	rows, err := h.associations.Associations(r.Context(), identity, relation, at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]associationJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toAssociationJSON(row))
	}
	writeJSON(w, http.StatusOK, out)
}

type associationPayload struct {
	Target uuid.UUID `json:"target"`
}

func (h *Handler) handleAssociationAdd(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	relation := r.PathValue("relation")
	var payload associationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if payload.Target == uuid.Nil {
		writeBadRequest(w, errors.New("target is required"))
		return
	}

	owner, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	other, err := h.entities.GetByIdentity(r.Context(), payload.Target, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.associations.Add(r.Context(), owner, relation, other); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type associationSetPayload struct {
	Targets []uuid.UUID `json:"targets"`
}

func (h *Handler) handleAssociationSet(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	relation := r.PathValue("relation")
	var payload associationSetPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, fmt.Errorf("invalid payload: %w", err))
		return
	}

	owner, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.associations.Set(r.Context(), owner, relation, payload.Targets); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssociationRemove(w http.ResponseWriter, r *http.Request) {
	identity, err := uuid.Parse(r.PathValue("identity"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid identity: %w", err))
		return
	}
	relation := r.PathValue("relation")
	target, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid target: %w", err))
		return
	}

	owner, err := h.entities.GetByIdentity(r.Context(), identity, domain.Current())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.associations.Remove(r.Context(), owner, relation, target); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid version id: %w", err))
		return
	}

	entity, err := h.entities.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityJSON(entity))
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid version id: %w", err))
		return
	}

	entity, err := h.entities.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	restored, err := h.entities.Restore(r.Context(), entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityJSON(restored))
}

type navigationFunc func(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error)

func (h *Handler) navigationHandler(navigate navigationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid version id: %w", err))
			return
		}
		relations, err := parseRelationsAsOf(r.URL.Query().Get("relations_as_of"))
		if err != nil {
			writeBadRequest(w, err)
			return
		}

		entity, err := h.entities.GetByID(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		result, err := navigate(r.Context(), entity, relations)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntityJSON(result))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		notFound  *domain.NotFoundError
		invalid   *domain.InvalidVersionError
		forbidden *domain.ForbiddenOperationError
		rangeErr  *domain.RangeError
		conflict  *domain.ConcurrentModificationError
	)
	switch {
	case errors.As(err, &notFound):
		writeErrorJSON(w, http.StatusNotFound, err)
	case errors.As(err, &rangeErr):
		writeErrorJSON(w, http.StatusBadRequest, err)
	case errors.As(err, &invalid):
		writeErrorJSON(w, http.StatusConflict, err)
	case errors.As(err, &conflict):
		writeErrorJSON(w, http.StatusConflict, err)
	case errors.As(err, &forbidden):
		writeErrorJSON(w, http.StatusForbidden, err)
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeErrorJSON(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeErrorJSON(w, http.StatusBadRequest, err)
}

func writeErrorJSON(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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

func parseRelationsAsOf(raw string) (domain.RelationsAsOf, error) {
	switch raw {
	case "", "end":
		return domain.RelationsAsOfEnd(), nil
	case "start":
		return domain.RelationsAsOfStart(), nil
	case "unrestricted":
		return domain.RelationsUnrestricted(), nil
	default:
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.RelationsAsOf{}, fmt.Errorf("invalid relations_as_of %q: %w", raw, err)
		}
		return domain.RelationsAt(at), nil
	}
}
