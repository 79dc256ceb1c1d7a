package location

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/throneworks/quoteflow/internal/httpserver"
)

// Handler exposes the fire-and-forget lookup endpoint.
type Handler struct {
	lookup *Lookup
}

// NewHandler builds a Handler.
func NewHandler(lookup *Lookup) *Handler {
	return &Handler{lookup: lookup}
}

// Routes returns a standalone router serving the location-lookup
// endpoints, useful for testing this handler in isolation.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the location-lookup endpoints directly onto an existing
// router, so it can share a route tree with other domain handlers at the
// same prefix.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/location_lookup", h.handleSchedule)
	r.Get("/location_lookup/{id}", h.handleGet)
}

type scheduleRequest struct {
	Address string `json:"address"`
}

type scheduleResponse struct {
	AuditID string `json:"audit_id"`
}

// handleSchedule validates the address and schedules the background lookup,
// returning within the endpoint's 100ms budget rather than waiting on it.
func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "body", Message: err.Error()}})
		return
	}
	if req.Address == "" {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "address", Message: "must not be empty"}})
		return
	}

	id, err := h.lookup.Schedule(r.Context(), req.Address)
	if err != nil {
		httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "unavailable", "could not schedule location lookup")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, scheduleResponse{AuditID: id})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	audit, found, err := h.lookup.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "unavailable", "could not read audit record")
		return
	}
	if !found {
		httpserver.RespondKindError(w, r, http.StatusNotFound, "not_found", "no audit record for that id")
		return
	}
	httpserver.Respond(w, http.StatusOK, audit)
}
