package latency

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/throneworks/quoteflow/internal/httpserver"
)

// Handler exposes the C8 read-only query surface over recorded latency data.
type Handler struct {
	reader *Reader
}

// NewHandler builds a Handler.
func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

// Routes returns a standalone router serving the metrics readback
// endpoints, useful for testing this handler in isolation.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the metrics readback endpoints directly onto an existing
// router, so it can share a route tree with other domain handlers at the
// same prefix.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/metrics/percentiles", h.handlePercentiles)
	r.Get("/metrics/averages", h.handleAverages)
}

func (h *Handler) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "service", Message: "must not be empty"}})
		return
	}
	pStr := r.URL.Query().Get("p")
	p, err := strconv.Atoi(pStr)
	if err != nil {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "p", Message: "must be an integer percentile"}})
		return
	}

	res, err := h.reader.Percentiles(r.Context(), service, p)
	if err != nil {
		if err == ErrUnsupportedPercentile {
			httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "p", Message: "must be one of 50, 90, 95, 99"}})
			return
		}
		httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "cache_unavailable", "could not read latency data")
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleAverages(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reader.AllServicesSummary(r.Context())
	if err != nil {
		httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "cache_unavailable", "could not read latency data")
		return
	}
	httpserver.Respond(w, http.StatusOK, summary)
}
