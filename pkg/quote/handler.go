package quote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/throneworks/quoteflow/internal/config"
	"github.com/throneworks/quoteflow/internal/httpserver"
	"github.com/throneworks/quoteflow/internal/telemetry"
)

// DefaultDeadline is the wall-clock budget enforced on /quote.
const DefaultDeadline = 3 * time.Second

// Handler exposes the synchronous quote endpoint.
type Handler struct {
	builder  *Builder
	deadline time.Duration
	live     *config.Live
}

// NewHandler builds a Handler. deadline<=0 uses DefaultDeadline.
func NewHandler(builder *Builder, deadline time.Duration) *Handler {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Handler{builder: builder, deadline: deadline}
}

// WithLive attaches the hot-reloadable config accessor: once set, every
// request reads T_quote_deadline_ms from the latest reloaded snapshot
// instead of the value fixed at construction time.
func (h *Handler) WithLive(live *config.Live) *Handler {
	h.live = live
	return h
}

func (h *Handler) currentDeadline() time.Duration {
	if h.live == nil {
		return h.deadline
	}
	return h.live.Get().TQuoteDeadline()
}

// Routes returns a standalone router serving POST /quote, useful for
// testing this handler in isolation.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers POST /quote directly onto an existing router, so it can
// share a route tree with other domain handlers at the same prefix.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/quote", h.handleQuote)
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondKindError(w, r, http.StatusBadRequest, string(KindInvalidRequest), err.Error())
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), h.currentDeadline())
	defer cancel()

	result, qerr := h.builder.Build(ctx, req)
	telemetry.QuoteLatencySeconds.Observe(time.Since(start).Seconds())

	if qerr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			httpserver.RespondKindError(w, r, http.StatusGatewayTimeout, string(KindDeadline), "quote computation exceeded its deadline")
			return
		}
		writeQuoteError(w, r, qerr)
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}

func writeQuoteError(w http.ResponseWriter, r *http.Request, err *Error) {
	switch err.Kind {
	case KindInvalidRequest:
		httpserver.RespondKindError(w, r, http.StatusBadRequest, string(err.Kind), err.Message)
	case KindUndeliverable:
		httpserver.RespondKindError(w, r, http.StatusNotFound, string(err.Kind), err.Message)
	case KindCatalogUnavailable:
		httpserver.RespondKindErrorWithExtra(w, r, http.StatusServiceUnavailable, string(err.Kind), err.Message,
			map[string]any{"retry_after_seconds": int(err.RetryAfter.Seconds())})
	case KindFallbackUnavailable:
		httpserver.RespondKindError(w, r, http.StatusInternalServerError, string(err.Kind), err.Message)
	case KindDeadline:
		httpserver.RespondKindError(w, r, http.StatusGatewayTimeout, string(err.Kind), err.Message)
	default:
		httpserver.RespondKindError(w, r, http.StatusInternalServerError, string(KindInternal), "internal error")
	}
}
