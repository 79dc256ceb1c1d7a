// Package admin exposes the operator-facing surface: an on-demand catalog
// sync trigger, a cache key-family clear, and a config hot reload, all gated
// behind the same API-key middleware as the quoting endpoints.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/throneworks/quoteflow/internal/audit"
	"github.com/throneworks/quoteflow/internal/config"
	"github.com/throneworks/quoteflow/internal/httpserver"
	"github.com/throneworks/quoteflow/pkg/cache"
	"github.com/throneworks/quoteflow/pkg/catalog"
)

// Syncer is the subset of *catalog.Worker the handler needs.
type Syncer interface {
	Trigger(ctx context.Context) error
}

// Handler exposes POST /admin/catalog/sync, POST /admin/cache/clear, and
// POST /admin/config/reload.
type Handler struct {
	worker Syncer
	store  *cache.Store
	logger *slog.Logger
	audit  *audit.Writer
	live   *config.Live
}

// NewHandler builds a Handler. audit may be nil, in which case admin actions
// are not persisted to the durable ledger.
func NewHandler(worker Syncer, store *cache.Store, logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{worker: worker, store: store, logger: logger, audit: auditWriter}
}

// WithLive attaches the hot-reloadable config accessor, enabling
// POST /admin/config/reload. Without it, that route reports unavailable.
func (h *Handler) WithLive(live *config.Live) *Handler {
	h.live = live
	return h
}

// Routes returns a standalone router serving the admin endpoints, useful
// for testing this handler in isolation.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the admin endpoints directly onto an existing router.
// The caller mounts this under a router that already requires the API key.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/catalog/sync", h.handleSync)
	r.Post("/cache/clear", h.handleCacheClear)
	r.Post("/config/reload", h.handleConfigReload)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	err := h.worker.Trigger(r.Context())
	h.logAction(r, "catalog_sync", err)

	if err != nil {
		if errors.Is(err, catalog.ErrAlreadyRunning) {
			httpserver.RespondKindError(w, r, http.StatusConflict, "already_running", "a catalog sync is already in progress")
			return
		}
		httpserver.RespondKindError(w, r, http.StatusInternalServerError, "internal", "catalog sync failed")
		return
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// cacheScopePrefixes names the key families each clear scope drops, per the
// persisted state layout. "pricing" clears every installed catalog version
// plus the current-version pointer; "distance" clears the distance-lookup
// cache only, leaving pricing and latency data untouched.
var cacheScopePrefixes = map[string][]string{
	"pricing":  {"catalog:"},
	"distance": {"distance:"},
	"all":      {"catalog:", "distance:"},
}

func (h *Handler) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	prefixes, ok := cacheScopePrefixes[scope]
	if !ok {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{
			{Field: "scope", Message: "must be one of pricing, distance, all"},
		})
		return
	}

	ctx := r.Context()
	var cleared int
	for _, prefix := range prefixes {
		keys, err := h.store.Scan(ctx, prefix)
		if err != nil {
			h.logAction(r, "cache_clear", err)
			httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "cache_unavailable", "could not scan cache keys")
			return
		}
		for _, key := range keys {
			if err := h.store.Delete(ctx, key); err != nil {
				h.logger.Warn("admin cache clear: deleting key", "key", key, "error", err)
				continue
			}
			cleared++
		}
	}

	h.logAction(r, "cache_clear:"+scope, nil)
	httpserver.Respond(w, http.StatusOK, map[string]any{"scope": scope, "keys_cleared": cleared})
}

// handleConfigReload re-parses the environment and atomically swaps in the
// new hot-reloadable settings (sync interval, timeouts), sparing operators a
// process restart for a config change.
func (h *Handler) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		httpserver.RespondKindError(w, r, http.StatusServiceUnavailable, "reload_unavailable", "hot reload is not configured")
		return
	}

	next, err := h.live.Reload()
	h.logAction(r, "config_reload", err)
	if err != nil {
		httpserver.RespondKindError(w, r, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":                  "reloaded",
		"catalog_sync_interval_s": next.CatalogSyncIntervalS,
		"t_maps_ms":               next.TMapsMS,
		"t_quote_deadline_ms":     next.TQuoteDeadlineMS,
		"t_catalog_fetch_s":       next.TCatalogFetchS,
		"t_location_bg_s":         next.TLocationBGS,
		"t_cache_op_ms":           next.TCacheOpMS,
	})
}

func (h *Handler) logAction(r *http.Request, action string, err error) {
	if h.audit == nil {
		return
	}
	outcome := "success"
	detail := ""
	if err != nil {
		outcome = "failure"
		detail = err.Error()
	}
	h.audit.LogAdminAction(audit.AdminAction{
		ActorKeyPrefix: apiKeyPrefix(r),
		Action:         action,
		Outcome:        outcome,
		Detail:         detail,
	})
}

// apiKeyPrefix returns a short, non-sensitive prefix of the presented API
// key for audit trails, never the full secret.
func apiKeyPrefix(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	n := 8
	if len(key) <= n {
		n = len(key) / 2
	}
	return key[:n]
}
