// Package app wires the composition root: it reads configuration, connects
// to infrastructure, builds every component (C1-C8), and starts the
// appropriate run mode. No component imports its consumers — each receives
// the narrow interface it needs from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/throneworks/quoteflow/internal/audit"
	"github.com/throneworks/quoteflow/internal/config"
	"github.com/throneworks/quoteflow/internal/httpserver"
	"github.com/throneworks/quoteflow/internal/platform"
	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/internal/version"
	"github.com/throneworks/quoteflow/pkg/admin"
	"github.com/throneworks/quoteflow/pkg/cache"
	"github.com/throneworks/quoteflow/pkg/catalog"
	"github.com/throneworks/quoteflow/pkg/distance"
	"github.com/throneworks/quoteflow/pkg/latency"
	"github.com/throneworks/quoteflow/pkg/location"
	"github.com/throneworks/quoteflow/pkg/quote"
)

// Run is the process entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting quoteflow",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "quoteflow", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing cache client", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// deps bundles the domain components shared by the api and worker modes
// (catalog sync needs to run in both: on demand from the admin endpoint in
// api mode, and on its own timer in worker mode).
type deps struct {
	store      *cache.Store
	recorder   *latency.Recorder
	syncer     *catalog.Syncer
	syncWorker *catalog.Worker
	resolver   *distance.Resolver
	lookup     *location.Lookup
	builder    *quote.Builder
	reader     *latency.Reader
	auditLog   *audit.Writer
	live       *config.Live
}

// build constructs every component and wires its dependencies, following
// the control-flow graph in order: C1 store, C2 recorder, C3 catalog sync,
// C4 distance resolver, C5 location lookup, C6 quote builder, C8 readback.
func build(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*deps, error) {
	store := cache.NewStore(rdb)
	live := config.NewLive(cfg)

	recorder := latency.NewRecorder(store, logger, cfg.LatencySampleCapacity, cfg.LatencySortedSetCap)
	reader := latency.NewReader(store, 30)

	auditLog := audit.NewWriter(db, logger)

	// No spreadsheet-specific credential is part of the config surface;
	// the sheets client authenticates via Application Default Credentials,
	// consistent with how the catalog source is deployed alongside the
	// maps provider's explicit API key.
	sheetsFetcher, err := catalog.NewSheetsFetcherWithOptions(context.Background())
	if err != nil {
		return nil, fmt.Errorf("building sheets fetcher: %w", err)
	}
	sheetSource := catalog.SheetSource{
		SpreadsheetID:   cfg.SheetID,
		RangeProducts:   cfg.SheetRangeProducts,
		RangeGenerators: cfg.SheetRangeGenerators,
		RangeBranches:   cfg.SheetRangeBranches,
		RangeConfig:     cfg.SheetRangeConfig,
	}
	syncer := catalog.NewSyncer(store, rdb, sheetsFetcher, sheetSource, logger)
	syncer = syncer.WithRunRecorder(syncRunAdapter{auditLog})
	if cfg.SlackBotToken != "" {
		syncer = syncer.WithNotifier(catalog.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel))
	}
	syncWorker := catalog.NewWorker(syncer, logger, cfg.CatalogSyncInterval()).WithLive(live)

	mapsProvider, err := distance.NewGoogleMapsProvider(cfg.MapsAPIKey)
	if err != nil {
		return nil, fmt.Errorf("building maps provider: %w", err)
	}
	resolver := distance.NewResolver(store, mapsProvider, recorder, logger, distance.DefaultTTL, distance.DefaultFallbackTTL)

	lookup := location.NewLookup(store, syncer, resolver, recorder, logger, location.DefaultDeadline, location.DefaultAuditTTL)

	builder := quote.NewBuilder(syncer, resolver, recorder, logger, cfg.TMaps()).WithLive(live)

	return &deps{
		store:      store,
		recorder:   recorder,
		syncer:     syncer,
		syncWorker: syncWorker,
		resolver:   resolver,
		lookup:     lookup,
		builder:    builder,
		reader:     reader,
		auditLog:   auditLog,
		live:       live,
	}, nil
}

// syncRunAdapter bridges catalog.SyncRunRecord to the durable audit ledger.
type syncRunAdapter struct{ w *audit.Writer }

func (a syncRunAdapter) LogSyncRun(rec catalog.SyncRunRecord) {
	a.w.LogSyncRun(audit.SyncRun{Outcome: rec.Outcome, Step: rec.Step, Cause: rec.Cause, Version: rec.Version})
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	d, err := build(cfg, logger, db, rdb)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}

	// Recorder.Close waits for its context to be cancelled, so cancel it on
	// every return path (including an http server error), not only shutdown.
	recCtx, cancelRec := context.WithCancel(ctx)
	d.recorder.Start(recCtx)
	defer d.recorder.Close()
	defer cancelRec()

	d.auditLog.Start(ctx)
	defer d.auditLog.Close()

	// Ensure a catalog snapshot exists before serving quotes, then hand
	// periodic resync off to a background goroutine so api mode stays
	// available even if worker mode is never deployed separately.
	if _, found, err := d.syncer.Current(ctx); err != nil {
		logger.Error("reading initial catalog snapshot", "error", err)
	} else if !found {
		logger.Info("no catalog snapshot installed, syncing before accepting traffic")
		if _, err := d.syncer.Sync(ctx); err != nil && !errors.Is(err, catalog.ErrAlreadyRunning) {
			logger.Error("initial catalog sync failed, starting anyway", "error", err)
		}
	}
	go func() {
		if err := d.syncWorker.Run(ctx); err != nil {
			logger.Error("catalog sync worker stopped", "error", err)
		}
	}()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	// Mount (not chi's Mount, which panics on a second subrouter registered
	// at the same "/" prefix) registers each handler's routes directly onto
	// the shared, already API-key-gated router.
	quoteHandler := quote.NewHandler(d.builder, cfg.TQuoteDeadline()).WithLive(d.live)
	quoteHandler.Mount(srv.APIRouter)

	locationHandler := location.NewHandler(d.lookup)
	locationHandler.Mount(srv.APIRouter)

	latencyHandler := latency.NewHandler(d.reader)
	latencyHandler.Mount(srv.APIRouter)

	adminHandler := admin.NewHandler(d.syncWorker, d.store, logger, d.auditLog).WithLive(d.live)
	adminHandler.Mount(srv.AdminRouter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs only the background catalog sync loop — a deployment that
// wants the periodic/startup sync isolated from the quoting API's request
// path.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, _ *prometheus.Registry) error {
	d, err := build(cfg, logger, db, rdb)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}

	d.recorder.Start(ctx)
	defer d.recorder.Close()

	d.auditLog.Start(ctx)
	defer d.auditLog.Close()

	logger.Info("catalog sync worker started")
	return d.syncWorker.Run(ctx)
}
