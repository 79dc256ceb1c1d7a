package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/pkg/cache"
)

// SyncError reports which step of the sync algorithm aborted and why. The
// previous snapshot remains current on any SyncError.
type SyncError struct {
	Step  string
	Cause error
}

func (e *SyncError) Error() string { return fmt.Sprintf("catalog sync: %s: %v", e.Step, e.Cause) }
func (e *SyncError) Unwrap() error { return e.Cause }

// ErrAlreadyRunning is returned when a sync is already holding the
// distributed lock; callers should treat this as a coalesced no-op, not a
// failure.
var ErrAlreadyRunning = fmt.Errorf("catalog: sync already running")

const currentVersionKey = "catalog:current_version"

func snapshotKey(version int64) string {
	return fmt.Sprintf("catalog:snapshot:%d", version)
}

// Notifier is told about hard sync failures, so an operator channel can page
// someone. A nil Notifier is a valid no-op.
type Notifier interface {
	NotifyCatalogSyncFailure(ctx context.Context, err error) error
}

// SyncRunRecorder persists the outcome of every sync attempt to a durable
// ledger, independent of the Notifier's operator-paging concern.
type SyncRunRecorder interface {
	LogSyncRun(run SyncRunRecord)
}

// SyncRunRecord is one outcome handed to a SyncRunRecorder.
type SyncRunRecord struct {
	Outcome string
	Step    string
	Cause   string
	Version int64
}

// Syncer pulls the four sheet ranges, validates and normalizes them, and
// atomically installs a new CatalogSnapshot into the cache store under the
// single-writer distributed lock (component C3).
type Syncer struct {
	store    *cache.Store
	rdb      *redis.Client
	fetcher  RangeFetcher
	source   SheetSource
	logger   *slog.Logger
	notifier Notifier
	runLog   SyncRunRecorder
}

// NewSyncer builds a Syncer. recorder and notifier may be nil.
func NewSyncer(store *cache.Store, rdb *redis.Client, fetcher RangeFetcher, source SheetSource, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, rdb: rdb, fetcher: fetcher, source: source, logger: logger}
}

// WithNotifier attaches an operator notifier used on hard sync failure.
func (s *Syncer) WithNotifier(n Notifier) *Syncer {
	s.notifier = n
	return s
}

// WithRunRecorder attaches a durable ledger for every sync attempt's outcome.
func (s *Syncer) WithRunRecorder(r SyncRunRecorder) *Syncer {
	s.runLog = r
	return s
}

// Current returns the currently installed snapshot, if any.
func (s *Syncer) Current(ctx context.Context) (*CatalogSnapshot, bool, error) {
	version, found, err := s.store.GetInt(ctx, currentVersionKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	snap, found, err := cache.GetJSON[CatalogSnapshot](ctx, s.store, snapshotKey(version))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &snap, true, nil
}

// Sync runs the full fetch → parse/validate → normalize → cross-validate →
// version-assign → atomic-publish algorithm. It returns ErrAlreadyRunning
// without mutating anything if another sync currently holds the lock.
func (s *Syncer) Sync(ctx context.Context) (*CatalogSnapshot, error) {
	token := uuid.NewString()
	l, err := acquireLock(ctx, s.rdb, token)
	if err != nil {
		if err == ErrLockHeld {
			return nil, ErrAlreadyRunning
		}
		return nil, &SyncError{Step: "acquire_lock", Cause: err}
	}
	defer func() {
		if err := l.release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("catalog sync: lock release failed", "error", err)
		}
	}()

	snap, syncErr := s.runLocked(ctx)
	outcome := "success"
	record := SyncRunRecord{Outcome: outcome}
	if syncErr != nil {
		outcome = "failure"
		record.Outcome = outcome
		s.logger.Error("catalog sync failed", "error", syncErr)
		var se *SyncError
		if errors.As(syncErr, &se) {
			record.Step = se.Step
			record.Cause = se.Error()
		} else {
			record.Cause = syncErr.Error()
		}
		if s.notifier != nil {
			if nerr := s.notifier.NotifyCatalogSyncFailure(context.WithoutCancel(ctx), syncErr); nerr != nil {
				s.logger.Warn("catalog sync: notifier failed", "error", nerr)
			}
		}
	} else {
		record.Version = snap.Version
	}
	if s.runLog != nil {
		s.runLog.LogSyncRun(record)
	}
	telemetry.CatalogSyncTotal.WithLabelValues(outcome).Inc()
	if syncErr != nil {
		return nil, syncErr
	}
	telemetry.CatalogVersion.Set(float64(snap.Version))
	return snap, nil
}

func (s *Syncer) runLocked(ctx context.Context) (*CatalogSnapshot, error) {
	raw, err := FetchAll(ctx, s.fetcher, s.source)
	if err != nil {
		return nil, &SyncError{Step: "fetch", Cause: err}
	}

	products, err := ParseProducts(raw.Products)
	if err != nil {
		return nil, &SyncError{Step: "parse_products", Cause: err}
	}
	generators, err := ParseGenerators(raw.Generators)
	if err != nil {
		return nil, &SyncError{Step: "parse_generators", Cause: err}
	}
	branches, err := ParseBranches(raw.Branches)
	if err != nil {
		return nil, &SyncError{Step: "parse_branches", Cause: err}
	}
	deliveryConfig, extras, err := ParseConfig(raw.Config)
	if err != nil {
		return nil, &SyncError{Step: "parse_config", Cause: err}
	}

	if err := validateCrossReferences(deliveryConfig, branches); err != nil {
		return nil, &SyncError{Step: "cross_validate", Cause: err}
	}

	previous, found, err := s.Current(ctx)
	if err != nil {
		return nil, &SyncError{Step: "read_previous", Cause: err}
	}
	var version int64 = 1
	if found {
		version = previous.Version + 1
	}

	snap := &CatalogSnapshot{
		Products:    products,
		Generators:  generators,
		Extras:      extras,
		Branches:    branches,
		Config:      deliveryConfig,
		Version:     version,
		InstalledAt: time.Now().UTC(),
	}

	if err := cache.SetJSON(ctx, s.store, snapshotKey(version), snap, 0); err != nil {
		return nil, &SyncError{Step: "persist_snapshot", Cause: err}
	}
	if err := s.store.SetBytes(ctx, currentVersionKey, []byte(fmt.Sprintf("%d", version)), 0); err != nil {
		return nil, &SyncError{Step: "flip_pointer", Cause: err}
	}

	return snap, nil
}

// validateCrossReferences enforces the sync algorithm's structural
// invariants: distance tier upper bounds strictly increasing (ignoring the
// final unbounded tier), and every seasonal window's start <= end.
func validateCrossReferences(cfg DeliveryConfig, branches []Branch) error {
	if len(branches) == 0 {
		return fmt.Errorf("branches must be non-empty")
	}

	var prev *DistanceTier
	for i, t := range cfg.DistanceTiers {
		if t.IsUnbounded {
			if i != len(cfg.DistanceTiers)-1 {
				return fmt.Errorf("distance tier %q: unbounded tier must be last", t.Name)
			}
			continue
		}
		if prev != nil && !t.UpperBoundMiles.GreaterThan(prev.UpperBoundMiles) {
			return fmt.Errorf("distance tier %q: upper bound %s not strictly greater than preceding tier %q's %s",
				t.Name, t.UpperBoundMiles, prev.Name, prev.UpperBoundMiles)
		}
		tCopy := t
		prev = &tCopy
	}

	for _, w := range cfg.SeasonalMultipliers {
		if strings.Compare(w.StartMonthDay, w.EndMonthDay) > 0 {
			return fmt.Errorf("seasonal window %s-%s: start after end", w.StartMonthDay, w.EndMonthDay)
		}
	}

	return nil
}
