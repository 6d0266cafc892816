package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fieldops/fieldsync/internal/events"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultHydrateConcurrency bounds parallel master-data fetches.
const DefaultHydrateConcurrency = 3

// staleRefreshAttempts bounds how often Refresh refetches a snapshot that
// was overtaken by accepted mutations.
const staleRefreshAttempts = 3

// SnapshotStore receives refreshed snapshots. Implemented by store.SQLiteStore.
type SnapshotStore interface {
	SyncGeneration(ctx context.Context, store string) (int64, error)
	ReplaceAllSince(ctx context.Context, store string, records []types.LocalRecord, gen int64) error
}

// Refresher pulls a store's remote snapshot into the local cache.
// Concurrent refreshes of the same store share one fetch.
type Refresher struct {
	local   SnapshotStore
	backend remote.Backend
	bus     Publisher
	group   singleflight.Group
}

// NewRefresher creates a Refresher.
func NewRefresher(local SnapshotStore, backend remote.Backend, bus Publisher) *Refresher {
	return &Refresher{local: local, backend: backend, bus: bus}
}

// Refresh replaces the local snapshot of storeName with the backend's. On any
// failure the existing snapshot is left untouched. A snapshot fetched before
// a mutation for the store was accepted is discarded and fetched again.
func (r *Refresher) Refresh(ctx context.Context, storeName string) (int, error) {
	v, err, _ := r.group.Do(storeName, func() (any, error) {
		var err error
		for attempt := 1; attempt <= staleRefreshAttempts; attempt++ {
			var n int
			n, err = r.refreshOnce(ctx, storeName)
			if err == nil {
				if r.bus != nil {
					r.bus.Publish(events.DataChanged, events.DataChangedDetail{Store: storeName})
				}
				return n, nil
			}
			if !errors.Is(err, store.ErrStaleSnapshot) {
				return 0, err
			}
			slog.Debug("snapshot overtaken by sync, refetching",
				"component", "worker",
				"worker", "refresher",
				"store", storeName,
				"attempt", attempt,
			)
		}
		return 0, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Refresher) refreshOnce(ctx context.Context, storeName string) (int, error) {
	gen, err := r.local.SyncGeneration(ctx, storeName)
	if err != nil {
		return 0, fmt.Errorf("read %s generation: %w", storeName, err)
	}
	records, err := r.backend.List(ctx, storeName)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", storeName, err)
	}
	if err := r.local.ReplaceAllSince(ctx, storeName, records, gen); err != nil {
		return 0, fmt.Errorf("replace %s: %w", storeName, err)
	}
	return len(records), nil
}

// Hydrator bulk-caches master data once per session.
type Hydrator struct {
	refresher   *Refresher
	stores      []string
	concurrency int

	runMu sync.Mutex

	mu       sync.Mutex
	hydrated bool
	gen      uint64
}

// NewHydrator creates a hydrator for the given master-data stores.
func NewHydrator(refresher *Refresher, stores []string, concurrency int) *Hydrator {
	if concurrency <= 0 {
		concurrency = DefaultHydrateConcurrency
	}
	return &Hydrator{
		refresher:   refresher,
		stores:      append([]string(nil), stores...),
		concurrency: concurrency,
	}
}

// CacheAllMasterData refreshes every master-data store. A failing store does not
// stop the others; the combined error lists every failure.
func (h *Hydrator) CacheAllMasterData(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(h.concurrency)

	for _, name := range h.stores {
		g.Go(func() error {
			n, err := h.refresher.Refresh(ctx, name)
			if err != nil {
				slog.Warn("master data refresh failed",
					"component", "worker",
					"worker", "hydrator",
					"store", name,
					"error", err,
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			slog.Debug("master data cached",
				"component", "worker",
				"worker", "hydrator",
				"store", name,
				"records", n,
			)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// EnsureHydrated caches master data unless this session already did so successfully.
func (h *Hydrator) EnsureHydrated(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	h.mu.Lock()
	if h.hydrated {
		h.mu.Unlock()
		return nil
	}
	gen := h.gen
	h.mu.Unlock()

	if err := h.CacheAllMasterData(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	// An invalidation during the fetch means the data may already be stale.
	if h.gen == gen {
		h.hydrated = true
	}
	h.mu.Unlock()

	slog.Info("master data hydrated",
		"component", "worker",
		"worker", "hydrator",
		"action", "hydration_completed",
		"stores", len(h.stores),
	)
	return nil
}

// Invalidate marks the cache stale so the next EnsureHydrated refetches.
// Called when connectivity is lost.
func (h *Hydrator) Invalidate() {
	h.mu.Lock()
	h.hydrated = false
	h.gen++
	h.mu.Unlock()
}

// Hydrated reports whether master data was cached this session.
func (h *Hydrator) Hydrated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hydrated
}
