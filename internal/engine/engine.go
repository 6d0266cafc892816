// Package engine is the facade screens use: read and write records, request
// refreshes and retries. It owns the device database and wires connectivity
// changes to the sync coordinator and master-data hydrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldops/fieldsync/internal/backup"
	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/connectivity"
	"github.com/fieldops/fieldsync/internal/entity"
	"github.com/fieldops/fieldsync/internal/events"
	"github.com/fieldops/fieldsync/internal/reconcile"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/store"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/fieldops/fieldsync/internal/validation"
	"github.com/fieldops/fieldsync/internal/worker"
)

// Modes reported by Mode.
const (
	ModeOfflineFirst = "offline-first"
	ModeOnlineOnly   = "online-only"
)

// Config holds the engine's tunables.
type Config struct {
	DBPath             string
	Entities           []entity.Kind
	PlaceholderPrefix  string
	RetryPolicy        fieldsync.RetryPolicy
	RequestTimeout     time.Duration
	SyncInterval       time.Duration
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ReconnectDebounce  time.Duration
	HydrateDelay       time.Duration
	HydrateConcurrency int
	BackupDir          string
	BackupInterval     time.Duration
	DeviceID           string
}

// ConfigFrom maps the application configuration onto engine settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		DBPath:             c.Database.Path,
		Entities:           c.Entities,
		PlaceholderPrefix:  c.Sync.PlaceholderPrefix,
		RetryPolicy:        c.RetryPolicy(),
		RequestTimeout:     time.Duration(c.Remote.RequestTimeout),
		SyncInterval:       time.Duration(c.Sync.Interval),
		ProbeInterval:      time.Duration(c.Sync.ProbeInterval),
		ProbeTimeout:       time.Duration(c.Sync.ProbeTimeout),
		ReconnectDebounce:  time.Duration(c.Sync.ReconnectDebounce),
		HydrateDelay:       time.Duration(c.Sync.HydrateDelay),
		HydrateConcurrency: c.Sync.HydrateConcurrency,
		BackupDir:          c.Backup.Dir,
		BackupInterval:     time.Duration(c.Backup.Interval),
		DeviceID:           c.Backup.DeviceID,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for debounce, backoff and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithBus sets the event bus. By default the engine creates its own.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithUploader sets where device backups are shipped.
func WithUploader(u backup.Uploader) Option {
	return func(e *Engine) {
		e.uploader = u
	}
}

// Engine is the offline-first sync core.
type Engine struct {
	cfg          Config
	registry     *entity.Registry
	backend      remote.Backend
	bus          *events.Bus
	clock        clockwork.Clock
	uploader     backup.Uploader
	placeholders *fieldsync.PlaceholderGenerator
	monitor      *connectivity.Monitor

	initOnce sync.Once
	initErr  error

	// Nil in online-only mode.
	local atomic.Pointer[localCache]

	// writeMu serializes local writes with reconciles so a write never targets
	// a placeholder that was remapped underneath it.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	started        bool
	closed         bool
	reconnectTimer clockwork.Timer
	hydrateTimer   clockwork.Timer
	unsubscribe    func()
	// retired holds databases dropped after a storage failure; Close closes them.
	retired []*store.SQLiteStore
}

// localCache is the device database and the workers that depend on it. The
// engine drops it as a unit when storage fails mid-session.
type localCache struct {
	store     *store.SQLiteStore
	coord     *worker.SyncCoordinator
	refresher *worker.Refresher
	hydrator  *worker.Hydrator
	backups   *worker.BackupCoordinator

	// ctx scopes the workers above; cancel stops them.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine. Init must be called before use.
func New(cfg Config, backend remote.Backend, opts ...Option) (*Engine, error) {
	if len(cfg.Entities) == 0 {
		cfg.Entities = entity.Defaults()
	}
	registry, err := entity.NewRegistry(cfg.Entities...)
	if err != nil {
		return nil, fmt.Errorf("entity registry: %w", err)
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = fieldsync.DefaultRetryPolicy()
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	e.placeholders = fieldsync.NewPlaceholderGenerator(cfg.PlaceholderPrefix, e.clock)
	e.monitor = connectivity.NewMonitor(backend, e.clock, connectivity.Config{
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
	})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Init opens the device database. It is idempotent. When storage cannot be
// opened it returns an error wrapping ErrStorageUnavailable and the engine
// keeps working in online-only mode.
func (e *Engine) Init(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.initErr = e.init(ctx)
	})
	return e.initErr
}

func (e *Engine) init(ctx context.Context) error {
	s, err := store.NewSQLiteStore(e.cfg.DBPath,
		store.WithClock(e.clock),
		store.WithRetryPolicy(e.cfg.RetryPolicy),
	)
	if err != nil {
		slog.Error("local storage unavailable, running online-only",
			"component", "engine",
			"action", "degraded_mode",
			"path", e.cfg.DBPath,
			"error", err,
		)
		return err
	}

	requeued, err := s.RequeueInFlight(ctx)
	if err != nil {
		s.Close()
		slog.Error("local storage unavailable, running online-only",
			"component", "engine",
			"action", "degraded_mode",
			"error", err,
		)
		return fmt.Errorf("%w: %w", store.ErrStorageUnavailable, err)
	}
	if requeued > 0 {
		slog.Info("requeued interrupted mutations",
			"component", "engine",
			"action", "outbox_recovered",
			"count", requeued,
		)
	}

	c := &localCache{store: s}
	c.ctx, c.cancel = context.WithCancel(e.ctx)

	// Reconcile events wait for the drain's syncComplete.
	deferred := events.NewDeferred(e.bus)
	reconciler := &lockedReconciler{mu: &e.writeMu, next: reconcile.New(s, deferred)}
	c.coord = worker.NewSyncCoordinator(s, e.backend, reconciler, e.bus, e.clock, worker.SyncConfig{
		RequestTimeout: e.cfg.RequestTimeout,
		Interval:       e.cfg.SyncInterval,
	})
	c.coord.SetOnlineCheck(e.online)
	c.coord.SetEventHold(deferred)
	c.refresher = worker.NewRefresher(s, e.backend, e.bus)

	var master []string
	for _, k := range e.registry.Master() {
		master = append(master, k.Store)
	}
	c.hydrator = worker.NewHydrator(c.refresher, master, e.cfg.HydrateConcurrency)

	if e.cfg.BackupDir != "" {
		c.backups = worker.NewBackupCoordinator(s, e.uploader, e.cfg.DeviceID,
			e.cfg.BackupDir, e.cfg.BackupInterval, e.clock)
	}
	e.local.Store(c)
	return nil
}

// degrade drops c after a storage failure and continues online-only. Workers
// bound to c stop; its database is closed by Close.
func (e *Engine) degrade(c *localCache, cause error) {
	if !e.local.CompareAndSwap(c, nil) {
		return
	}
	c.cancel()

	e.mu.Lock()
	e.retired = append(e.retired, c.store)
	e.mu.Unlock()

	slog.Error("local storage failed, switching to online-only",
		"component", "engine",
		"action", "degraded_mode",
		"error", cause,
	)
}

// lockedReconciler holds the write lock for the duration of a reconcile.
type lockedReconciler struct {
	mu   *sync.Mutex
	next worker.Reconciler
}

func (r *lockedReconciler) Reconcile(ctx context.Context, storeName, placeholderID string, canonical types.LocalRecord, mutationID int64) (*store.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next.Reconcile(ctx, storeName, placeholderID, canonical, mutationID)
}

// Mode reports whether the engine caches locally or passes straight through.
func (e *Engine) Mode() string {
	if e.local.Load() == nil {
		return ModeOnlineOnly
	}
	return ModeOfflineFirst
}

// Bus returns the event bus screens subscribe to.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Registry returns the known entity stores.
func (e *Engine) Registry() *entity.Registry {
	return e.registry
}

// Connectivity returns the current connectivity state.
func (e *Engine) Connectivity() types.ConnectivityState {
	return e.monitor.Status()
}

// NotifyNetworkChange feeds a platform network notification to the monitor.
func (e *Engine) NotifyNetworkChange(ctx context.Context, up bool) types.ConnectivityState {
	return e.monitor.NotifyNetworkChange(ctx, up)
}

func (e *Engine) online() bool {
	return e.monitor.Status() == types.StateOnline
}

// reachable answers from the monitor, probing once if no check has completed yet.
func (e *Engine) reachable(ctx context.Context) bool {
	st := e.monitor.Status()
	if st == types.StateUnknown {
		st = e.monitor.Probe(ctx)
	}
	return st == types.StateOnline
}

func (e *Engine) lookup(storeName string) (entity.Kind, error) {
	return e.registry.Lookup(storeName)
}

// Start runs connectivity monitoring, the sync coordinator and the backup
// loop in the background and wires their triggers. It returns immediately.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	unsubscribe := e.monitor.Subscribe(e.onTransition)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.spawn(e.ctx, e.monitor.Run)
	if c := e.local.Load(); c != nil {
		e.spawn(c.ctx, c.coord.Run)
		if c.backups != nil {
			e.spawn(c.ctx, c.backups.Run)
		}
	}

	slog.Info("engine started",
		"component", "engine",
		"mode", e.Mode(),
	)
}

// spawn runs fn in the background until ctx ends. It does nothing once Close
// has begun, so Close never waits on work started after it.
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// onTransition runs on the monitor's goroutine for every state change.
func (e *Engine) onTransition(tr types.Transition) {
	e.bus.Publish(events.ConnectivityChanged, tr)

	c := e.local.Load()
	if c == nil {
		return
	}

	switch tr.To {
	case types.StateOnline:
		if tr.From == types.StateUnknown {
			// First check after start: drain now, hydrate once the app is idle.
			c.coord.Trigger()
			e.scheduleHydration(e.cfg.HydrateDelay)
			return
		}
		e.scheduleReconnect()

	case types.StateOffline:
		e.mu.Lock()
		if e.reconnectTimer != nil {
			e.reconnectTimer.Stop()
			e.reconnectTimer = nil
		}
		e.mu.Unlock()
		c.hydrator.Invalidate()
	}
}

// scheduleReconnect drains and rehydrates after the debounce, restarting the
// wait on every flap.
func (e *Engine) scheduleReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = e.clock.AfterFunc(e.cfg.ReconnectDebounce, func() {
		c := e.local.Load()
		if c == nil || !e.online() {
			return
		}
		slog.Info("reconnected, draining outbox",
			"component", "engine",
			"action", "reconnect_drain",
		)
		c.coord.Trigger()
		e.scheduleHydration(0)
	})
}

func (e *Engine) scheduleHydration(delay time.Duration) {
	run := func() {
		c := e.local.Load()
		if c == nil {
			return
		}
		e.spawn(c.ctx, func(ctx context.Context) {
			if err := c.hydrator.EnsureHydrated(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("master data hydration incomplete",
					"component", "engine",
					"action", "hydration_failed",
					"error", err,
				)
			}
		})
	}
	if delay <= 0 {
		run()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.hydrateTimer != nil {
		e.hydrateTimer.Stop()
	}
	e.hydrateTimer = e.clock.AfterFunc(delay, run)
}

// Read returns a store's records. The local snapshot is returned immediately;
// when online a background refresh is requested as well. In online-only mode
// the backend is read directly.
func (e *Engine) Read(ctx context.Context, storeName string) ([]types.LocalRecord, error) {
	if _, err := e.lookup(storeName); err != nil {
		return nil, err
	}

	c := e.local.Load()
	if c == nil {
		return e.readThrough(ctx, storeName)
	}

	records, err := c.store.GetAll(ctx, storeName)
	if errors.Is(err, ErrStorageUnavailable) {
		e.degrade(c, err)
		return e.readThrough(ctx, storeName)
	}
	if err != nil {
		return nil, err
	}
	if e.online() {
		e.RequestRefresh(storeName)
	}
	return records, nil
}

func (e *Engine) readThrough(ctx context.Context, storeName string) ([]types.LocalRecord, error) {
	if !e.reachable(ctx) {
		return nil, ErrOffline
	}
	return e.backend.List(ctx, storeName)
}

// GetByID returns one record or ErrNotFound.
func (e *Engine) GetByID(ctx context.Context, storeName, id string) (*types.LocalRecord, error) {
	if _, err := e.lookup(storeName); err != nil {
		return nil, err
	}

	c := e.local.Load()
	if c == nil {
		return e.getThrough(ctx, storeName, id)
	}
	rec, err := c.store.GetByID(ctx, storeName, id)
	if errors.Is(err, ErrStorageUnavailable) {
		e.degrade(c, err)
		return e.getThrough(ctx, storeName, id)
	}
	return rec, err
}

func (e *Engine) getThrough(ctx context.Context, storeName, id string) (*types.LocalRecord, error) {
	if !e.reachable(ctx) {
		return nil, ErrOffline
	}
	rec, err := e.backend.Get(ctx, storeName, id)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, storeName, id)
	}
	return rec, err
}

// Write applies a screen's change locally and queues it for the backend. It
// returns as soon as the change is durable on the device; creates return a
// record carrying a placeholder id. Deletes return nil.
//
// If the device database fails during the write, the engine switches to
// online-only mode and sends the write straight to the backend.
func (e *Engine) Write(ctx context.Context, storeName string, in types.WriteIntent) (*types.LocalRecord, error) {
	kind, err := e.lookup(storeName)
	if err != nil {
		return nil, err
	}
	if errs := validation.ValidateWriteIntent(in); len(errs) > 0 {
		return nil, &WriteError{Errors: errs}
	}

	var placeholder string
	if in.Action == string(fieldsync.ActionCreate) {
		placeholder = e.placeholders.New(kind.Name)
	}

	c := e.local.Load()
	if c == nil {
		return e.writeThrough(ctx, storeName, placeholder, in)
	}

	e.writeMu.Lock()
	rec, err := e.writeLocal(ctx, c.store, storeName, placeholder, in)
	e.writeMu.Unlock()
	if errors.Is(err, ErrStorageUnavailable) {
		e.degrade(c, err)
		// The placeholder doubles as the create's idempotency key, so an
		// entry that did reach the outbox cannot create a second copy later.
		return e.writeThrough(ctx, storeName, placeholder, in)
	}
	if err != nil {
		return nil, err
	}

	detail := events.DataChangedDetail{Store: storeName, ID: in.ID}
	if rec != nil {
		out := rec.Clone()
		detail.ID = rec.ID
		detail.Record = &out
	}
	e.bus.Publish(events.DataChanged, detail)
	c.coord.Trigger()
	return rec, nil
}

func (e *Engine) writeLocal(ctx context.Context, s *store.SQLiteStore, storeName, placeholder string, in types.WriteIntent) (*types.LocalRecord, error) {
	now := e.clock.Now().UTC()
	prefix := e.placeholders.Prefix()

	var (
		mutation fieldsync.Mutation
		record   *types.LocalRecord
		nm       = types.NewMutation{Store: storeName}
	)

	switch in.Action {
	case string(fieldsync.ActionCreate):
		mutation = fieldsync.Create{PlaceholderID: placeholder, Fields: in.Fields}
		nm.PlaceholderID = placeholder
		nm.Refs = withoutRef(fieldsync.CollectRefs(prefix, in.Fields), placeholder)
		record = &types.LocalRecord{ID: placeholder, Fields: types.CloneFields(in.Fields), CreatedAt: now, UpdatedAt: now}

	case string(fieldsync.ActionUpdate):
		existing, err := s.GetByID(ctx, storeName, in.ID)
		if err != nil {
			return nil, err
		}
		merged := existing.Clone()
		if merged.Fields == nil {
			merged.Fields = make(map[string]any, len(in.Fields))
		}
		for k, v := range types.CloneFields(in.Fields) {
			merged.Fields[k] = v
		}
		merged.UpdatedAt = now
		mutation = fieldsync.Update{ID: in.ID, Fields: in.Fields}
		nm.Refs = withoutRef(fieldsync.CollectRefs(prefix, in.Fields), in.ID)
		record = &merged

	case string(fieldsync.ActionDelete):
		mutation = fieldsync.Delete{ID: in.ID}

	default:
		return nil, fmt.Errorf("%w: %q", fieldsync.ErrUnknownAction, in.Action)
	}

	payload, err := fieldsync.Encode(mutation)
	if err != nil {
		return nil, err
	}
	nm.EntityID = mutation.Target()
	nm.ActionType = string(mutation.Action())
	nm.Payload = payload

	// Queue first: a crash before the local save still syncs the change, and
	// reconcile tolerates the missing placeholder row.
	pm, err := s.Enqueue(ctx, nm)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", nm.ActionType, err)
	}

	if record == nil {
		if err := s.Delete(ctx, storeName, in.ID); err != nil {
			return nil, err
		}
	} else if err := s.Save(ctx, storeName, *record); err != nil {
		return nil, err
	}

	slog.Debug("local write queued",
		"component", "engine",
		"store", storeName,
		"entity_id", nm.EntityID,
		"action_type", nm.ActionType,
		"mutation_id", pm.ID,
	)
	return record, nil
}

// writeThrough sends the write straight to the backend (online-only mode).
// idempotencyKey is only used for creates.
func (e *Engine) writeThrough(ctx context.Context, storeName, idempotencyKey string, in types.WriteIntent) (*types.LocalRecord, error) {
	if !e.reachable(ctx) {
		return nil, ErrOffline
	}

	var (
		rec *types.LocalRecord
		err error
	)
	switch in.Action {
	case string(fieldsync.ActionCreate):
		rec, err = e.backend.Create(ctx, storeName, idempotencyKey, in.Fields)
	case string(fieldsync.ActionUpdate):
		rec, err = e.backend.Update(ctx, storeName, in.ID, in.Fields)
	case string(fieldsync.ActionDelete):
		err = e.backend.Delete(ctx, storeName, in.ID)
	}
	if err != nil {
		return nil, err
	}

	detail := events.DataChangedDetail{Store: storeName, ID: in.ID}
	if rec != nil {
		out := rec.Clone()
		detail.ID = rec.ID
		detail.Record = &out
	}
	e.bus.Publish(events.DataChanged, detail)
	return rec, nil
}

func withoutRef(refs []string, id string) []string {
	out := refs[:0]
	for _, r := range refs {
		if r != id {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RequestRefresh asks for a background refresh of a store. Failures are logged
// and the existing snapshot stays in place.
func (e *Engine) RequestRefresh(storeName string) {
	c := e.local.Load()
	if c == nil {
		return
	}
	if _, err := e.lookup(storeName); err != nil {
		return
	}
	e.spawn(c.ctx, func(ctx context.Context) {
		n, err := c.refresher.Refresh(ctx, storeName)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("background refresh failed",
					"component", "engine",
					"store", storeName,
					"error", err,
				)
			}
			return
		}
		slog.Debug("store refreshed",
			"component", "engine",
			"store", storeName,
			"records", n,
		)
	})
}

// Refresh synchronously replaces a store's snapshot with the backend's.
func (e *Engine) Refresh(ctx context.Context, storeName string) (int, error) {
	if _, err := e.lookup(storeName); err != nil {
		return 0, err
	}
	c := e.local.Load()
	if c == nil {
		return 0, ErrStorageUnavailable
	}
	if !e.reachable(ctx) {
		return 0, ErrOffline
	}
	return c.refresher.Refresh(ctx, storeName)
}

// Sync drains the outbox now.
func (e *Engine) Sync(ctx context.Context) (types.SyncReport, error) {
	c := e.local.Load()
	if c == nil {
		return types.SyncReport{}, ErrStorageUnavailable
	}
	if !e.reachable(ctx) {
		return types.SyncReport{}, ErrOffline
	}
	return c.coord.ProcessQueue(ctx), nil
}

// Retry resets an outbox entry for immediate resubmission.
func (e *Engine) Retry(ctx context.Context, id int64) (*types.PendingMutation, error) {
	c := e.local.Load()
	if c == nil {
		return nil, ErrStorageUnavailable
	}
	return c.coord.RetryNow(ctx, id)
}

// Outbox lists queued mutations, optionally filtered by status.
func (e *Engine) Outbox(ctx context.Context, statuses ...types.MutationStatus) ([]types.PendingMutation, error) {
	c := e.local.Load()
	if c == nil {
		return nil, ErrStorageUnavailable
	}
	return c.store.ListMutations(ctx, statuses...)
}

// OutboxStats counts queued mutations by status. Online-only mode has none.
func (e *Engine) OutboxStats(ctx context.Context) (types.OutboxStats, error) {
	c := e.local.Load()
	if c == nil {
		return types.OutboxStats{}, nil
	}
	return c.store.OutboxStats(ctx)
}

// Stores describes every local store.
func (e *Engine) Stores(ctx context.Context) ([]types.StoreStats, error) {
	c := e.local.Load()
	if c == nil {
		return nil, ErrStorageUnavailable
	}
	return c.store.ListStores(ctx)
}

// Backup writes a local database backup and ships it if storage is configured.
func (e *Engine) Backup(ctx context.Context) (worker.BackupResult, error) {
	c := e.local.Load()
	if c == nil || c.backups == nil {
		return worker.BackupResult{}, ErrStorageUnavailable
	}
	return c.backups.BackupNow(ctx)
}

// Close stops background work and closes the device database. Calls after
// the first return nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	if e.hydrateTimer != nil {
		e.hydrateTimer.Stop()
	}
	retired := e.retired
	e.retired = nil
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	var errs []error
	for _, s := range retired {
		// Already failed once; closing is best effort.
		_ = s.Close()
	}
	if c := e.local.Load(); c != nil {
		c.cancel()
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
