package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/events"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/store"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/jonboulle/clockwork"
)

// DefaultRequestTimeout bounds one submission so a stuck request cannot stall a drain.
const DefaultRequestTimeout = 30 * time.Second

// OutboxStore is the outbox surface the coordinator drains. Implemented by store.SQLiteStore.
type OutboxStore interface {
	PeekNext(ctx context.Context, store string) (*types.PendingMutation, error)
	MarkInFlight(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string, retryable bool) (*types.PendingMutation, error)
	Release(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64) (*types.PendingMutation, error)
	CompleteMutation(ctx context.Context, id int64, store string, ack *types.LocalRecord) (bool, error)
	NextAttemptAt(ctx context.Context) (time.Time, bool, error)
}

// Reconciler remaps an accepted placeholder. Implemented by reconcile.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, storeName, placeholderID string, canonical types.LocalRecord, mutationID int64) (*store.ReconcileResult, error)
}

// Publisher emits UI events. Implemented by events.Bus.
type Publisher interface {
	Publish(name events.Name, detail any)
}

// EventHold defers events published by the reconciler while a drain runs.
// Implemented by events.Deferred.
type EventHold interface {
	Hold()
	Release()
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	RequestTimeout time.Duration
	// Interval is the safety-net drain period.
	Interval time.Duration
}

// attempt is the submission currently on the wire.
type attempt struct {
	id     int64
	cancel context.CancelFunc
	// retry is set when a manual retry cancelled this attempt.
	retry bool
	done  chan struct{}
}

// SyncCoordinator drains the outbox against the backend. At most one drain runs
// at a time; triggers arriving during a drain make it loop once more instead of
// starting a second one.
type SyncCoordinator struct {
	outbox     OutboxStore
	backend    remote.Backend
	reconciler Reconciler
	bus        Publisher
	clock      clockwork.Clock
	timeout    time.Duration
	interval   time.Duration

	// online gates drains started by Run; nil means always allowed.
	online func() bool
	hold   EventHold

	mu      sync.Mutex
	running bool
	pending bool

	attemptMu sync.Mutex
	current   *attempt

	wake chan struct{}
}

// NewSyncCoordinator creates a coordinator.
func NewSyncCoordinator(
	outbox OutboxStore,
	backend remote.Backend,
	reconciler Reconciler,
	bus Publisher,
	clock clockwork.Clock,
	cfg SyncConfig,
) *SyncCoordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &SyncCoordinator{
		outbox:     outbox,
		backend:    backend,
		reconciler: reconciler,
		bus:        bus,
		clock:      clock,
		timeout:    cfg.RequestTimeout,
		interval:   cfg.Interval,
		wake:       make(chan struct{}, 1),
	}
}

// SetOnlineCheck installs the connectivity gate consulted by Run.
func (c *SyncCoordinator) SetOnlineCheck(online func() bool) {
	c.online = online
}

// SetEventHold installs a hold kept for the length of each drain and released
// after syncComplete is published.
func (c *SyncCoordinator) SetEventHold(h EventHold) {
	c.hold = h
}

// Trigger asks Run to drain as soon as possible. It never blocks.
func (c *SyncCoordinator) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a drain is in progress.
func (c *SyncCoordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ProcessQueue drains every ready outbox entry. A call made while another drain
// is running returns immediately with Coalesced set; the running drain makes
// another pass before it finishes.
func (c *SyncCoordinator) ProcessQueue(ctx context.Context) types.SyncReport {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.mu.Unlock()
		return types.SyncReport{Coalesced: true}
	}
	c.running = true
	c.mu.Unlock()

	if c.hold != nil {
		c.hold.Hold()
		defer c.hold.Release()
	}

	start := c.clock.Now()
	c.publish(events.SyncStarted, nil)

	var report types.SyncReport
	for {
		c.drain(ctx, &report)

		c.mu.Lock()
		if c.pending && ctx.Err() == nil {
			c.pending = false
			c.mu.Unlock()
			continue
		}
		c.pending = false
		c.running = false
		c.mu.Unlock()
		break
	}

	report.Duration = c.clock.Since(start)
	c.publish(events.SyncComplete, events.SyncCompleteDetail{
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Retrying:  report.Retrying,
	})

	if report.Succeeded > 0 || report.Failed > 0 || report.Retrying > 0 {
		slog.Info("sync drain completed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_drain_completed",
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"retrying", report.Retrying,
			"duration", report.Duration.String(),
		)
	}
	return report
}

// drain makes one pass over the ready entries. An entry is attempted at most
// once per pass so a zero backoff cannot spin.
func (c *SyncCoordinator) drain(ctx context.Context, report *types.SyncReport) {
	attempted := make(map[int64]struct{})
	for ctx.Err() == nil {
		m, err := c.outbox.PeekNext(ctx, "")
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("failed to read outbox",
					"component", "worker",
					"worker", "sync-coordinator",
					"error", err,
				)
			}
			return
		}
		if m == nil {
			return
		}
		if _, seen := attempted[m.ID]; seen {
			return
		}
		attempted[m.ID] = struct{}{}

		c.processEntry(ctx, m, report)
	}
}

func (c *SyncCoordinator) processEntry(ctx context.Context, m *types.PendingMutation, report *types.SyncReport) {
	log := slog.With(
		"component", "worker",
		"worker", "sync-coordinator",
		"mutation_id", m.ID,
		"store", m.Store,
		"entity_id", m.EntityID,
		"action_type", m.ActionType,
	)

	if err := c.outbox.MarkInFlight(ctx, m.ID); err != nil {
		log.Warn("failed to claim mutation", "error", err)
		return
	}

	mutation, err := fieldsync.Decode(m.ActionType, m.Payload)
	if err != nil {
		c.fail(ctx, log, m, err, false, report)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	a := &attempt{id: m.ID, cancel: cancel, done: make(chan struct{})}
	c.attemptMu.Lock()
	c.current = a
	c.attemptMu.Unlock()

	defer func() {
		c.attemptMu.Lock()
		c.current = nil
		c.attemptMu.Unlock()
		close(a.done)
	}()

	ack, err := c.submit(attemptCtx, m.Store, mutation)
	cancel()

	c.attemptMu.Lock()
	manual := a.retry
	c.attemptMu.Unlock()

	if err != nil {
		if manual || ctx.Err() != nil {
			// Cancelled rather than answered; the attempt does not count.
			if rerr := c.outbox.Release(context.WithoutCancel(ctx), m.ID); rerr != nil {
				log.Error("failed to release cancelled mutation", "error", rerr)
			}
			return
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = context.DeadlineExceeded
		}
		c.fail(ctx, log, m, err, remote.Classify(err) == remote.ClassTransient, report)
		return
	}

	if err := c.complete(ctx, m, mutation, ack); err != nil {
		// The backend accepted the write; replaying it is safe because creates
		// carry their placeholder as idempotency key.
		log.Error("failed to record accepted mutation", "error", err)
		if rerr := c.outbox.Release(context.WithoutCancel(ctx), m.ID); rerr != nil {
			log.Error("failed to release mutation", "error", rerr)
		}
		report.Retrying++
		return
	}

	report.Succeeded++
	log.Debug("mutation synced", "action", "mutation_synced")
}

// submit dispatches the mutation to the backend call for its action.
func (c *SyncCoordinator) submit(ctx context.Context, storeName string, m fieldsync.Mutation) (*types.LocalRecord, error) {
	switch mut := m.(type) {
	case fieldsync.Create:
		return c.backend.Create(ctx, storeName, mut.PlaceholderID, mut.Fields)
	case fieldsync.Update:
		return c.backend.Update(ctx, storeName, mut.ID, mut.Fields)
	case fieldsync.Delete:
		return nil, c.backend.Delete(ctx, storeName, mut.ID)
	default:
		return nil, fieldsync.ErrUnknownAction
	}
}

// complete applies the backend's acknowledgement locally and removes the entry.
func (c *SyncCoordinator) complete(ctx context.Context, m *types.PendingMutation, mutation fieldsync.Mutation, ack *types.LocalRecord) error {
	switch mut := mutation.(type) {
	case fieldsync.Create:
		if ack == nil {
			return errors.New("create acknowledged without a record")
		}
		_, err := c.reconciler.Reconcile(ctx, m.Store, mut.PlaceholderID, *ack, m.ID)
		return err
	case fieldsync.Update:
		saved, err := c.outbox.CompleteMutation(ctx, m.ID, m.Store, ack)
		if err != nil {
			return err
		}
		if saved && ack != nil {
			rec := ack.Clone()
			c.publish(events.DataChanged, events.DataChangedDetail{Store: m.Store, ID: ack.ID, Record: &rec})
		}
		return nil
	default:
		_, err := c.outbox.CompleteMutation(ctx, m.ID, m.Store, nil)
		return err
	}
}

func (c *SyncCoordinator) fail(ctx context.Context, log *slog.Logger, m *types.PendingMutation, cause error, retryable bool, report *types.SyncReport) {
	updated, err := c.outbox.MarkFailed(context.WithoutCancel(ctx), m.ID, cause.Error(), retryable)
	if err != nil {
		log.Error("failed to record mutation failure", "error", err, "cause", cause)
		return
	}

	if updated.Status == types.MutationFailed {
		report.Failed++
		log.Warn("mutation failed permanently",
			"action", "mutation_failed_terminal",
			"attempts", updated.AttemptCount,
			"error", cause,
		)
		c.publish(events.MutationFailed, events.MutationFailedDetail{
			MutationID: m.ID,
			Store:      m.Store,
			EntityID:   m.EntityID,
			Error:      cause.Error(),
		})
		return
	}

	report.Retrying++
	log.Info("mutation will be retried",
		"action", "mutation_retry_scheduled",
		"attempts", updated.AttemptCount,
		"next_attempt", updated.NextAttempt,
		"error", cause,
	)
}

// RetryNow resets a mutation for immediate retry. An attempt of the same entry
// that is still on the wire is cancelled first.
func (c *SyncCoordinator) RetryNow(ctx context.Context, id int64) (*types.PendingMutation, error) {
	c.attemptMu.Lock()
	a := c.current
	if a != nil && a.id == id {
		a.retry = true
		a.cancel()
	} else {
		a = nil
	}
	c.attemptMu.Unlock()

	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m, err := c.outbox.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Trigger()
	return m, nil
}

// Run drains on every Trigger, when a backing-off entry becomes due, and on the
// safety-net interval. It blocks until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	timer := c.clock.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-c.wake:
		case <-timer.Chan():
		}

		if c.online == nil || c.online() {
			c.ProcessQueue(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		timer.Reset(c.nextWait(ctx))
	}
}

// nextWait returns the delay until the earliest backing-off entry is due,
// bounded by the safety-net interval.
func (c *SyncCoordinator) nextWait(ctx context.Context) time.Duration {
	at, ok, err := c.outbox.NextAttemptAt(ctx)
	if err != nil || !ok {
		return c.interval
	}
	wait := at.Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	if wait > c.interval {
		wait = c.interval
	}
	return wait
}

func (c *SyncCoordinator) publish(name events.Name, detail any) {
	if c.bus != nil {
		c.bus.Publish(name, detail)
	}
}
