package store

import (
	"context"
	"time"

	"github.com/fieldops/fieldsync/internal/types"
)

// RecordStore is the local durable cache of entity records, one table per store name.
type RecordStore interface {
	GetAll(ctx context.Context, store string) ([]types.LocalRecord, error)
	GetByID(ctx context.Context, store, id string) (*types.LocalRecord, error)
	Save(ctx context.Context, store string, record types.LocalRecord) error
	Delete(ctx context.Context, store, id string) error
	// ReplaceAll swaps the store's snapshot. Readers observe either the old or
	// the new snapshot, never a mixture.
	ReplaceAll(ctx context.Context, store string, records []types.LocalRecord) error
	// SyncGeneration and ReplaceAllSince let a refresh detect mutations that
	// were accepted while its snapshot was in transit.
	SyncGeneration(ctx context.Context, store string) (int64, error)
	ReplaceAllSince(ctx context.Context, store string, records []types.LocalRecord, gen int64) error
	ListStores(ctx context.Context) ([]types.StoreStats, error)
}

// Outbox is the persisted write-ahead queue of mutations awaiting the backend.
type Outbox interface {
	Enqueue(ctx context.Context, m types.NewMutation) (*types.PendingMutation, error)
	// PeekNext returns the oldest due, unblocked pending entry, optionally limited
	// to one store. It returns nil when nothing is ready.
	PeekNext(ctx context.Context, store string) (*types.PendingMutation, error)
	MarkInFlight(ctx context.Context, id int64) error
	MarkSucceeded(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string, retryable bool) (*types.PendingMutation, error)
	Release(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64) (*types.PendingMutation, error)
	GetMutation(ctx context.Context, id int64) (*types.PendingMutation, error)
	ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.PendingMutation, error)
	OutboxStats(ctx context.Context) (types.OutboxStats, error)
}

// Store is the complete device database: records, outbox and the reconcile transaction.
type Store interface {
	RecordStore
	Outbox
	Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error)
	CompleteMutation(ctx context.Context, id int64, store string, ack *types.LocalRecord) (bool, error)
	NextAttemptAt(ctx context.Context) (time.Time, bool, error)
	RequeueInFlight(ctx context.Context) (int64, error)
	Backup(ctx context.Context, destPath string) error
	Close() error
}
