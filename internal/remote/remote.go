// Package remote is the client side of the backend entity API.
package remote

import (
	"context"

	"github.com/fieldops/fieldsync/internal/types"
)

// Backend is the remote source of truth for every entity store.
type Backend interface {
	// Create submits a new entity. Replays carrying the same idempotency key
	// return the record created by the first call.
	Create(ctx context.Context, store, idempotencyKey string, fields map[string]any) (*types.LocalRecord, error)
	Get(ctx context.Context, store, id string) (*types.LocalRecord, error)
	List(ctx context.Context, store string) ([]types.LocalRecord, error)
	Update(ctx context.Context, store, id string, fields map[string]any) (*types.LocalRecord, error)
	// Delete removes an entity. Deleting an entity that is already gone succeeds.
	Delete(ctx context.Context, store, id string) error
	// Ping is the lightweight reachability probe.
	Ping(ctx context.Context) error
}
