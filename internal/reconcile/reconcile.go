// Package reconcile swaps placeholder ids for backend-canonical ids once a create
// is accepted, and tells screens about it.
package reconcile

import (
	"context"
	"fmt"

	"github.com/fieldops/fieldsync/internal/events"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/types"
)

// Store performs the atomic reconcile transaction. Implemented by store.SQLiteStore.
type Store interface {
	Reconcile(ctx context.Context, req store.ReconcileRequest) (*store.ReconcileResult, error)
}

// Publisher emits UI events. Implemented by events.Bus.
type Publisher interface {
	Publish(name events.Name, detail any)
}

// Reconciler applies placeholder-to-canonical remaps.
type Reconciler struct {
	store Store
	bus   Publisher
}

// New creates a Reconciler.
func New(s Store, bus Publisher) *Reconciler {
	return &Reconciler{store: s, bus: bus}
}

// Reconcile records canonical as the accepted version of placeholderID in storeName.
// mutationID, when non-zero, is the accepted create entry removed alongside.
func (r *Reconciler) Reconcile(ctx context.Context, storeName, placeholderID string, canonical types.LocalRecord, mutationID int64) (*store.ReconcileResult, error) {
	res, err := r.store.Reconcile(ctx, store.ReconcileRequest{
		Store:         storeName,
		PlaceholderID: placeholderID,
		Canonical:     canonical,
		MutationID:    mutationID,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", placeholderID, err)
	}

	if r.bus != nil {
		r.bus.Publish(events.RecordReconciled, events.RecordReconciledDetail{
			Store:         storeName,
			PlaceholderID: placeholderID,
			CanonicalID:   canonical.ID,
		})
		changed := events.DataChangedDetail{Store: storeName, ID: canonical.ID}
		if res.Stored {
			rec := res.Record.Clone()
			changed.Record = &rec
		}
		r.bus.Publish(events.DataChanged, changed)
	}
	return res, nil
}
