package store

import (
	"context"
	"errors"
	"testing"
	"time"

	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/jonboulle/clockwork"
)

func createMutation(t *testing.T, store, placeholder string, fields map[string]any) types.NewMutation {
	t.Helper()
	payload, err := fieldsync.Encode(fieldsync.Create{PlaceholderID: placeholder, Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	return types.NewMutation{
		Store:         store,
		EntityID:      placeholder,
		ActionType:    string(fieldsync.ActionCreate),
		Payload:       payload,
		PlaceholderID: placeholder,
		Refs:          fieldsync.CollectRefs("offline", fields),
	}
}

func updateMutation(store, id string) types.NewMutation {
	payload, _ := fieldsync.Encode(fieldsync.Update{ID: id, Fields: map[string]any{"phone": "9999999999"}})
	return types.NewMutation{
		Store:      store,
		EntityID:   id,
		ActionType: string(fieldsync.ActionUpdate),
		Payload:    payload,
	}
}

func mustEnqueue(t *testing.T, s *SQLiteStore, m types.NewMutation) *types.PendingMutation {
	t.Helper()
	pm, err := s.Enqueue(context.Background(), m)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return pm
}

func TestOutbox_Enqueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pm := mustEnqueue(t, s, createMutation(t, "retailers", "offline_retailer_1_aa", map[string]any{"name": "Shop A"}))

	if pm.ID == 0 {
		t.Error("expected id to be assigned")
	}
	if pm.Status != types.MutationPending || pm.AttemptCount != 0 {
		t.Errorf("new entry = %+v", pm)
	}

	got, err := s.GetMutation(ctx, pm.ID)
	if err != nil {
		t.Fatalf("GetMutation() error = %v", err)
	}
	if got.PlaceholderID != "offline_retailer_1_aa" || got.ActionType != "create" {
		t.Errorf("persisted entry = %+v", got)
	}
}

func TestOutbox_Enqueue_Rejects(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		m    types.NewMutation
	}{
		{"missing store", types.NewMutation{EntityID: "x", ActionType: "delete", Payload: []byte(`{"id":"x"}`)}},
		{"unknown action", types.NewMutation{Store: "retailers", EntityID: "x", ActionType: "upsert", Payload: []byte(`{}`)}},
		{"bad payload", types.NewMutation{Store: "retailers", EntityID: "x", ActionType: "update", Payload: []byte(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.m)
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Enqueue() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestOutbox_PeekNext_FIFOPerEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: create R then update R, plus an independent update
	m1 := mustEnqueue(t, s, createMutation(t, "retailers", "offline_retailer_1_aa", map[string]any{"name": "R"}))
	m2 := mustEnqueue(t, s, updateMutation("retailers", "offline_retailer_1_aa"))
	m3 := mustEnqueue(t, s, updateMutation("retailers", "srv-9"))

	next, err := s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != m1.ID {
		t.Fatalf("PeekNext() = %+v, want m1", next)
	}

	// When: m1 is in flight
	if err := s.MarkInFlight(ctx, m1.ID); err != nil {
		t.Fatal(err)
	}

	// Then: m2 stays blocked behind it while the independent m3 is offered
	next, err = s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != m3.ID {
		t.Fatalf("PeekNext() = %+v, want m3", next)
	}

	// When: m1 fails terminally, m2 still must not overtake it
	if _, err := s.MarkFailed(ctx, m1.ID, "rejected", false); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSucceeded(ctx, m3.ID); err != nil {
		t.Fatal(err)
	}
	next, err = s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("PeekNext() = %+v, want nil while m1 is failed", next)
	}

	// When: m1 is removed, m2 becomes ready
	if err := s.MarkSucceeded(ctx, m1.ID); err != nil {
		t.Fatal(err)
	}
	next, err = s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != m2.ID {
		t.Fatalf("PeekNext() = %+v, want m2", next)
	}
}

func TestOutbox_PeekNext_BlocksOnUnsyncedReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	retailerID := "offline_retailer_1700000000_ab12"
	m1 := mustEnqueue(t, s, createMutation(t, "retailers", retailerID, map[string]any{"name": "Shop A"}))
	m2 := mustEnqueue(t, s, createMutation(t, "visits", "offline_visit_1700000001_cd34", map[string]any{"retailer_id": retailerID}))

	if len(m2.Refs) != 1 || m2.Refs[0] != retailerID {
		t.Fatalf("visit refs = %v", m2.Refs)
	}

	if err := s.MarkInFlight(ctx, m1.ID); err != nil {
		t.Fatal(err)
	}
	next, err := s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Errorf("PeekNext() = %+v, want nil while referenced create is unsynced", next)
	}
}

func TestOutbox_PeekNext_StoreFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	m2 := mustEnqueue(t, s, updateMutation("orders", "srv-2"))

	next, err := s.PeekNext(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != m2.ID {
		t.Errorf("PeekNext(orders) = %+v, want m2", next)
	}
}

func TestOutbox_MarkFailed_BackoffThenTerminal(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	policy := fieldsync.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
	s := newTestStore(t, WithClock(clock), WithRetryPolicy(policy))
	ctx := context.Background()

	m := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))

	// First transient failure: back to pending, due after the base delay.
	if err := s.MarkInFlight(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.MarkFailed(ctx, m.ID, "timeout", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.MutationPending || got.AttemptCount != 1 || got.LastError != "timeout" {
		t.Fatalf("after first failure = %+v", got)
	}
	if want := clock.Now().Add(2 * time.Second); !got.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", got.NextAttempt, want)
	}

	next, err := s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Error("entry offered before its backoff elapsed")
	}

	at, ok, err := s.NextAttemptAt(ctx)
	if err != nil || !ok || !at.Equal(got.NextAttempt) {
		t.Errorf("NextAttemptAt() = %v, %v, %v", at, ok, err)
	}

	clock.Advance(2 * time.Second)
	next, err = s.PeekNext(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.ID != m.ID {
		t.Fatalf("PeekNext() after backoff = %+v", next)
	}

	// Second failure doubles the delay.
	got, err = s.MarkFailed(ctx, m.ID, "timeout", true)
	if err != nil {
		t.Fatal(err)
	}
	if want := clock.Now().Add(4 * time.Second); !got.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", got.NextAttempt, want)
	}

	// Third failure reaches the ceiling.
	got, err = s.MarkFailed(ctx, m.ID, "timeout", true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.MutationFailed || got.AttemptCount != 3 {
		t.Errorf("after ceiling = %+v, want failed with 3 attempts", got)
	}
}

func TestOutbox_MarkFailed_RejectedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	got, err := s.MarkFailed(ctx, m.ID, "422 phone invalid", false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.MutationFailed || got.AttemptCount != 1 {
		t.Errorf("MarkFailed() = %+v, want failed after one attempt", got)
	}

	stats, err := s.OutboxStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("OutboxStats() = %+v", stats)
	}
}

func TestOutbox_MarkInFlight_OnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	if err := s.MarkInFlight(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInFlight(ctx, m.ID); err == nil {
		t.Error("expected error claiming an in-flight entry twice")
	}
	if err := s.MarkInFlight(ctx, 999); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("MarkInFlight(missing) error = %v, want ErrMutationNotFound", err)
	}
}

func TestOutbox_MarkSucceeded_Missing(t *testing.T) {
	s := newTestStore(t)

	if err := s.MarkSucceeded(context.Background(), 42); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("MarkSucceeded() error = %v, want ErrMutationNotFound", err)
	}
}

func TestOutbox_ReleaseAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	m2 := mustEnqueue(t, s, updateMutation("retailers", "srv-2"))
	for _, id := range []int64{m1.ID, m2.ID} {
		if err := s.MarkInFlight(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Release(ctx, m1.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, _ := s.GetMutation(ctx, m1.ID)
	if got.Status != types.MutationPending || got.AttemptCount != 0 {
		t.Errorf("released entry = %+v", got)
	}

	// Simulates restart after a crash with m2 still claimed.
	n, err := s.RequeueInFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("RequeueInFlight() = %d, want 1", n)
	}
	pending, err := s.ListMutations(ctx, types.MutationPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending entries = %d, want 2", len(pending))
	}
}

func TestOutbox_Retry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	if _, err := s.MarkFailed(ctx, m.ID, "rejected", false); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retry(ctx, m.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got.Status != types.MutationPending || got.AttemptCount != 0 {
		t.Errorf("Retry() = %+v", got)
	}

	if err := s.MarkInFlight(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retry(ctx, m.ID); !errors.Is(err, ErrMutationInFlight) {
		t.Errorf("Retry(in flight) error = %v, want ErrMutationInFlight", err)
	}
	if _, err := s.Retry(ctx, 999); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("Retry(missing) error = %v, want ErrMutationNotFound", err)
	}
}

func TestOutbox_CompleteMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	m2 := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))

	ack := retailer("srv-1", "server copy")
	saved, err := s.CompleteMutation(ctx, m1.ID, "retailers", &ack)
	if err != nil {
		t.Fatal(err)
	}
	if saved {
		t.Error("ack written while a later edit is still queued")
	}

	saved, err = s.CompleteMutation(ctx, m2.ID, "retailers", &ack)
	if err != nil {
		t.Fatal(err)
	}
	if !saved {
		t.Error("ack not written after last queued edit")
	}
	got, err := s.GetByID(ctx, "retailers", "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["name"] != "server copy" {
		t.Errorf("record = %+v", got)
	}

	if _, err := s.CompleteMutation(ctx, m2.ID, "retailers", nil); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("CompleteMutation() twice error = %v, want ErrMutationNotFound", err)
	}
}
