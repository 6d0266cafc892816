package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/jonboulle/clockwork"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fieldsync.db"), opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func retailer(id, name string) types.LocalRecord {
	return types.LocalRecord{ID: id, Fields: map[string]any{"name": name}}
}

func TestStore_NewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Save(context.Background(), "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestStore_NewSQLiteStore_Unavailable(t *testing.T) {
	// Given: a path whose parent is a regular file
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// When: opening a database beneath it
	_, err := NewSQLiteStore(filepath.Join(blocker, "sub", "fieldsync.db"))

	// Then: the failure is classified as storage unavailable
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestStore_NewSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.GetByID(ctx, "retailers", "r1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Fields["name"] != "Shop A" {
		t.Errorf("name = %v, want Shop A", got.Fields["name"])
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A2")); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}
	if err := s.Save(ctx, "beats", retailer("r1", "Beat")); err != nil {
		t.Fatalf("Save() other store error = %v", err)
	}

	all, err := s.GetAll(ctx, "retailers")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d records, want 1", len(all))
	}
	if all[0].Fields["name"] != "Shop A2" {
		t.Errorf("name = %v, want Shop A2", all[0].Fields["name"])
	}
	if all[0].CreatedAt.IsZero() || all[0].UpdatedAt.IsZero() {
		t.Error("expected timestamps to be filled")
	}
}

func TestStore_GetByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "retailers", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Save_EmptyID(t *testing.T) {
	s := newTestStore(t)

	err := s.Save(context.Background(), "retailers", types.LocalRecord{})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Save() error = %v, want ErrInvalidRecord", err)
	}
}

func TestStore_Delete_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "retailers", "r1"); err != nil {
			t.Fatalf("Delete() #%d error = %v", i+1, err)
		}
	}
	if _, err := s.GetByID(ctx, "retailers", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_ReplaceAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "beats", retailer("old", "Old Beat")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "products", retailer("p1", "Soap")); err != nil {
		t.Fatal(err)
	}

	next := []types.LocalRecord{retailer("b1", "North"), retailer("b2", "South")}
	if err := s.ReplaceAll(ctx, "beats", next); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	all, err := s.GetAll(ctx, "beats")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("GetAll() returned %d records, want 2", len(all))
	}
	if _, err := s.GetByID(ctx, "beats", "old"); !errors.Is(err, ErrNotFound) {
		t.Error("old snapshot record should be gone")
	}
	if _, err := s.GetByID(ctx, "products", "p1"); err != nil {
		t.Errorf("other store touched by ReplaceAll: %v", err)
	}
}

func TestStore_ReplaceAll_LargeSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := make([]types.LocalRecord, 0, 250)
	for i := 0; i < 250; i++ {
		records = append(records, retailer(fmt.Sprintf("p%03d", i), "item"))
	}
	if err := s.ReplaceAll(ctx, "products", records); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	all, err := s.GetAll(ctx, "products")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 250 {
		t.Errorf("GetAll() returned %d records, want 250", len(all))
	}
}

func TestStore_ReplaceAll_InterruptedKeepsOldSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: a committed two-record snapshot
	before := []types.LocalRecord{retailer("a", "A"), retailer("b", "B")}
	if err := s.ReplaceAll(ctx, "retailers", before); err != nil {
		t.Fatal(err)
	}

	// When: a refresh of five records is interrupted after the third write
	interrupted := errors.New("interrupted")
	s.afterStage = func(n int) error {
		if n == 3 {
			return interrupted
		}
		return nil
	}
	next := []types.LocalRecord{
		retailer("1", "one"), retailer("2", "two"), retailer("3", "three"),
		retailer("4", "four"), retailer("5", "five"),
	}
	err := s.ReplaceAll(ctx, "retailers", next)
	s.afterStage = nil

	// Then: the error surfaces and readers still see exactly the old snapshot
	if !errors.Is(err, interrupted) {
		t.Fatalf("ReplaceAll() error = %v, want interrupted", err)
	}
	all, err := s.GetAll(ctx, "retailers")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("GetAll() = %+v, want the pre-refresh snapshot", all)
	}
	for _, rec := range all {
		if rec.ID != "a" && rec.ID != "b" {
			t.Errorf("unexpected record %q after interrupted refresh", rec.ID)
		}
	}

	var staged int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM record_staging`).Scan(&staged); err != nil {
		t.Fatal(err)
	}
	if staged != 0 {
		t.Errorf("staging rows left behind: %d", staged)
	}
}

func TestStore_ReplaceAll_StagingPurgedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO record_staging (batch_id, store, id, payload, created_at, updated_at)
		VALUES ('abandoned', 'retailers', 'x', '{}', '', '')
	`); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var staged int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM record_staging`).Scan(&staged); err != nil {
		t.Fatal(err)
	}
	if staged != 0 {
		t.Errorf("staging rows after reopen = %d, want 0", staged)
	}
}

func TestStore_ListStores(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s := newTestStore(t, WithClock(clock))
	ctx := context.Background()

	if err := s.ReplaceAll(ctx, "beats", []types.LocalRecord{retailer("b1", "North")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, updateMutation("retailers", "r1")); err != nil {
		t.Fatal(err)
	}

	stats, err := s.ListStores(ctx)
	if err != nil {
		t.Fatalf("ListStores() error = %v", err)
	}

	byName := make(map[string]types.StoreStats)
	for _, st := range stats {
		byName[st.Store] = st
	}
	if byName["beats"].RecordCount != 1 || byName["beats"].LastRefresh == nil {
		t.Errorf("beats stats = %+v", byName["beats"])
	}
	if !byName["beats"].LastRefresh.Equal(clock.Now()) {
		t.Errorf("LastRefresh = %v, want %v", byName["beats"].LastRefresh, clock.Now())
	}
	if byName["retailers"].Pending != 1 || byName["retailers"].LastRefresh != nil {
		t.Errorf("retailers stats = %+v", byName["retailers"])
	}
}

func TestStore_Backup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "backups", "snapshot.db")
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	// A second backup overwrites the first.
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup() overwrite error = %v", err)
	}

	restored, err := NewSQLiteStore(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()

	if _, err := restored.GetByID(ctx, "retailers", "r1"); err != nil {
		t.Errorf("record missing from backup: %v", err)
	}
}

func TestStore_ReplaceAll_KeepsQueuedLocalWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: a placeholder create, a pending edit and a pending delete
	placeholder := "offline_retailer_1700000000_ab12"
	if err := s.Save(ctx, "retailers", retailer(placeholder, "New Shop")); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, s, createMutation(t, "retailers", placeholder, map[string]any{"name": "New Shop"}))

	if err := s.Save(ctx, "retailers", retailer("srv-1", "Edited locally")); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, s, updateMutation("retailers", "srv-1"))

	payload, _ := fieldsync.Encode(fieldsync.Delete{ID: "srv-2"})
	mustEnqueue(t, s, types.NewMutation{Store: "retailers", EntityID: "srv-2", ActionType: "delete", Payload: payload})

	// When: the remote snapshot still has the old versions
	remote := []types.LocalRecord{
		retailer("srv-1", "Server name"),
		retailer("srv-2", "Deleted locally"),
		retailer("srv-3", "Untouched"),
	}
	if err := s.ReplaceAll(ctx, "retailers", remote); err != nil {
		t.Fatal(err)
	}

	// Then: local intent wins for entities with queued mutations
	got, err := s.GetByID(ctx, "retailers", "srv-1")
	if err != nil || got.Fields["name"] != "Edited locally" {
		t.Errorf("srv-1 = %+v, %v; want local edit kept", got, err)
	}
	if _, err := s.GetByID(ctx, "retailers", "srv-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("srv-2 resurrected by refresh: %v", err)
	}
	if _, err := s.GetByID(ctx, "retailers", placeholder); err != nil {
		t.Errorf("placeholder record erased by refresh: %v", err)
	}
	if _, err := s.GetByID(ctx, "retailers", "srv-3"); err != nil {
		t.Errorf("srv-3 missing: %v", err)
	}
}

func TestStore_ReplaceAllSince_StaleSnapshotAfterReconcile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: an offline create waiting in the outbox
	placeholder := "offline_retailer_1700000000_cd34"
	if err := s.Save(ctx, "retailers", retailer(placeholder, "New Shop")); err != nil {
		t.Fatal(err)
	}
	m := mustEnqueue(t, s, createMutation(t, "retailers", placeholder, map[string]any{"name": "New Shop"}))

	// And: a refresh captured the generation and fetched before the create landed
	gen, err := s.SyncGeneration(ctx, "retailers")
	if err != nil {
		t.Fatal(err)
	}
	snapshot := []types.LocalRecord{retailer("srv-1", "Corner Shop")}

	// When: the create is accepted and reconciled before the swap
	if _, err := s.Reconcile(ctx, ReconcileRequest{
		Store:         "retailers",
		PlaceholderID: placeholder,
		Canonical:     retailer("srv-9", "New Shop"),
		MutationID:    m.ID,
	}); err != nil {
		t.Fatal(err)
	}
	err = s.ReplaceAllSince(ctx, "retailers", snapshot, gen)

	// Then: the stale snapshot is refused and the canonical record survives
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("ReplaceAllSince() error = %v, want ErrStaleSnapshot", err)
	}
	if _, err := s.GetByID(ctx, "retailers", "srv-9"); err != nil {
		t.Errorf("canonical record erased by stale snapshot: %v", err)
	}
	if _, err := s.GetByID(ctx, "retailers", "srv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale snapshot partially applied: %v", err)
	}

	// And: a snapshot fetched at the new generation applies
	gen, err = s.SyncGeneration(ctx, "retailers")
	if err != nil {
		t.Fatal(err)
	}
	fresh := []types.LocalRecord{retailer("srv-1", "Corner Shop"), retailer("srv-9", "New Shop")}
	if err := s.ReplaceAllSince(ctx, "retailers", fresh, gen); err != nil {
		t.Fatalf("ReplaceAllSince(fresh) error = %v", err)
	}
	all, err := s.GetAll(ctx, "retailers")
	if err != nil || len(all) != 2 {
		t.Errorf("GetAll() = %d records, %v; want 2", len(all), err)
	}
}

func TestStore_SyncGeneration_MovesPerStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := mustEnqueue(t, s, updateMutation("retailers", "srv-1"))
	m2 := mustEnqueue(t, s, updateMutation("orders", "ord-1"))

	ack := retailer("srv-1", "server copy")
	if _, err := s.CompleteMutation(ctx, m1.ID, "retailers", &ack); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSucceeded(ctx, m2.ID); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		store string
		want  int64
	}{
		{"retailers", 1},
		{"orders", 1},
		{"products", 0},
	} {
		got, err := s.SyncGeneration(ctx, tt.store)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("SyncGeneration(%s) = %d, want %d", tt.store, got, tt.want)
		}
	}

	stats, err := s.ListStores(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stats {
		if st.LastRefresh != nil {
			t.Errorf("store %s reports a refresh it never had", st.Store)
		}
	}
}

func TestStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.Save(ctx, "retailers", retailer("r1", "Shop A")); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Save() error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.Enqueue(ctx, updateMutation("retailers", "r1")); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Enqueue() error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.GetAll(ctx, "retailers"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("GetAll() error = %v, want ErrStorageUnavailable", err)
	}
}
