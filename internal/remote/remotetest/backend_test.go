package remotetest

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldops/fieldsync/internal/remote"
)

func TestBackend_CreateIsIdempotent(t *testing.T) {
	b := New()
	ctx := context.Background()

	first, err := b.Create(ctx, "retailers", "offline_retailer_1_ab", map[string]any{"name": "Shop A"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Create(ctx, "retailers", "offline_retailer_1_ab", map[string]any{"name": "Shop A"})
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("replayed create returned %q, want %q", second.ID, first.ID)
	}
	if n := len(b.Records("retailers")); n != 1 {
		t.Errorf("backend holds %d records, want 1", n)
	}
}

func TestBackend_FailureInjection(t *testing.T) {
	b := New()
	ctx := context.Background()

	b.FailNext(OpUpdate, &remote.Error{Status: 422})
	if _, err := b.Update(ctx, "retailers", "x", nil); remote.Classify(err) != remote.ClassRejected {
		t.Errorf("injected error = %v", err)
	}
	if b.Calls(OpUpdate) != 1 {
		t.Errorf("Calls(update) = %d, want 1", b.Calls(OpUpdate))
	}

	b.SetOffline(true)
	if err := b.Ping(ctx); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Ping() offline error = %v", err)
	}
}
