package sync

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestPlaceholderGenerator_Format(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1700000000000))
	g := NewPlaceholderGenerator("", clock)

	id := g.New("retailer")

	if !strings.HasPrefix(id, "offline_retailer_1700000000000_") {
		t.Errorf("New() = %q, want offline_retailer_1700000000000_ prefix", id)
	}
	if !g.IsPlaceholder(id) {
		t.Errorf("IsPlaceholder(%q) = false", id)
	}
}

func TestPlaceholderGenerator_MonotonicUnderFrozenClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewPlaceholderGenerator("offline", clock)

	seen := make(map[string]bool)
	var lastTS string
	for i := 0; i < 100; i++ {
		id := g.New("visit")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true

		parts := strings.Split(id, "_")
		ts := parts[len(parts)-2]
		if lastTS != "" && !(len(ts) > len(lastTS) || ts > lastTS) {
			t.Fatalf("timestamp %s not after %s", ts, lastTS)
		}
		lastTS = ts
	}
}

func TestIsPlaceholder(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"offline_retailer_1700000000_ab12", true},
		{"offline_expense_category_1700000000_ab12", true},
		{"srv-445", false},
		{"offline_retailer_abc_ab12", false},
		{"offline_1700000000_ab12", false},
		{"offline_retailer_1700000000_", false},
		{"offline__1700000000_ab12", false},
		{"online_retailer_1700000000_ab12", false},
		{"offline_retailer_1700000000_AB12", false},
	}
	for _, tt := range tests {
		if got := IsPlaceholder("offline", tt.id); got != tt.want {
			t.Errorf("IsPlaceholder(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
