package sync

import (
	"fmt"
	"strings"
	gosync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

// DefaultPlaceholderPrefix marks client-generated ids. Backend ids never carry it.
const DefaultPlaceholderPrefix = "offline"

// PlaceholderGenerator mints ids of the form <prefix>_<kind>_<millis>_<suffix>.
// Timestamps are strictly increasing per generator.
type PlaceholderGenerator struct {
	prefix string
	clock  clockwork.Clock

	mu   gosync.Mutex
	last int64
}

// NewPlaceholderGenerator creates a generator. An empty prefix selects DefaultPlaceholderPrefix.
func NewPlaceholderGenerator(prefix string, clock clockwork.Clock) *PlaceholderGenerator {
	if prefix == "" {
		prefix = DefaultPlaceholderPrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PlaceholderGenerator{prefix: prefix, clock: clock}
}

// Prefix returns the placeholder prefix.
func (g *PlaceholderGenerator) Prefix() string {
	return g.prefix
}

// New returns a fresh placeholder id for the given entity kind.
func (g *PlaceholderGenerator) New(kind string) string {
	g.mu.Lock()
	ts := g.clock.Now().UnixMilli()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	g.mu.Unlock()

	// The trailing characters of a ULID are entropy.
	id := ulid.Make().String()
	suffix := strings.ToLower(id[len(id)-6:])
	return fmt.Sprintf("%s_%s_%d_%s", g.prefix, kind, ts, suffix)
}

// IsPlaceholder reports whether id was minted by this generator's prefix.
func (g *PlaceholderGenerator) IsPlaceholder(id string) bool {
	return IsPlaceholder(g.prefix, id)
}

// IsPlaceholder reports whether id has the shape <prefix>_<kind>_<digits>_<alnum>.
func IsPlaceholder(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return false
	}
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return false
	}
	for _, p := range parts[:len(parts)-2] {
		if p == "" {
			return false
		}
	}
	ts, suffix := parts[len(parts)-2], parts[len(parts)-1]
	if ts == "" || suffix == "" {
		return false
	}
	for _, r := range ts {
		if r < '0' || r > '9' {
			return false
		}
	}
	for _, r := range suffix {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}
