// Package events is the in-process signal bus screens use to react to sync activity.
// Delivery is synchronous and best effort; durability lives in the store and outbox.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/types"
)

// Name identifies an event kind.
type Name string

const (
	DataChanged         Name = "dataChanged"
	SyncStarted         Name = "syncStarted"
	SyncComplete        Name = "syncComplete"
	RecordReconciled    Name = "recordReconciled"
	MutationFailed      Name = "mutationFailed"
	ConnectivityChanged Name = "connectivityChanged"

	// All subscribes a handler to every event.
	All Name = "*"
)

// Event is one published signal.
type Event struct {
	Name   Name      `json:"name"`
	Detail any       `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// DataChangedDetail reports a local record write. Record is nil for deletions.
type DataChangedDetail struct {
	Store  string             `json:"store"`
	ID     string             `json:"id"`
	Record *types.LocalRecord `json:"record,omitempty"`
}

// SyncCompleteDetail summarizes a finished drain.
type SyncCompleteDetail struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// RecordReconciledDetail carries both ids so views holding the placeholder can re-point.
type RecordReconciledDetail struct {
	Store         string `json:"store"`
	PlaceholderID string `json:"placeholderId"`
	CanonicalID   string `json:"canonicalId"`
}

// MutationFailedDetail is the user-visible notification of a terminal failure.
type MutationFailedDetail struct {
	MutationID int64  `json:"mutationId"`
	Store      string `json:"store"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
}

// Handler receives events. Handlers run on the publisher's goroutine and must not block.
type Handler func(Event)

// Bus fans published events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[Name]map[uint64]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Name]map[uint64]Handler)}
}

// Subscribe registers h for name and returns a function that removes it.
func (b *Bus) Subscribe(name Name, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[name], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every current subscriber of name and of All.
func (b *Bus) Publish(name Name, detail any) {
	ev := Event{Name: name, Detail: detail, At: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[name])+len(b.subs[All]))
	for _, h := range b.subs[name] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[All] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"component", "events",
				"event", string(ev.Name),
				"panic", r,
			)
		}
	}()
	h(ev)
}

// Deferred publishes to a Bus, except while held: events published then are
// queued and replayed in order when the last hold is released.
type Deferred struct {
	bus *Bus

	mu     sync.Mutex
	holds  int
	queued []Event
}

// NewDeferred wraps bus.
func NewDeferred(bus *Bus) *Deferred {
	return &Deferred{bus: bus}
}

// Publish delivers now, or queues the event while the publisher is held.
func (d *Deferred) Publish(name Name, detail any) {
	d.mu.Lock()
	if d.holds > 0 {
		d.queued = append(d.queued, Event{Name: name, Detail: detail})
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.bus.Publish(name, detail)
}

// Hold starts queueing. Every Hold must be paired with a Release.
func (d *Deferred) Hold() {
	d.mu.Lock()
	d.holds++
	d.mu.Unlock()
}

// Release ends a hold and, if it was the last, replays the queue.
func (d *Deferred) Release() {
	d.mu.Lock()
	if d.holds > 0 {
		d.holds--
	}
	if d.holds > 0 {
		d.mu.Unlock()
		return
	}
	queued := d.queued
	d.queued = nil
	d.mu.Unlock()

	for _, ev := range queued {
		d.bus.Publish(ev.Name, ev.Detail)
	}
}
