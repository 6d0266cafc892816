// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// Operation names used for failure injection and call counting.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpList   = "list"
	OpUpdate = "update"
	OpDelete = "delete"
	OpPing   = "ping"
)

// ErrUnreachable is returned by every call while the backend is offline.
var ErrUnreachable = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

// Backend is an in-memory backend that honors idempotency keys on create.
type Backend struct {
	mu       sync.Mutex
	records  map[string]map[string]types.LocalRecord
	idem     map[string]string
	calls    map[string]int
	failures map[string][]error
	offline  bool
	hook     func(ctx context.Context, op, store string) error
}

// New returns an empty, reachable backend.
func New() *Backend {
	return &Backend{
		records:  make(map[string]map[string]types.LocalRecord),
		idem:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

var _ remote.Backend = (*Backend)(nil)

// Seed stores records as if they already existed remotely.
func (b *Backend) Seed(store string, recs ...types.LocalRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range recs {
		b.storeLocked(store)[r.ID] = r.Clone()
	}
}

// Records returns the backend's copy of a store sorted by id.
func (b *Backend) Records(store string) []types.LocalRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.LocalRecord, 0, len(b.records[store]))
	for _, r := range b.records[store] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOffline makes every call fail with ErrUnreachable.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// FailNext queues err to be returned by the next call of op.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	b.failures[op] = append(b.failures[op], err)
	b.mu.Unlock()
}

// SetHook installs a function run before every call; a non-nil result fails the call.
// Hooks may block on ctx to simulate a stuck request.
func (b *Backend) SetHook(hook func(ctx context.Context, op, store string) error) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) storeLocked(store string) map[string]types.LocalRecord {
	m, ok := b.records[store]
	if !ok {
		m = make(map[string]types.LocalRecord)
		b.records[store] = m
	}
	return m
}

// enter counts the call and applies offline mode, hooks and injected failures.
func (b *Backend) enter(ctx context.Context, op, store string) error {
	b.mu.Lock()
	b.calls[op]++
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, store); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return ErrUnreachable
	}
	if queued := b.failures[op]; len(queued) > 0 {
		b.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.enter(ctx, OpPing, "")
}

func (b *Backend) Create(ctx context.Context, store, idempotencyKey string, fields map[string]any) (*types.LocalRecord, error) {
	if err := b.enter(ctx, OpCreate, store); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.idem[idempotencyKey]; ok && idempotencyKey != "" {
		rec := b.records[store][id].Clone()
		return &rec, nil
	}

	now := time.Now().UTC()
	rec := types.LocalRecord{
		ID:        "srv-" + strings.ToLower(ulid.Make().String()),
		Fields:    types.CloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.storeLocked(store)[rec.ID] = rec
	if idempotencyKey != "" {
		b.idem[idempotencyKey] = rec.ID
	}
	out := rec.Clone()
	return &out, nil
}

func (b *Backend) Get(ctx context.Context, store, id string) (*types.LocalRecord, error) {
	if err := b.enter(ctx, OpGet, store); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[store][id]
	if !ok {
		return nil, &remote.Error{Status: 404, Title: "Not Found"}
	}
	out := rec.Clone()
	return &out, nil
}

func (b *Backend) List(ctx context.Context, store string) ([]types.LocalRecord, error) {
	if err := b.enter(ctx, OpList, store); err != nil {
		return nil, err
	}
	return b.Records(store), nil
}

func (b *Backend) Update(ctx context.Context, store, id string, fields map[string]any) (*types.LocalRecord, error) {
	if err := b.enter(ctx, OpUpdate, store); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[store][id]
	if !ok {
		return nil, &remote.Error{Status: 404, Title: "Not Found", Detail: id}
	}
	rec = rec.Clone()
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	for k, v := range types.CloneFields(fields) {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()
	b.records[store][id] = rec
	out := rec.Clone()
	return &out, nil
}

func (b *Backend) Delete(ctx context.Context, store, id string) error {
	if err := b.enter(ctx, OpDelete, store); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records[store], id)
	return nil
}
