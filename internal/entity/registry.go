// Package entity describes the entity stores the device caches.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var (
	ErrUnknownStore   = errors.New("unknown store")
	ErrDuplicateStore = errors.New("store already registered")
	ErrInvalidKind    = errors.New("invalid entity kind")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Kind describes one entity store.
type Kind struct {
	// Store is the local store and remote collection name, e.g. "retailers".
	Store string `yaml:"store" json:"store"`
	// Name is the singular kind embedded in placeholder ids, e.g. "retailer".
	Name string `yaml:"kind" json:"kind"`
	// Master marks rarely-changing reference data bulk-cached by the hydrator.
	Master bool `yaml:"master" json:"master"`
	// References lists the stores this kind's fields may point into.
	References []string `yaml:"references,omitempty" json:"references,omitempty"`
}

// Validate checks the kind's names.
func (k Kind) Validate() error {
	if !namePattern.MatchString(k.Store) {
		return fmt.Errorf("%w: store %q must be lowercase snake_case", ErrInvalidKind, k.Store)
	}
	if !namePattern.MatchString(k.Name) {
		return fmt.Errorf("%w: kind %q must be lowercase snake_case", ErrInvalidKind, k.Name)
	}
	return nil
}

// Registry holds the known entity kinds keyed by store name.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates a registry holding kinds.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Kind)}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a kind. Registering the same store twice is an error.
func (r *Registry) Register(k Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Store]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStore, k.Store)
	}
	k.References = append([]string(nil), k.References...)
	r.kinds[k.Store] = k
	return nil
}

// Get returns the kind registered for store.
func (r *Registry) Get(store string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[store]
	return k, ok
}

// Lookup is Get returning ErrUnknownStore for unregistered stores.
func (r *Registry) Lookup(store string) (Kind, error) {
	k, ok := r.Get(store)
	if !ok {
		return Kind{}, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	return k, nil
}

// Kinds returns every registered kind ordered by store name.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Store < out[j].Store })
	return out
}

// Master returns the master-data kinds ordered by store name.
func (r *Registry) Master() []Kind {
	var out []Kind
	for _, k := range r.Kinds() {
		if k.Master {
			out = append(out, k)
		}
	}
	return out
}

// Stores returns the registered store names, sorted.
func (r *Registry) Stores() []string {
	kinds := r.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.Store
	}
	return out
}

// Defaults returns the field-operations entity set.
func Defaults() []Kind {
	return []Kind{
		{Store: "retailers", Name: "retailer", References: []string{"beats"}},
		{Store: "visits", Name: "visit", References: []string{"retailers", "beats"}},
		{Store: "orders", Name: "order", References: []string{"retailers", "products"}},
		{Store: "expenses", Name: "expense", References: []string{"expense_categories"}},
		{Store: "beats", Name: "beat", Master: true},
		{Store: "products", Name: "product", Master: true},
		{Store: "expense_categories", Name: "expense_category", Master: true},
	}
}
