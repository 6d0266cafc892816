package types

import (
	"encoding/json"
	"time"
)

// LocalRecord is an entity instance cached in a named store (retailers, visits, ...).
// Exactly one record exists per (store, id).
type LocalRecord struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the record so callers can mutate fields freely.
func (r LocalRecord) Clone() LocalRecord {
	out := r
	out.Fields = CloneFields(r.Fields)
	return out
}

// CloneFields deep-copies a JSON-shaped field map.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// MutationStatus is the lifecycle state of an outbox entry.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "in_flight"
	MutationFailed   MutationStatus = "failed"
)

// Valid reports whether s is a known status.
func (s MutationStatus) Valid() bool {
	switch s {
	case MutationPending, MutationInFlight, MutationFailed:
		return true
	}
	return false
}

// PendingMutation is a write-ahead outbox entry not yet accepted by the backend.
type PendingMutation struct {
	ID            int64           `json:"id"`
	Store         string          `json:"store"`
	EntityID      string          `json:"entity_id"`
	ActionType    string          `json:"action_type"`
	Payload       json.RawMessage `json:"payload"`
	PlaceholderID string          `json:"placeholder_id,omitempty"`
	// Refs lists placeholder ids referenced by the payload. The entry is blocked
	// until every referenced placeholder has been reconciled.
	Refs         []string       `json:"refs,omitempty"`
	Status       MutationStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	NextAttempt  time.Time      `json:"next_attempt_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewMutation carries the fields needed to enqueue an outbox entry.
type NewMutation struct {
	Store         string
	EntityID      string
	ActionType    string
	Payload       json.RawMessage
	PlaceholderID string
	Refs          []string
}

// ConnectivityState is the reachability of the remote backend.
type ConnectivityState string

const (
	StateUnknown ConnectivityState = "unknown"
	StateOnline  ConnectivityState = "online"
	StateOffline ConnectivityState = "offline"
)

// Transition is a timestamped change of ConnectivityState.
type Transition struct {
	From ConnectivityState `json:"from"`
	To   ConnectivityState `json:"to"`
	At   time.Time         `json:"at"`
}

// SyncReport summarizes one processQueue run.
type SyncReport struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	// Coalesced is set when the call joined an already running drain instead of starting one.
	Coalesced bool          `json:"coalesced,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// StoreStats describes one local store for diagnostics.
type StoreStats struct {
	Store       string     `json:"store"`
	RecordCount int64      `json:"record_count"`
	Pending     int64      `json:"pending"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// OutboxStats counts outbox entries by status.
type OutboxStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
}

// Total returns the number of entries still awaiting remote acceptance.
func (s OutboxStats) Total() int64 {
	return s.Pending + s.InFlight + s.Failed
}

// HealthResponse is returned by the loopback API health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Connectivity ConnectivityState `json:"connectivity"`
	Mode         string            `json:"mode"`
	Outbox       OutboxStats       `json:"outbox"`
}

// WriteIntent is a screen's request to change one record.
// Action is "create", "update" or "delete"; ID is required except for create.
type WriteIntent struct {
	Action string         `json:"action" validate:"oneof=create update delete"`
	ID     string         `json:"id,omitempty" validate:"required_if=Action update,required_if=Action delete"`
	Fields map[string]any `json:"fields,omitempty" validate:"required_if=Action create,required_if=Action update"`
}
