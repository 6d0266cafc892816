package client

import (
	"fmt"
	"time"
)

// Record is one cached entity instance. Records created offline carry a
// placeholder id until the backend accepts them.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OutboxEntry is a queued write not yet accepted by the backend.
type OutboxEntry struct {
	ID            int64     `json:"id"`
	Store         string    `json:"store"`
	EntityID      string    `json:"entity_id"`
	ActionType    string    `json:"action_type"`
	PlaceholderID string    `json:"placeholder_id,omitempty"`
	Refs          []string  `json:"refs,omitempty"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttempt   time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OutboxStats counts queued writes by status.
type OutboxStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
}

// Outbox is the daemon's queue listing.
type Outbox struct {
	Entries []OutboxEntry `json:"entries"`
	Stats   OutboxStats   `json:"stats"`
}

// Health is the daemon status.
type Health struct {
	Status       string      `json:"status"`
	Version      string      `json:"version"`
	Connectivity string      `json:"connectivity"`
	Mode         string      `json:"mode"`
	Outbox       OutboxStats `json:"outbox"`
}

// SyncReport summarizes one outbox drain.
type SyncReport struct {
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Retrying  int  `json:"retrying"`
	Coalesced bool `json:"coalesced,omitempty"`
}

// StoreStats describes one local store.
type StoreStats struct {
	Store       string     `json:"store"`
	RecordCount int64      `json:"record_count"`
	Pending     int64      `json:"pending"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// BackupResult reports where a device backup went.
type BackupResult struct {
	Path      string `json:"path"`
	ObjectKey string `json:"object_key,omitempty"`
}

// FieldError is one rejected field of a write.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is an RFC 7807 problem returned by the daemon.
type Error struct {
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("fieldsync %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("fieldsync %d %s", e.Status, e.Title)
}
