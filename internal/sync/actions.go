// Package sync defines the closed set of outbox mutation actions, their typed
// payloads, the retry policy, and client-side placeholder identifiers.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionType tags an outbox entry with the operation it performs.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// ErrUnknownAction is returned when an outbox entry carries an unrecognized action tag.
var ErrUnknownAction = errors.New("unknown action type")

// Mutation is one of Create, Update or Delete.
type Mutation interface {
	Action() ActionType
	// Target returns the id of the entity the mutation applies to.
	Target() string
	mutation()
}

// Create submits a new entity. PlaceholderID doubles as the idempotency token.
type Create struct {
	PlaceholderID string         `json:"placeholder_id"`
	Fields        map[string]any `json:"fields"`
}

// Update patches the given fields of an existing entity.
type Update struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Delete removes an entity.
type Delete struct {
	ID string `json:"id"`
}

func (Create) Action() ActionType { return ActionCreate }
func (Update) Action() ActionType { return ActionUpdate }
func (Delete) Action() ActionType { return ActionDelete }

func (c Create) Target() string { return c.PlaceholderID }
func (u Update) Target() string { return u.ID }
func (d Delete) Target() string { return d.ID }

func (Create) mutation() {}
func (Update) mutation() {}
func (Delete) mutation() {}

// Encode serializes a mutation payload for the outbox.
func Encode(m Mutation) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Action(), err)
	}
	return data, nil
}

// Decode restores the typed mutation stored under the given action tag.
func Decode(action string, payload json.RawMessage) (Mutation, error) {
	switch ActionType(action) {
	case ActionCreate:
		var c Create
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode create payload: %w", err)
		}
		return c, nil
	case ActionUpdate:
		var u Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("decode update payload: %w", err)
		}
		return u, nil
	case ActionDelete:
		var d Delete
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
