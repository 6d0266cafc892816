package engine

import (
	"errors"
	"strings"

	"github.com/fieldops/fieldsync/internal/entity"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/validation"
)

var (
	// ErrOffline is returned by operations that need the backend while it is unreachable
	// and no local cache can stand in (online-only mode, manual sync).
	ErrOffline = errors.New("backend unreachable")

	ErrUnknownStore       = entity.ErrUnknownStore
	ErrNotFound           = store.ErrNotFound
	ErrStorageUnavailable = store.ErrStorageUnavailable
	ErrInvalidWrite       = errors.New("invalid write")
)

// WriteError lists the problems found in a rejected write intent.
type WriteError struct {
	Errors []validation.ValidationError
}

func (e *WriteError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid write: " + strings.Join(parts, "; ")
}

func (e *WriteError) Unwrap() error {
	return ErrInvalidWrite
}
