package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrInvalidRecord      = errors.New("invalid record")
	ErrMutationNotFound   = errors.New("outbox entry not found")
	ErrMutationInFlight   = errors.New("outbox entry is in flight")

	// ErrStaleSnapshot is returned when a mutation was accepted for the store
	// after the snapshot being written was fetched.
	ErrStaleSnapshot = errors.New("snapshot predates accepted local changes")
)

// unavailable marks err as ErrStorageUnavailable when the database file or
// handle failed, as opposed to the statement being rejected.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) || !storageFailure(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func storageFailure(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_NOTADB:
			return true
		}
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	// database/sql does not export the error it returns after Close.
	return strings.Contains(err.Error(), "sql: database is closed")
}
