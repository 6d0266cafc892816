package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
)

const selectMutationSQL = `
	SELECT id, store, entity_id, action_type, payload, placeholder_id, refs,
	       status, attempt_count, last_error, next_attempt_at, created_at, updated_at
	FROM outbox`

func scanMutation(scanner interface{ Scan(...any) error }) (*types.PendingMutation, error) {
	var m types.PendingMutation
	var payload, refs, status, nextAttempt, createdAt, updatedAt string
	var placeholder, lastError sql.NullString

	if err := scanner.Scan(&m.ID, &m.Store, &m.EntityID, &m.ActionType, &payload, &placeholder, &refs,
		&status, &m.AttemptCount, &lastError, &nextAttempt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m.Payload = json.RawMessage(payload)
	m.PlaceholderID = placeholder.String
	m.LastError = lastError.String
	m.Status = types.MutationStatus(status)
	if refs != "" && refs != "[]" {
		if err := json.Unmarshal([]byte(refs), &m.Refs); err != nil {
			return nil, fmt.Errorf("parse refs of mutation %d: %w", m.ID, err)
		}
	}
	m.NextAttempt = parseTime("next_attempt_at", nextAttempt)
	m.CreatedAt = parseTime("created_at", createdAt)
	m.UpdatedAt = parseTime("updated_at", updatedAt)
	return &m, nil
}

func encodeRefs(refs []string) string {
	if len(refs) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(refs)
	return string(data)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Enqueue persists a mutation before returning, so a crash right after a local
// write cannot lose it.
func (s *SQLiteStore) Enqueue(ctx context.Context, nm types.NewMutation) (*types.PendingMutation, error) {
	if nm.Store == "" || nm.EntityID == "" {
		return nil, fmt.Errorf("%w: mutation needs store and entity id", ErrInvalidRecord)
	}
	if _, err := fieldsync.Decode(nm.ActionType, nm.Payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	now := s.now()
	nowStr := formatTime(now)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (store, entity_id, action_type, payload, placeholder_id, refs,
		                    status, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`, nm.Store, nm.EntityID, nm.ActionType, string(nm.Payload), nullString(nm.PlaceholderID),
		encodeRefs(nm.Refs), nowStr, nowStr, nowStr)
	if err != nil {
		return nil, unavailable(fmt.Errorf("enqueue mutation: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	slog.Debug("mutation enqueued",
		"component", "outbox",
		"action", "enqueue",
		"mutation_id", id,
		"store", nm.Store,
		"entity_id", nm.EntityID,
		"action_type", nm.ActionType,
	)

	return &types.PendingMutation{
		ID:            id,
		Store:         nm.Store,
		EntityID:      nm.EntityID,
		ActionType:    nm.ActionType,
		Payload:       nm.Payload,
		PlaceholderID: nm.PlaceholderID,
		Refs:          nm.Refs,
		Status:        types.MutationPending,
		NextAttempt:   parseTime("next_attempt_at", nowStr),
		CreatedAt:     parseTime("created_at", nowStr),
		UpdatedAt:     parseTime("updated_at", nowStr),
	}, nil
}

// GetMutation returns one outbox entry or ErrMutationNotFound.
func (s *SQLiteStore) GetMutation(ctx context.Context, id int64) (*types.PendingMutation, error) {
	return s.getMutation(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getMutation(ctx context.Context, q queryRower, id int64) (*types.PendingMutation, error) {
	m, err := scanMutation(q.QueryRowContext(ctx, selectMutationSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMutationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mutation: %w", err)
	}
	return m, nil
}

// ListMutations returns entries in creation order, filtered by status when given.
func (s *SQLiteStore) ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.PendingMutation, error) {
	query := selectMutationSQL
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := make([]types.PendingMutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// PeekNext returns the oldest pending entry that is due and not blocked.
//
// An entry is blocked while an older entry for the same (store, entity) is still
// in the outbox in any status, or while it references a placeholder whose create
// has not been accepted yet. This keeps per-entity FIFO order across retries and
// terminal failures.
func (s *SQLiteStore) PeekNext(ctx context.Context, store string) (*types.PendingMutation, error) {
	m, err := scanMutation(s.db.QueryRowContext(ctx, selectMutationSQL+` AS o
		WHERE o.status = 'pending'
		  AND o.next_attempt_at <= ?
		  AND (? = '' OR o.store = ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox e
		      WHERE e.store = o.store AND e.entity_id = o.entity_id AND e.id < o.id)
		  AND NOT EXISTS (
		      SELECT 1 FROM json_each(o.refs) r
		      JOIN outbox c ON c.placeholder_id = r.value
		      WHERE c.action_type = ? AND c.id < o.id
		        AND r.value <> COALESCE(o.placeholder_id, ''))
		ORDER BY o.id ASC
		LIMIT 1
	`, formatTime(s.now()), store, store, string(fieldsync.ActionCreate)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("peek outbox: %w", err))
	}
	return m, nil
}

// NextAttemptAt returns the earliest future attempt among pending entries that
// are backing off. It reports false when none is scheduled.
func (s *SQLiteStore) NextAttemptAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM outbox WHERE status = 'pending' AND next_attempt_at > ?`,
		formatTime(s.now())).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query next attempt: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return parseTime("next_attempt_at", next.String), true, nil
}

func (s *SQLiteStore) transition(ctx context.Context, id int64, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMutation(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("mutation %d: unexpected status", id)
	}
	return nil
}

// MarkInFlight claims a pending entry for submission.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, id int64) error {
	err := s.transition(ctx, id, `
		UPDATE outbox SET status = 'in_flight', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	return nil
}

// MarkSucceeded removes an entry after the backend durably accepted it.
func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var store string
	err = tx.QueryRowContext(ctx, `DELETE FROM outbox WHERE id = ? RETURNING store`, id).Scan(&store)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMutationNotFound
	}
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if err := bumpSyncGeneration(ctx, tx, store); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures under the retry ceiling
// go back to pending with a backoff delay; everything else becomes terminally failed.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, cause string, retryable bool) (*types.PendingMutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := s.getMutation(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m.AttemptCount++
	m.LastError = cause
	m.UpdatedAt = now
	if retryable && !s.policy.Exhausted(m.AttemptCount) {
		m.Status = types.MutationPending
		m.NextAttempt = now.Add(s.policy.Delay(m.AttemptCount))
	} else {
		m.Status = types.MutationFailed
		m.NextAttempt = now
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, string(m.Status), m.AttemptCount, nullString(cause), formatTime(m.NextAttempt), formatTime(now), id); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return m, nil
}

// Release returns an in-flight entry to pending without consuming an attempt.
// Used when a submission was cancelled rather than answered.
func (s *SQLiteStore) Release(ctx context.Context, id int64) error {
	err := s.transition(ctx, id, `
		UPDATE outbox SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'in_flight'
	`, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("release mutation: %w", err)
	}
	return nil
}

// Retry makes a failed or backing-off entry immediately due again with a fresh
// attempt budget.
func (s *SQLiteStore) Retry(ctx context.Context, id int64) (*types.PendingMutation, error) {
	m, err := s.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == types.MutationInFlight {
		return nil, ErrMutationInFlight
	}

	now := formatTime(s.now())
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status != 'in_flight'
	`, now, now, id); err != nil {
		return nil, fmt.Errorf("retry mutation: %w", err)
	}
	return s.GetMutation(ctx, id)
}

// RequeueInFlight returns entries orphaned in flight by a crash to pending.
func (s *SQLiteStore) RequeueInFlight(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', updated_at = ?
		WHERE status = 'in_flight'
	`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight mutations: %w", err)
	}
	return result.RowsAffected()
}

// OutboxStats counts entries per status.
func (s *SQLiteStore) OutboxStats(ctx context.Context) (types.OutboxStats, error) {
	var stats types.OutboxStats
	err := s.eachRow(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`, func(scan func(...any) error) error {
		var status string
		var n int64
		if err := scan(&status, &n); err != nil {
			return err
		}
		switch types.MutationStatus(status) {
		case types.MutationPending:
			stats.Pending = n
		case types.MutationInFlight:
			stats.InFlight = n
		case types.MutationFailed:
			stats.Failed = n
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("count outbox: %w", err)
	}
	return stats, nil
}

// CompleteMutation removes an accepted entry and, when ack is set and no later
// entry for the same entity remains, stores the backend's copy of the record.
// Both happen in one transaction. It reports whether the record was written.
func (s *SQLiteStore) CompleteMutation(ctx context.Context, id int64, store string, ack *types.LocalRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove mutation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, ErrMutationNotFound
	}
	if err := bumpSyncGeneration(ctx, tx, store); err != nil {
		return false, err
	}

	saved := false
	if ack != nil {
		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM outbox WHERE store = ? AND entity_id = ?`, store, ack.ID).Scan(&remaining); err != nil {
			return false, fmt.Errorf("count remaining mutations: %w", err)
		}
		if remaining == 0 {
			if err := s.upsertRecord(ctx, tx, store, *ack); err != nil {
				return false, err
			}
			saved = true
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return saved, nil
}
