package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
)

// ReconcileRequest replaces a placeholder id with the backend's canonical record.
type ReconcileRequest struct {
	Store         string
	PlaceholderID string
	Canonical     types.LocalRecord
	// MutationID is the accepted create entry; it is removed in the same transaction.
	// Zero means no outbox entry is involved.
	MutationID int64
}

// ReconcileResult describes what a reconcile transaction changed.
type ReconcileResult struct {
	// PlaceholderFound is false when the placeholder record was already gone.
	PlaceholderFound   bool
	RecordsRewritten   int
	MutationsRewritten int
	// Stored is false when a queued local delete of the entity kept the
	// canonical record out of the cache.
	Stored bool
	// Record is the row stored under the canonical id.
	Record types.LocalRecord
}

// Reconcile swaps a placeholder for its canonical id in one transaction: the
// canonical record is written, the placeholder record removed, and every record
// and outbox entry referencing the placeholder is rewritten.
func (s *SQLiteStore) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	if req.Store == "" || req.PlaceholderID == "" || req.Canonical.ID == "" {
		return nil, fmt.Errorf("%w: reconcile needs store, placeholder and canonical id", ErrInvalidRecord)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if req.MutationID != 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, req.MutationID); err != nil {
			return nil, fmt.Errorf("remove completed mutation: %w", err)
		}
	}

	result := &ReconcileResult{}

	placeholder, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT id, payload, created_at, updated_at
		FROM records
		WHERE store = ? AND id = ?
	`, req.Store, req.PlaceholderID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		slog.Warn("placeholder record missing during reconcile",
			"component", "store",
			"action", "reconcile_conflict",
			"store", req.Store,
			"placeholder_id", req.PlaceholderID,
			"canonical_id", req.Canonical.ID,
		)
	case err != nil:
		return nil, fmt.Errorf("load placeholder record: %w", err)
	default:
		result.PlaceholderFound = true
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE store = ? AND entity_id = ?`,
		req.Store, req.PlaceholderID).Scan(&open); err != nil {
		return nil, fmt.Errorf("count open mutations: %w", err)
	}

	// A missing placeholder with queued entries means the entity was deleted
	// locally; the queued delete must not be undone by re-inserting it.
	keep := placeholder != nil || open == 0

	record := req.Canonical.Clone()
	if open > 0 && placeholder != nil {
		// Later local edits are still queued; keep showing them until they sync.
		record.Fields = placeholder.Fields
	}
	if placeholder != nil && record.CreatedAt.IsZero() {
		record.CreatedAt = placeholder.CreatedAt
	}
	if keep {
		if err := s.upsertRecord(ctx, tx, req.Store, record); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE store = ? AND id = ?`,
		req.Store, req.PlaceholderID); err != nil {
		return nil, fmt.Errorf("remove placeholder record: %w", err)
	}

	n, err := rewriteRecordRefs(ctx, tx, req.PlaceholderID, req.Canonical.ID)
	if err != nil {
		return nil, err
	}
	result.RecordsRewritten = n

	n, err = rewriteOutboxRefs(ctx, tx, req.Store, req.PlaceholderID, req.Canonical.ID, formatTime(s.now()))
	if err != nil {
		return nil, err
	}
	result.MutationsRewritten = n

	if err := bumpSyncGeneration(ctx, tx, req.Store); err != nil {
		return nil, err
	}

	if keep {
		stored, err := scanRecord(tx.QueryRowContext(ctx, `
			SELECT id, payload, created_at, updated_at
			FROM records
			WHERE store = ? AND id = ?
		`, req.Store, req.Canonical.ID))
		if err != nil {
			return nil, fmt.Errorf("load reconciled record: %w", err)
		}
		result.Stored = true
		result.Record = *stored
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	slog.Info("placeholder reconciled",
		"component", "store",
		"action", "reconcile",
		"store", req.Store,
		"placeholder_id", req.PlaceholderID,
		"canonical_id", req.Canonical.ID,
		"records_rewritten", result.RecordsRewritten,
		"mutations_rewritten", result.MutationsRewritten,
	)
	return result, nil
}

// decodeJSON keeps numbers as json.Number so rewritten payloads round-trip exactly.
func decodeJSON(data string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func rewritePayload(payload, from, to string) (string, bool, error) {
	v, err := decodeJSON(payload)
	if err != nil {
		return "", false, err
	}
	v, changed := fieldsync.RewriteRefs(v, from, to)
	if !changed {
		return payload, false, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false, err
	}
	return string(out), true, nil
}

func rewriteRecordRefs(ctx context.Context, tx *sql.Tx, from, to string) (int, error) {
	type row struct{ store, id, payload string }

	rows, err := tx.QueryContext(ctx,
		`SELECT store, id, payload FROM records WHERE instr(payload, ?) > 0`, from)
	if err != nil {
		return 0, fmt.Errorf("find referencing records: %w", err)
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.store, &r.id, &r.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan referencing record: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate referencing records: %w", err)
	}

	rewritten := 0
	for _, r := range candidates {
		payload, changed, err := rewritePayload(r.payload, from, to)
		if err != nil {
			slog.Warn("skipping unreadable record during reconcile",
				"component", "store",
				"action", "reconcile_conflict",
				"store", r.store,
				"id", r.id,
				"error", err,
			)
			continue
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET payload = ? WHERE store = ? AND id = ?`,
			payload, r.store, r.id); err != nil {
			return 0, fmt.Errorf("rewrite record %q: %w", r.id, err)
		}
		rewritten++
	}
	return rewritten, nil
}

func rewriteOutboxRefs(ctx context.Context, tx *sql.Tx, store, from, to, now string) (int, error) {
	type row struct {
		id       int64
		store    string
		entityID string
		payload  string
		refs     string
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, store, entity_id, payload, refs
		FROM outbox
		WHERE (store = ? AND entity_id = ?) OR instr(payload, ?) > 0 OR instr(refs, ?) > 0
		ORDER BY id ASC
	`, store, from, from, from)
	if err != nil {
		return 0, fmt.Errorf("find referencing mutations: %w", err)
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.store, &r.entityID, &r.payload, &r.refs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan referencing mutation: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate referencing mutations: %w", err)
	}

	for _, r := range candidates {
		entityID := r.entityID
		if r.store == store && entityID == from {
			entityID = to
		}

		payload, _, err := rewritePayload(r.payload, from, to)
		if err != nil {
			return 0, fmt.Errorf("rewrite payload of mutation %d: %w", r.id, err)
		}

		var refs []string
		if err := json.Unmarshal([]byte(r.refs), &refs); err != nil {
			return 0, fmt.Errorf("parse refs of mutation %d: %w", r.id, err)
		}
		kept := refs[:0]
		for _, ref := range refs {
			if ref != from {
				kept = append(kept, ref)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET entity_id = ?, payload = ?, refs = ?, updated_at = ?
			WHERE id = ?
		`, entityID, payload, encodeRefs(kept), now, r.id); err != nil {
			return 0, fmt.Errorf("rewrite mutation %d: %w", r.id, err)
		}
	}
	return len(candidates), nil
}
