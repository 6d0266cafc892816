package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// stagingChunkSize bounds how many staged rows ReplaceAll writes per transaction.
const stagingChunkSize = 100

const (
	metaLastRefreshPrefix = "last_refresh:"
	metaSyncGenPrefix     = "sync_gen:"
)

// SQLiteStore is the SQLite-backed device database.
type SQLiteStore struct {
	db     *sql.DB
	clock  clockwork.Clock
	policy fieldsync.RetryPolicy

	// afterStage is invoked after each staged ReplaceAll row; tests use it to
	// interrupt a refresh midway.
	afterStage func(n int) error
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used for timestamps and retry scheduling.
func WithClock(c clockwork.Clock) Option {
	return func(s *SQLiteStore) {
		s.clock = c
	}
}

// WithRetryPolicy sets the outbox retry policy applied by MarkFailed.
func WithRetryPolicy(p fieldsync.RetryPolicy) Option {
	return func(s *SQLiteStore) {
		s.policy = p
	}
}

// NewSQLiteStore opens (creating if needed) the device database at dbPath.
// It applies pragmas and migrations, then clears leftovers of an interrupted run.
// Any failure is reported as ErrStorageUnavailable.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrStorageUnavailable, err)
	}

	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := RunMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	// One connection: SQLite serializes writers anyway, and readers waiting on
	// it can never observe a half-applied transaction.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		clock:  clockwork.NewRealClock(),
		policy: fieldsync.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(`DELETE FROM record_staging`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: purge staging: %w", ErrStorageUnavailable, err)
	}

	return s, nil
}

// dsn builds a modernc DSN that applies pragmas on every new connection.
func dsn(dbPath string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(ON)",
		"_pragma=synchronous(NORMAL)",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(pragmas, "&")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, value string) time.Time {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		slog.Warn("failed to parse timestamp",
			"component", "store",
			"field", field,
			"value", value,
			"error", err,
		)
	}
	return t
}

// scanRecord scans id, payload, created_at, updated_at into a LocalRecord.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.LocalRecord, error) {
	var rec types.LocalRecord
	var payload, createdAt, updatedAt string

	if err := scanner.Scan(&rec.ID, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("parse payload of %q: %w", rec.ID, err)
	}
	rec.CreatedAt = parseTime("created_at", createdAt)
	rec.UpdatedAt = parseTime("updated_at", updatedAt)
	return &rec, nil
}

// prepareRecord validates a record and fills missing timestamps.
func (s *SQLiteStore) prepareRecord(rec types.LocalRecord) (types.LocalRecord, string, error) {
	if rec.ID == "" {
		return rec, "", fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return rec, "", fmt.Errorf("%w: encode fields of %q: %w", ErrInvalidRecord, rec.ID, err)
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return rec, string(payload), nil
}

// GetAll returns the current snapshot of a store ordered by creation time.
func (s *SQLiteStore) GetAll(ctx context.Context, store string) ([]types.LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at, updated_at
		FROM records
		WHERE store = ?
		ORDER BY created_at ASC, id ASC
	`, store)
	if err != nil {
		return nil, unavailable(fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	records := make([]types.LocalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// GetByID returns one record or ErrNotFound.
func (s *SQLiteStore) GetByID(ctx context.Context, store, id string) (*types.LocalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, created_at, updated_at
		FROM records
		WHERE store = ? AND id = ?
	`, store, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("scan record: %w", err))
	}
	return rec, nil
}

const upsertRecordSQL = `
	INSERT INTO records (store, id, payload, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (store, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsertRecord(ctx context.Context, ex execer, store string, rec types.LocalRecord) error {
	rec, payload, err := s.prepareRecord(rec)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, upsertRecordSQL,
		store, rec.ID, payload, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return unavailable(fmt.Errorf("upsert record %q: %w", rec.ID, err))
	}
	return nil
}

// Save upserts a record by id in a single statement.
func (s *SQLiteStore) Save(ctx context.Context, store string, rec types.LocalRecord) error {
	return s.upsertRecord(ctx, s.db, store, rec)
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, store, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE store = ? AND id = ?`, store, id); err != nil {
		return unavailable(fmt.Errorf("delete record %q: %w", id, err))
	}
	return nil
}

// ReplaceAll stages the new snapshot under a fresh batch id and swaps it in with
// one transaction once every row is durably written. The live snapshot is never
// truncated before the swap, so an interrupted refresh leaves it untouched.
// Entities with outbox entries are left as they are locally.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, store string, records []types.LocalRecord) error {
	return s.replaceAll(ctx, store, records, -1)
}

// ReplaceAllSince is ReplaceAll for a snapshot fetched when the store's sync
// generation was gen. If a mutation was accepted since then it returns
// ErrStaleSnapshot and leaves the live snapshot untouched.
func (s *SQLiteStore) ReplaceAllSince(ctx context.Context, store string, records []types.LocalRecord, gen int64) error {
	if gen < 0 {
		return fmt.Errorf("%w: negative sync generation", ErrInvalidRecord)
	}
	return s.replaceAll(ctx, store, records, gen)
}

// replaceAll skips the generation check when gen is negative.
func (s *SQLiteStore) replaceAll(ctx context.Context, store string, records []types.LocalRecord, gen int64) (err error) {
	batchID := ulid.Make().String()

	defer func() {
		if err == nil {
			return
		}
		// Use a fresh context: ctx may be the reason we are unwinding.
		if _, cerr := s.db.ExecContext(context.Background(),
			`DELETE FROM record_staging WHERE batch_id = ?`, batchID); cerr != nil {
			slog.Warn("failed to clean up staging batch",
				"component", "store",
				"store", store,
				"batch_id", batchID,
				"error", cerr,
			)
		}
	}()

	staged := 0
	for start := 0; start < len(records); start += stagingChunkSize {
		end := start + stagingChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.stageChunk(ctx, batchID, store, records[start:end], &staged); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap transaction: %w", err)
	}
	defer tx.Rollback()

	if gen >= 0 {
		current, err := syncGeneration(ctx, tx, store)
		if err != nil {
			return err
		}
		if current != gen {
			return fmt.Errorf("%w: %s fetched at generation %d, now %d", ErrStaleSnapshot, store, gen, current)
		}
	}

	// Records with queued local mutations keep their local state (including
	// absence, for pending deletes) until the outbox drains.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM records
		WHERE store = ?
		  AND id NOT IN (SELECT entity_id FROM outbox WHERE store = ?)
	`, store, store); err != nil {
		return fmt.Errorf("clear live snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (store, id, payload, created_at, updated_at)
		SELECT store, id, payload, created_at, updated_at
		FROM record_staging
		WHERE batch_id = ?
		  AND id NOT IN (SELECT entity_id FROM outbox WHERE store = ?)
	`, batchID, store); err != nil {
		return fmt.Errorf("swap in staged snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_staging WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("drop staging batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`,
		metaLastRefreshPrefix+store, formatTime(s.now())); err != nil {
		return fmt.Errorf("record refresh time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap transaction: %w", err)
	}

	slog.Debug("snapshot replaced",
		"component", "store",
		"action", "replace_all",
		"store", store,
		"records", len(records),
	)
	return nil
}

// SyncGeneration returns a per-store counter that moves every time the backend
// accepts a mutation for the store. Capture it before fetching a snapshot and
// pass it to ReplaceAllSince.
func (s *SQLiteStore) SyncGeneration(ctx context.Context, store string) (int64, error) {
	return syncGeneration(ctx, s.db, store)
}

func syncGeneration(ctx context.Context, q queryRower, store string) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT CAST(value AS INTEGER) FROM sync_meta WHERE key = ?), 0)`,
		metaSyncGenPrefix+store).Scan(&gen)
	if err != nil {
		return 0, unavailable(fmt.Errorf("read sync generation: %w", err))
	}
	return gen, nil
}

func bumpSyncGeneration(ctx context.Context, ex execer, store string) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, '1')
		ON CONFLICT (key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
	`, metaSyncGenPrefix+store); err != nil {
		return fmt.Errorf("bump sync generation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) stageChunk(ctx context.Context, batchID, store string, chunk []types.LocalRecord, staged *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range chunk {
		rec, payload, err := s.prepareRecord(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO record_staging (batch_id, store, id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, batchID, store, rec.ID, payload, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt)); err != nil {
			return fmt.Errorf("stage record %q: %w", rec.ID, err)
		}
		*staged++
		if s.afterStage != nil {
			if err := s.afterStage(*staged); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit staging transaction: %w", err)
	}
	return nil
}

// ListStores returns per-store record counts, pending outbox counts and last refresh time.
func (s *SQLiteStore) ListStores(ctx context.Context) ([]types.StoreStats, error) {
	byStore := make(map[string]*types.StoreStats)
	var order []string
	get := func(name string) *types.StoreStats {
		if st, ok := byStore[name]; ok {
			return st
		}
		st := &types.StoreStats{Store: name}
		byStore[name] = st
		order = append(order, name)
		return st
	}

	if err := s.eachRow(ctx, `SELECT store, COUNT(*) FROM records GROUP BY store`, func(sc func(...any) error) error {
		var name string
		var n int64
		if err := sc(&name, &n); err != nil {
			return err
		}
		get(name).RecordCount = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	if err := s.eachRow(ctx, `SELECT store, COUNT(*) FROM outbox GROUP BY store`, func(sc func(...any) error) error {
		var name string
		var n int64
		if err := sc(&name, &n); err != nil {
			return err
		}
		get(name).Pending = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}

	if err := s.eachRow(ctx, `SELECT key, value FROM sync_meta WHERE key LIKE 'last_refresh:%'`, func(sc func(...any) error) error {
		var key, value string
		if err := sc(&key, &value); err != nil {
			return err
		}
		t := parseTime("last_refresh", value)
		get(strings.TrimPrefix(key, metaLastRefreshPrefix)).LastRefresh = &t
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read refresh times: %w", err)
	}

	out := make([]types.StoreStats, 0, len(order))
	for _, name := range order {
		out = append(out, *byStore[name])
	}
	return out, nil
}

// eachRow runs query and calls fn once per row with the row's Scan function.
func (s *SQLiteStore) eachRow(ctx context.Context, query string, fn func(scan func(...any) error) error, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Backup writes a consistent copy of the database to destPath.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale backup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}
