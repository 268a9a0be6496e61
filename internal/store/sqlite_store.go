package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// CurrentSchemaVersion is the layout version of the SQLite database itself.
const CurrentSchemaVersion = 1

// SQLiteStore implements the local record store on SQLite. It also satisfies
// RemoteStore so `recsync serve` can use it as the server's backing store.
type SQLiteStore struct {
	db     *sql.DB
	name   string
	clock  clock.Clock
	logger *events.Logger
}

// NewSQLiteStore opens (or creates) a SQLite record store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		name:   "sqlite",
		clock:  clock.System{},
		logger: logger.WithField("component", "sqlite_record_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS records (
        aggregate_type TEXT NOT NULL,
        id TEXT NOT NULL,
        payload BLOB,
        version INTEGER NOT NULL,
        base_version INTEGER NOT NULL DEFAULT 0,
        updated_at INTEGER NOT NULL,
        deleted INTEGER NOT NULL DEFAULT 0,
        schema_version INTEGER NOT NULL DEFAULT 0,
        changed_at INTEGER NOT NULL,
        PRIMARY KEY (aggregate_type, id)
    );

    CREATE INDEX IF NOT EXISTS idx_records_changed ON records(changed_at);

    CREATE TABLE IF NOT EXISTS change_log (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        aggregate_type TEXT NOT NULL,
        record_id TEXT NOT NULL,
        operation TEXT NOT NULL,
        local_version INTEGER NOT NULL,
        created_at INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(aggregate_type, record_id);

    CREATE TABLE IF NOT EXISTS sync_meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conflict_audit (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        aggregate_type TEXT NOT NULL,
        record_id TEXT NOT NULL,
        strategy TEXT NOT NULL,
        winner TEXT NOT NULL,
        local_version INTEGER NOT NULL,
        remote_version INTEGER NOT NULL,
        resolved_version INTEGER NOT NULL,
        note TEXT NOT NULL,
        resolved_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// SetClock replaces the clock stamping changed_at. Used by tests.
func (s *SQLiteStore) SetClock(c clock.Clock) {
	s.clock = c
}

// Name identifies the store.
func (s *SQLiteStore) Name() string {
	return s.name
}

// Journal returns the change log stored in the same database.
func (s *SQLiteStore) Journal() *SQLiteJournal {
	return &SQLiteJournal{db: s.db, logger: s.logger.WithField("component", "sqlite_journal")}
}

const recordColumns = `aggregate_type, id, payload, version, base_version, updated_at, deleted, schema_version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec       models.Record
		typ       string
		updatedAt int64
		deleted   int
	)
	if err := row.Scan(&typ, &rec.ID, &rec.Payload, &rec.Version, &rec.BaseVersion, &updatedAt, &deleted, &rec.SchemaVersion); err != nil {
		return nil, err
	}
	rec.Type = models.AggregateType(typ)
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.Deleted = deleted != 0
	return &rec, nil
}

// Get loads one record.
func (s *SQLiteStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+recordColumns+`
        FROM records
        WHERE aggregate_type = ? AND id = ?
    `, string(key.Type), key.ID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewError(s.name, "get", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, NewError(s.name, "get", key, fmt.Errorf("query record: %w", err))
	}
	return rec, nil
}

// Put stores rec if its version is newer than the stored one.
func (s *SQLiteStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "put", rec, true)
}

// Overwrite stores rec unconditionally.
func (s *SQLiteStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "overwrite", rec, false)
}

func (s *SQLiteStore) write(ctx context.Context, op string, rec *models.Record, checked bool) (*models.Record, error) {
	key := rec.Key()
	if err := rec.Validate(); err != nil {
		return nil, NewError(s.name, op, key, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"record":  key.String(),
		"version": rec.Version,
		"op":      op,
	}).Debug("Writing record to SQLite")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewError(s.name, op, key, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if checked {
		var current int64
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM records WHERE aggregate_type = ? AND id = ?",
			string(key.Type), key.ID,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, NewError(s.name, op, key, fmt.Errorf("query version: %w", err))
		default:
			if err := CheckPut(&models.Record{Version: current}, rec); err != nil {
				return nil, NewError(s.name, op, key, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO records (`+recordColumns+`, changed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(aggregate_type, id) DO UPDATE SET
            payload = excluded.payload,
            version = excluded.version,
            base_version = excluded.base_version,
            updated_at = excluded.updated_at,
            deleted = excluded.deleted,
            schema_version = excluded.schema_version,
            changed_at = excluded.changed_at
    `, string(key.Type), rec.ID, rec.Payload, rec.Version, rec.BaseVersion,
		toNanos(rec.UpdatedAt), boolToInt(rec.Deleted), rec.SchemaVersion,
		s.clock.Now().UnixNano())
	if err != nil {
		return nil, NewError(s.name, op, key, fmt.Errorf("upsert record: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, NewError(s.name, op, key, fmt.Errorf("commit: %w", err))
	}

	return rec.Clone(), nil
}

// Delete physically removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, key models.Key) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE aggregate_type = ? AND id = ?",
		string(key.Type), key.ID)
	if err != nil {
		return NewError(s.name, "delete", key, fmt.Errorf("delete record: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return NewError(s.name, "delete", key, err)
	}
	if n == 0 {
		return NewError(s.name, "delete", key, models.ErrNotFound)
	}

	s.logger.WithField("record", key.String()).Debug("Deleted record from SQLite")
	return nil
}

// ListByType returns every record of one type ordered by id.
func (s *SQLiteStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	return s.query(ctx, "list", `
        SELECT `+recordColumns+`
        FROM records
        WHERE aggregate_type = ?
        ORDER BY id
    `, string(t))
}

// ChangedSince returns records written at or after since.
func (s *SQLiteStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	return s.query(ctx, "changed_since", `
        SELECT `+recordColumns+`
        FROM records
        WHERE changed_at >= ?
        ORDER BY aggregate_type, id
    `, since.UnixNano())
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...interface{}) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NewError(s.name, op, models.Key{}, fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, NewError(s.name, op, models.Key{}, fmt.Errorf("scan record row: %w", err))
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, NewError(s.name, op, models.Key{}, fmt.Errorf("iterate records: %w", err))
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
