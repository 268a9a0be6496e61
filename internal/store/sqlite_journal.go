package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

const watermarkKey = "pull_watermark"

// SQLiteJournal stores the change log in the local SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger *events.Logger
}

// Append inserts entries in one transaction.
func (j *SQLiteJournal) Append(ctx context.Context, entries ...models.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO change_log (id, aggregate_type, record_id, operation, local_version, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Type), e.RecordID, string(e.Operation),
			e.LocalVersion, toNanos(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert change log entry %s: %w", e.Key(), err)
		}
	}

	return tx.Commit()
}

// Pending returns the unacknowledged entries in insertion order.
func (j *SQLiteJournal) Pending(ctx context.Context) ([]models.ChangeLogEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
        SELECT id, aggregate_type, record_id, operation, local_version, created_at
        FROM change_log
        ORDER BY created_at, seq
    `)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var entries []models.ChangeLogEntry
	for rows.Next() {
		var (
			e         models.ChangeLogEntry
			typ, op   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.RecordID, &op, &e.LocalVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change log row: %w", err)
		}
		e.Type = models.AggregateType(typ)
		if e.Operation, err = models.ParseOperation(op); err != nil {
			return nil, fmt.Errorf("change log entry %s: %w", e.ID, models.ErrCorrupt)
		}
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// HasPending reports whether key has unacknowledged entries.
func (j *SQLiteJournal) HasPending(ctx context.Context, key models.Key) (bool, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_log WHERE aggregate_type = ? AND record_id = ?",
		string(key.Type), key.ID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count change log: %w", err)
	}
	return n > 0, nil
}

// Ack removes the entries of key up to version.
func (j *SQLiteJournal) Ack(ctx context.Context, key models.Key, version int64) (int, error) {
	res, err := j.db.ExecContext(ctx,
		"DELETE FROM change_log WHERE aggregate_type = ? AND record_id = ? AND local_version <= ?",
		string(key.Type), key.ID, version)
	if err != nil {
		return 0, fmt.Errorf("ack change log: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	j.logger.WithFields(map[string]interface{}{
		"record":  key.String(),
		"version": version,
		"removed": n,
	}).Debug("Acknowledged change log entries")

	return int(n), nil
}

// Watermark returns the last pull watermark, zero if none.
func (j *SQLiteJournal) Watermark(ctx context.Context) (time.Time, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", watermarkKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query watermark: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", value, models.ErrCorrupt)
	}
	return t, nil
}

// SetWatermark stores the pull watermark.
func (j *SQLiteJournal) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO sync_meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, watermarkKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	return nil
}

// LogConflict persists a conflict audit.
func (j *SQLiteJournal) LogConflict(ctx context.Context, a models.ConflictAudit) error {
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO conflict_audit (aggregate_type, record_id, strategy, winner,
            local_version, remote_version, resolved_version, note, resolved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, string(a.Type), a.RecordID, string(a.Strategy), a.Winner,
		a.LocalVersion, a.RemoteVersion, a.ResolvedVersion, a.Note, toNanos(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert conflict audit: %w", err)
	}
	return nil
}

// Conflicts returns up to limit audits, newest first. limit <= 0 means all.
func (j *SQLiteJournal) Conflicts(ctx context.Context, limit int) ([]models.ConflictAudit, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `
        SELECT aggregate_type, record_id, strategy, winner,
            local_version, remote_version, resolved_version, note, resolved_at
        FROM conflict_audit
        ORDER BY seq DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflict audit: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictAudit
	for rows.Next() {
		var (
			a             models.ConflictAudit
			typ, strategy string
			resolvedAt    int64
		)
		if err := rows.Scan(&typ, &a.RecordID, &strategy, &a.Winner,
			&a.LocalVersion, &a.RemoteVersion, &a.ResolvedVersion, &a.Note, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict audit row: %w", err)
		}
		a.Type = models.AggregateType(typ)
		a.Strategy = models.ResolutionStrategy(strategy)
		a.ResolvedAt = fromNanos(resolvedAt)
		out = append(out, a)
	}

	return out, rows.Err()
}

// Close is a no-op; the owning SQLiteStore closes the database.
func (j *SQLiteJournal) Close() error {
	return nil
}
