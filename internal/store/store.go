// Package store defines the record store contract and its local implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TheMichaelB/recsync/internal/models"
)

// RecordStore is the CRUD contract shared by the local and remote backends.
type RecordStore interface {
	// Name identifies the backend in errors and logs.
	Name() string

	// Get returns the stored record, tombstones included, or ErrNotFound.
	Get(ctx context.Context, key models.Key) (*models.Record, error)

	// Put stores rec if its version exceeds the stored one, else ErrVersionConflict.
	Put(ctx context.Context, rec *models.Record) (*models.Record, error)

	// Overwrite stores rec unconditionally. Reserved for conflict resolution,
	// sync acknowledgement, rollback and migration.
	Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error)

	// Delete physically removes a record. Used by compaction and by rolling
	// back a create.
	Delete(ctx context.Context, key models.Key) error

	// ListByType returns every record of one aggregate type ordered by id.
	ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error)

	Close() error
}

// ChangeFeed lists records changed since a watermark. since is compared with
// the store's own change timestamp, not with Record.UpdatedAt.
type ChangeFeed interface {
	ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error)
}

// RemoteStore is a network-backed record store that can list its changes.
type RemoteStore interface {
	RecordStore
	ChangeFeed
}

// UnlockFunc releases a lock.
type UnlockFunc func()

// NewError wraps err in a StoreError.
func NewError(store, op string, key models.Key, err error) error {
	return &models.StoreError{Op: op, Store: store, Key: key, Err: err}
}

// CheckPut enforces the Put version rule against the currently stored record.
func CheckPut(current, rec *models.Record) error {
	if current != nil && rec.Version <= current.Version {
		return fmt.Errorf("%w: stored version %d, got %d", models.ErrVersionConflict, current.Version, rec.Version)
	}
	return nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

// GetOptional returns nil instead of ErrNotFound.
func GetOptional(ctx context.Context, s RecordStore, key models.Key) (*models.Record, error) {
	rec, err := s.Get(ctx, key)
	if IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

// ListAll returns every record of every aggregate type.
func ListAll(ctx context.Context, s RecordStore) ([]*models.Record, error) {
	var all []*models.Record
	for _, t := range models.AggregateTypes() {
		recs, err := s.ListByType(ctx, t)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// SortRecords orders records by key so listings are deterministic.
func SortRecords(recs []*models.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key().Less(recs[j].Key())
	})
}

// Copy transfers every record from src to dst with Overwrite, e.g. when
// switching local backends. It returns the number of records copied.
func Copy(ctx context.Context, src, dst RecordStore) (int, error) {
	recs, err := ListAll(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("list %s records: %w", src.Name(), err)
	}

	for i, rec := range recs {
		if _, err := dst.Overwrite(ctx, rec); err != nil {
			return i, fmt.Errorf("copy %s: %w", rec.Key(), err)
		}
	}
	return len(recs), nil
}
