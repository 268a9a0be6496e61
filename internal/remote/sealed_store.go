package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// SealedStore encrypts payloads before they reach the inner store. Each
// payload is bound to its record key, so a sealed payload copied onto
// another record fails to open.
type SealedStore struct {
	inner  store.RemoteStore
	sealer crypto.Sealer
}

var _ store.RemoteStore = (*SealedStore)(nil)

// NewSealedStore wraps inner.
func NewSealedStore(inner store.RemoteStore, sealer crypto.Sealer) *SealedStore {
	return &SealedStore{inner: inner, sealer: sealer}
}

// Name identifies the inner store.
func (s *SealedStore) Name() string {
	return s.inner.Name()
}

func (s *SealedStore) seal(rec *models.Record) (*models.Record, error) {
	out := rec.Clone()
	if len(rec.Payload) == 0 {
		return out, nil
	}
	sealed, err := s.sealer.Seal(rec.Payload, []byte(rec.Key().String()))
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	out.Payload = sealed
	return out, nil
}

func (s *SealedStore) open(rec *models.Record) (*models.Record, error) {
	if len(rec.Payload) == 0 {
		return rec, nil
	}
	plain, err := s.sealer.Open(rec.Payload, []byte(rec.Key().String()))
	if err != nil {
		return nil, store.NewError(s.Name(), "open", rec.Key(), fmt.Errorf("%w: %v", models.ErrCorrupt, err))
	}
	rec.Payload = plain
	return rec, nil
}

func (s *SealedStore) openAll(recs []*models.Record) ([]*models.Record, error) {
	for i, rec := range recs {
		opened, err := s.open(rec)
		if err != nil {
			return nil, err
		}
		recs[i] = opened
	}
	return recs, nil
}

// Get fetches and decrypts one record.
func (s *SealedStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	rec, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(rec)
}

// Put encrypts and conditionally stores rec.
func (s *SealedStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, rec, s.inner.Put)
}

// Overwrite encrypts and unconditionally stores rec.
func (s *SealedStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, rec, s.inner.Overwrite)
}

func (s *SealedStore) write(ctx context.Context, rec *models.Record, fn func(context.Context, *models.Record) (*models.Record, error)) (*models.Record, error) {
	sealed, err := s.seal(rec)
	if err != nil {
		return nil, store.NewError(s.Name(), "seal", rec.Key(), err)
	}
	if _, err := fn(ctx, sealed); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Delete removes a record.
func (s *SealedStore) Delete(ctx context.Context, key models.Key) error {
	return s.inner.Delete(ctx, key)
}

// ListByType lists and decrypts every record of one type.
func (s *SealedStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	recs, err := s.inner.ListByType(ctx, t)
	if err != nil {
		return nil, err
	}
	return s.openAll(recs)
}

// ChangedSince lists and decrypts recent changes.
func (s *SealedStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	recs, err := s.inner.ChangedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	return s.openAll(recs)
}

// Close closes the inner store.
func (s *SealedStore) Close() error {
	return s.inner.Close()
}
