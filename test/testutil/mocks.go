package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
)

// MockRemoteStore mocks store.RemoteStore.
type MockRemoteStore struct {
	mock.Mock
}

var _ store.RemoteStore = (*MockRemoteStore)(nil)

func NewMockRemoteStore() *MockRemoteStore {
	return &MockRemoteStore{}
}

func (m *MockRemoteStore) Name() string {
	return "mock-remote"
}

func (m *MockRemoteStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	args := m.Called(ctx, key)
	return record(args.Get(0)), args.Error(1)
}

func (m *MockRemoteStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	args := m.Called(ctx, rec)
	return record(args.Get(0)), args.Error(1)
}

func (m *MockRemoteStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	args := m.Called(ctx, rec)
	return record(args.Get(0)), args.Error(1)
}

func (m *MockRemoteStore) Delete(ctx context.Context, key models.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockRemoteStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	args := m.Called(ctx, t)
	return records(args.Get(0)), args.Error(1)
}

func (m *MockRemoteStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	args := m.Called(ctx, since)
	return records(args.Get(0)), args.Error(1)
}

func (m *MockRemoteStore) Close() error {
	return nil
}

func record(v interface{}) *models.Record {
	if v == nil {
		return nil
	}
	return v.(*models.Record)
}

func records(v interface{}) []*models.Record {
	if v == nil {
		return nil
	}
	return v.([]*models.Record)
}
