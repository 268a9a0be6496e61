// Package remote implements the network-backed record stores and the
// self-hosted server they talk to.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// API paths shared by HTTPStore and Server.
const (
	pathRecords = "/v1/records"
	pathChanges = "/v1/changes"
	pathNotify  = "/v1/notify"
	pathWhoAmI  = "/v1/whoami"
)

// recordList is the response body of list endpoints.
type recordList struct {
	Records  []*models.Record `json:"records"`
	ServerAt time.Time        `json:"server_at"`
}

// errorBody is the response body of failed requests.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPStore is a RemoteStore backed by a recsync server.
type HTTPStore struct {
	transport transport.Transport
	logger    *events.Logger
}

var _ store.RemoteStore = (*HTTPStore)(nil)

// NewHTTPStore creates a store on top of a transport.
func NewHTTPStore(t transport.Transport, logger *events.Logger) *HTTPStore {
	return &HTTPStore{
		transport: t,
		logger:    logger.WithField("component", "http_store"),
	}
}

// Name identifies the store.
func (s *HTTPStore) Name() string {
	return "http"
}

func recordPath(key models.Key) string {
	return fmt.Sprintf("%s/%s/%s", pathRecords, url.PathEscape(string(key.Type)), url.PathEscape(key.ID))
}

// mapError translates API status codes into store sentinels.
func (s *HTTPStore) mapError(op string, key models.Key, err error) error {
	switch transport.StatusCode(err) {
	case http.StatusNotFound:
		return store.NewError(s.Name(), op, key, models.ErrNotFound)
	case http.StatusConflict:
		return store.NewError(s.Name(), op, key, fmt.Errorf("%w: %w", models.ErrVersionConflict, err))
	case http.StatusUnauthorized, http.StatusForbidden:
		return store.NewError(s.Name(), op, key, fmt.Errorf("%w: %w", models.ErrNotAuthenticated, err))
	case http.StatusBadRequest:
		return store.NewError(s.Name(), op, key, fmt.Errorf("%w: %w", models.ErrInvalidRecord, err))
	}
	return store.NewError(s.Name(), op, key, err)
}

// Get fetches one record.
func (s *HTTPStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	var rec models.Record
	if err := s.transport.Do(ctx, http.MethodGet, recordPath(key), nil, &rec); err != nil {
		return nil, s.mapError("get", key, err)
	}
	return &rec, nil
}

// Put stores rec if its version is newer than the server's copy.
func (s *HTTPStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "put", rec, "")
}

// Overwrite stores rec unconditionally.
func (s *HTTPStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write(ctx, "overwrite", rec, "?mode=overwrite")
}

func (s *HTTPStore) write(ctx context.Context, op string, rec *models.Record, query string) (*models.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, store.NewError(s.Name(), op, rec.Key(), err)
	}

	var stored models.Record
	if err := s.transport.Do(ctx, http.MethodPut, recordPath(rec.Key())+query, rec, &stored); err != nil {
		return nil, s.mapError(op, rec.Key(), err)
	}

	s.logger.WithFields(map[string]interface{}{
		"record":  rec.Key().String(),
		"version": stored.Version,
		"op":      op,
	}).Debug("Wrote remote record")
	return &stored, nil
}

// Delete physically removes a record.
func (s *HTTPStore) Delete(ctx context.Context, key models.Key) error {
	if err := s.transport.Do(ctx, http.MethodDelete, recordPath(key), nil, nil); err != nil {
		return s.mapError("delete", key, err)
	}
	return nil
}

// ListByType returns every record of one type.
func (s *HTTPStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	var list recordList
	path := fmt.Sprintf("%s/%s", pathRecords, url.PathEscape(string(t)))
	if err := s.transport.Do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, s.mapError("list", models.Key{Type: t}, err)
	}
	return list.Records, nil
}

// ChangedSince lists records the server changed at or after since.
func (s *HTTPStore) ChangedSince(ctx context.Context, since time.Time) ([]*models.Record, error) {
	var list recordList
	path := pathChanges + "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	if err := s.transport.Do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, s.mapError("changed_since", models.Key{}, err)
	}
	return list.Records, nil
}

// WhoAmI checks the configured token against the server.
func (s *HTTPStore) WhoAmI(ctx context.Context) (string, error) {
	var out struct {
		Subject string `json:"subject"`
	}
	if err := s.transport.Do(ctx, http.MethodGet, pathWhoAmI, nil, &out); err != nil {
		return "", s.mapError("whoami", models.Key{}, err)
	}
	return out.Subject, nil
}

// Close releases the transport.
func (s *HTTPStore) Close() error {
	return s.transport.Close()
}
