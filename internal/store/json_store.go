package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// recordFile is the on-disk envelope of one record.
type recordFile struct {
	Record    *models.Record `json:"record"`
	WrittenAt time.Time      `json:"written_at"`
	Checksum  string         `json:"checksum,omitempty"`
}

func (f recordFile) checksum() (string, error) {
	data, err := json.Marshal(recordFile{Record: f.Record, WrittenAt: f.WrittenAt})
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// JSONStore implements the local record store as one checksummed JSON file
// per record, laid out as <base>/<type>/<id>.json.
type JSONStore struct {
	baseDir string
	name    string
	logger  *events.Logger

	mu sync.RWMutex
}

// NewJSONStore creates a JSON-based record store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	for _, t := range models.AggregateTypes() {
		if err := os.MkdirAll(filepath.Join(baseDir, string(t)), 0700); err != nil {
			return nil, fmt.Errorf("create record directory: %w", err)
		}
	}

	return &JSONStore{
		baseDir: baseDir,
		name:    "json",
		logger:  logger.WithField("component", "json_record_store"),
	}, nil
}

// Name identifies the store.
func (s *JSONStore) Name() string {
	return s.name
}

// Get reads one record, falling back to its backup if the file is corrupt.
func (s *JSONStore) Get(ctx context.Context, key models.Key) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.load(key)
	if err != nil {
		return nil, NewError(s.name, "get", key, err)
	}
	return rec, nil
}

func (s *JSONStore) load(key models.Key) (*models.Record, error) {
	path := s.recordPath(key)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record file: %w", err)
	}

	rec, err := decodeRecordFile(data)
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Record file corrupt")

		if rec, berr := s.loadBackup(key); berr == nil {
			s.logger.WithField("record", key.String()).Warn("Loaded record from backup due to corruption")
			return rec, nil
		}
		return nil, fmt.Errorf("%s: %w", path, models.ErrCorrupt)
	}
	return rec, nil
}

func decodeRecordFile(data []byte) (*models.Record, error) {
	var f recordFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse record file: %w", err)
	}
	if f.Record == nil {
		return nil, fmt.Errorf("record file has no record")
	}

	if f.Checksum != "" {
		calculated, err := f.checksum()
		if err != nil {
			return nil, err
		}
		if calculated != f.Checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", f.Checksum, calculated)
		}
	}
	return f.Record, nil
}

// Put stores rec if its version is newer than the stored one.
func (s *JSONStore) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write("put", rec, true)
}

// Overwrite stores rec unconditionally.
func (s *JSONStore) Overwrite(ctx context.Context, rec *models.Record) (*models.Record, error) {
	return s.write("overwrite", rec, false)
}

func (s *JSONStore) write(op string, rec *models.Record, checked bool) (*models.Record, error) {
	key := rec.Key()
	if err := rec.Validate(); err != nil {
		return nil, NewError(s.name, op, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if checked {
		current, err := s.load(key)
		if err != nil && !IsNotFound(err) {
			return nil, NewError(s.name, op, key, err)
		}
		if err := CheckPut(current, rec); err != nil {
			return nil, NewError(s.name, op, key, err)
		}
	}

	path := s.recordPath(key)

	s.logger.WithFields(map[string]interface{}{
		"record":  key.String(),
		"version": rec.Version,
		"op":      op,
	}).Debug("Writing record file")

	f := recordFile{Record: rec.Clone(), WrittenAt: time.Now().UTC()}
	sum, err := f.checksum()
	if err != nil {
		return nil, NewError(s.name, op, key, fmt.Errorf("marshal record for checksum: %w", err))
	}
	f.Checksum = sum

	jsonData, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, NewError(s.name, op, key, fmt.Errorf("marshal record: %w", err))
	}

	// Keep the previous good copy around
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	if err := writeFileAtomic(path, jsonData); err != nil {
		return nil, NewError(s.name, op, key, err)
	}

	return rec.Clone(), nil
}

// Delete removes a record and its backup.
func (s *JSONStore) Delete(ctx context.Context, key models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return NewError(s.name, "delete", key, models.ErrNotFound)
		}
		return NewError(s.name, "delete", key, fmt.Errorf("remove record file: %w", err))
	}
	_ = os.Remove(path + ".backup")

	s.logger.WithField("record", key.String()).Debug("Deleted record file")
	return nil
}

// ListByType reads every record file of one type.
func (s *JSONStore) ListByType(ctx context.Context, t models.AggregateType) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, string(t))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError(s.name, "list", models.Key{Type: t}, fmt.Errorf("read record directory: %w", err))
	}

	var out []*models.Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.WithField("file", name).Warn("Skipping record file with invalid name")
			continue
		}

		rec, err := s.load(models.NewKey(t, id))
		if err != nil {
			return nil, NewError(s.name, "list", models.NewKey(t, id), err)
		}
		out = append(out, rec)
	}

	SortRecords(out)
	return out, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// Helper methods

func (s *JSONStore) recordPath(key models.Key) string {
	return filepath.Join(s.baseDir, string(key.Type), url.PathEscape(key.ID)+".json")
}

func (s *JSONStore) loadBackup(key models.Key) (*models.Record, error) {
	data, err := os.ReadFile(s.recordPath(key) + ".backup")
	if err != nil {
		return nil, err
	}
	return decodeRecordFile(data)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename record file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
