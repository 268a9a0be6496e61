package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Local persistence
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Remote record store
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Authentication token persistence
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Startup migrations
	Migration MigrationConfig `json:"migration" mapstructure:"migration"`

	// Tombstone compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// S3 snapshot archive
	Archive ArchiveConfig `json:"archive" mapstructure:"archive"`

	// Self-hosted remote server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig for the local record store.
type StorageConfig struct {
	DataDir    string `json:"data_dir" mapstructure:"data_dir"`       // Base directory for all data
	Backend    string `json:"backend" mapstructure:"backend"`         // sqlite, json
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"` // Defaults to <data_dir>/records.db
	JSONDir    string `json:"json_dir" mapstructure:"json_dir"`       // Defaults to <data_dir>/records
}

// RemoteConfig for the network-backed record store.
type RemoteConfig struct {
	Backend    string        `json:"backend" mapstructure:"backend"` // none, http, dynamodb
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
	Notify     bool          `json:"notify" mapstructure:"notify"` // Subscribe to websocket change notifications

	DynamoTable string `json:"dynamo_table" mapstructure:"dynamo_table"`
	Region      string `json:"region" mapstructure:"region"`

	// Payload encryption before records leave the device
	Encrypt    bool   `json:"encrypt" mapstructure:"encrypt"`
	Passphrase string `json:"passphrase,omitempty" mapstructure:"passphrase"`
	Salt       string `json:"salt,omitempty" mapstructure:"salt"`
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	TokenFile string `json:"token_file" mapstructure:"token_file"`
	Token     string `json:"token,omitempty" mapstructure:"token"` // Overrides the token file
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Interval      time.Duration `json:"interval" mapstructure:"interval"`             // Periodic trigger, 0 disables
	ForceTimeout  time.Duration `json:"force_timeout" mapstructure:"force_timeout"`   // Default wait for forced syncs
	BatchSize     int           `json:"batch_size" mapstructure:"batch_size"`         // Change log entries pushed per batch
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max_concurrent"` // Concurrent pushes within a batch
	WatermarkSkew time.Duration `json:"watermark_skew" mapstructure:"watermark_skew"` // Clock skew allowance when pulling
	LockTimeout   time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`     // Per-record lock wait
	Strategy      string        `json:"strategy" mapstructure:"strategy"`             // Conflict resolution strategy
}

// MigrationConfig for startup schema migrations.
type MigrationConfig struct {
	ErrorThreshold int `json:"error_threshold" mapstructure:"error_threshold"` // Failures tolerated before refusing to start
}

// CompactionConfig for tombstone removal.
type CompactionConfig struct {
	TombstoneRetention time.Duration `json:"tombstone_retention" mapstructure:"tombstone_retention"`
}

// ArchiveConfig for S3 snapshots.
type ArchiveConfig struct {
	Bucket string `json:"bucket" mapstructure:"bucket"`
	Prefix string `json:"prefix" mapstructure:"prefix"`
	Region string `json:"region" mapstructure:"region"`
}

// ServerConfig for `recsync serve`.
type ServerConfig struct {
	Listen string   `json:"listen" mapstructure:"listen"`
	DBPath string   `json:"db_path" mapstructure:"db_path"`
	Tokens []string `json:"tokens,omitempty" mapstructure:"tokens"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stderr)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".recsync"

	return &Config{
		Storage: StorageConfig{
			DataDir: dataDir,
			Backend: "sqlite",
		},
		Remote: RemoteConfig{
			Backend:    "none",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
			UserAgent:  "recsync/1.0",
			Notify:     true,
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(dataDir, "token.json"),
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			ForceTimeout:  30 * time.Second,
			BatchSize:     50,
			MaxConcurrent: 4,
			WatermarkSkew: 2 * time.Second,
			LockTimeout:   5 * time.Second,
			Strategy:      "last_write_wins",
		},
		Migration: MigrationConfig{
			ErrorThreshold: 0,
		},
		Compaction: CompactionConfig{
			TombstoneRetention: 30 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Prefix: "snapshots",
		},
		Server: ServerConfig{
			Listen: ":8420",
			DBPath: filepath.Join(dataDir, "server.db"),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
	}
}

// SQLiteFile returns the local SQLite database path.
func (s StorageConfig) SQLiteFile() string {
	if s.SQLitePath != "" {
		return s.SQLitePath
	}
	return filepath.Join(s.DataDir, "records.db")
}

// JSONDirectory returns the root of the JSON record store.
func (s StorageConfig) JSONDirectory() string {
	if s.JSONDir != "" {
		return s.JSONDir
	}
	return filepath.Join(s.DataDir, "records")
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	switch c.Storage.Backend {
	case "sqlite", "json":
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	switch c.Remote.Backend {
	case "none":
	case "http":
		if c.Remote.BaseURL == "" {
			return errors.New("remote.base_url is required for the http backend")
		}
	case "dynamodb":
		if c.Remote.DynamoTable == "" {
			return errors.New("remote.dynamo_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("invalid remote backend: %s", c.Remote.Backend)
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	if c.Remote.MaxRetries < 0 {
		return errors.New("remote.max_retries must not be negative")
	}

	if c.Remote.Encrypt && c.Remote.Passphrase == "" {
		return errors.New("remote.passphrase is required when remote.encrypt is set")
	}

	if c.Remote.Encrypt && c.Remote.Salt == "" {
		return errors.New("remote.salt is required when remote.encrypt is set")
	}

	if c.Sync.Interval < 0 {
		return errors.New("sync.interval must not be negative")
	}

	if c.Sync.ForceTimeout <= 0 {
		return errors.New("sync.force_timeout must be positive")
	}

	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	if c.Sync.WatermarkSkew < 0 {
		return errors.New("sync.watermark_skew must not be negative")
	}

	if c.Sync.LockTimeout <= 0 {
		return errors.New("sync.lock_timeout must be positive")
	}

	if c.Migration.ErrorThreshold < 0 {
		return errors.New("migration.error_threshold must not be negative")
	}

	if c.Compaction.TombstoneRetention < 0 {
		return errors.New("compaction.tombstone_retention must not be negative")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	switch c.Storage.Backend {
	case "sqlite":
		dirs = append(dirs, filepath.Dir(c.Storage.SQLiteFile()))
	case "json":
		dirs = append(dirs, c.Storage.JSONDirectory())
	}

	if c.Auth.TokenFile != "" {
		dirs = append(dirs, filepath.Dir(c.Auth.TokenFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
