package config

import (
	"os"
	"strconv"
	"time"
)

// LambdaConfig contains settings for the scheduled compaction function.
type LambdaConfig struct {
	TableName          string        `json:"table_name"`
	Region             string        `json:"region"`
	TombstoneRetention time.Duration `json:"tombstone_retention"`
	TimeoutBuffer      time.Duration `json:"timeout_buffer"`
	MaxDeletes         int           `json:"max_deletes"`
	LogLevel           string        `json:"log_level"`
}

// LoadLambdaConfig loads configuration for Lambda environment
func LoadLambdaConfig() *LambdaConfig {
	cfg := &LambdaConfig{
		TombstoneRetention: 30 * 24 * time.Hour,
		TimeoutBuffer:      10 * time.Second,
		MaxDeletes:         1000,
		LogLevel:           "info",
	}

	// Override from environment
	if v := os.Getenv("RECSYNC_TOMBSTONE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TombstoneRetention = d
		}
	}

	if v := os.Getenv("RECSYNC_MAX_DELETES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDeletes = n
		}
	}

	if v := os.Getenv("RECSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.TableName = os.Getenv("RECORDS_TABLE_NAME")
	cfg.Region = os.Getenv("AWS_REGION")

	if cfg.TableName == "" {
		cfg.TableName = "recsync-records"
	}

	return cfg
}

// IsLambdaEnvironment checks if running in Lambda
func IsLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
