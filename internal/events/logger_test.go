package events_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
)

func TestNewLogger(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "debug",
		Format: "json",
	}

	logger, err := events.NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.True(t, logger.Enabled(events.DebugLevel))
}

func TestNewLoggerRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recsync.log")
	logger, err := events.NewLogger(&config.LogConfig{
		Level:      "info",
		Format:     "json",
		File:       path,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithField("record", "list/L1").Info("test message")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "list/L1", entry["record"])
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "test-host", entry["hostname"])
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	base := logger.WithField("component", "sync_engine")
	base.WithFields(map[string]interface{}{
		"pushed":    3,
		"conflicts": 1,
	}).Info("multi-field test")
	base.Info("parent unchanged")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"pushed":3`)
	assert.Contains(t, lines[0], `"conflicts":1`)
	assert.Contains(t, lines[0], `"component":"sync_engine"`)
	assert.NotContains(t, lines[1], `"pushed"`)
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  events.LogLevel
		msgLevel  events.LogLevel
		shouldLog bool
	}{
		{"debug logger, debug message", events.DebugLevel, events.DebugLevel, true},
		{"debug logger, info message", events.DebugLevel, events.InfoLevel, true},
		{"info logger, debug message", events.InfoLevel, events.DebugLevel, false},
		{"info logger, info message", events.InfoLevel, events.InfoLevel, true},
		{"error logger, warn message", events.ErrorLevel, events.WarnLevel, false},
		{"error logger, error message", events.ErrorLevel, events.ErrorLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := events.NewTestLogger(tt.logLevel, "text", &buf)

			switch tt.msgLevel {
			case events.DebugLevel:
				logger.Debug("test debug")
			case events.InfoLevel:
				logger.Info("test info")
			case events.WarnLevel:
				logger.Warn("test warn")
			case events.ErrorLevel:
				logger.Error("test error")
			}

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "text", &buf)

	logger.WithFields(map[string]interface{}{"b": 2, "a": 1}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "[INFO]")
	assert.Contains(t, output, "test message a=1 b=2")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithError(assert.AnError).Error("operation failed")

	output := buf.String()
	assert.Contains(t, output, `"error":"assert.AnError general error for testing"`)
	assert.Contains(t, output, `"level":"error"`)

	assert.Same(t, logger, logger.WithError(nil))
}

func TestDiscard(t *testing.T) {
	logger := events.Discard()
	assert.False(t, logger.Enabled(events.ErrorLevel))
	logger.Error("dropped")
}
