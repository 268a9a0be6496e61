package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// LogEntry is a captured JSON log line.
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Fields  map[string]interface{} `json:"-"`
}

// ParseLogs splits captured JSON logs into entries.
func ParseLogs(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()

	var entries []LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &raw), "log line %q", line)

		entry := LogEntry{Fields: raw}
		entry.Level, _ = raw["level"].(string)
		entry.Message, _ = raw["msg"].(string)
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

// HasLog reports whether a message was logged at level.
func HasLog(entries []LogEntry, level, message string) bool {
	for _, e := range entries {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// WaitFor polls cond until it holds or timeout expires.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msg)
}
