package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TheMichaelB/recsync/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured logging.
type Logger struct {
	mu       *sync.Mutex
	level    LogLevel
	format   string
	output   io.Writer
	colorize bool
	fields   map[string]interface{}
	hostname string
}

// NewLogger creates a logger from config. File output is rotated.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var output io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(dirOf(cfg.File), 0700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		output = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}
	}

	hostname, _ := os.Hostname()

	return &Logger{
		mu:       &sync.Mutex{},
		level:    level,
		format:   cfg.Format,
		output:   output,
		colorize: cfg.Color && isTerminal(output),
		fields:   make(map[string]interface{}),
		hostname: hostname,
	}, nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		level:    level,
		format:   format,
		output:   output,
		fields:   make(map[string]interface{}),
		hostname: "test-host",
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return NewTestLogger(ErrorLevel+1, "text", io.Discard)
}

// Close releases the underlying rotating file, if any.
func (l *Logger) Close() error {
	if c, ok := l.output.(io.Closer); ok && l.output != os.Stdout && l.output != os.Stderr {
		return c.Close()
	}
	return nil
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		mu:       l.mu,
		level:    l.level,
		format:   l.format,
		output:   l.output,
		colorize: l.colorize,
		fields:   newFields,
		hostname: l.hostname,
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) {
	l.log(DebugLevel, msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string) {
	l.log(InfoLevel, msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string) {
	l.log(WarnLevel, msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string) {
	l.log(ErrorLevel, msg)
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

// log writes a log entry.
func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	entry := l.buildEntry(level, msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.writeJSON(entry)
	} else {
		l.writeText(entry)
	}
}

// buildEntry creates a log entry.
func (l *Logger) buildEntry(level LogLevel, msg string) map[string]interface{} {
	_, file, line, _ := runtime.Caller(3)
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}

	entry := make(map[string]interface{}, len(l.fields)+5)
	for k, v := range l.fields {
		entry[k] = v
	}

	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelString(level)
	entry["msg"] = msg
	entry["hostname"] = l.hostname
	entry["caller"] = fmt.Sprintf("%s:%d", file, line)

	return entry
}

// writeJSON outputs one JSON object per line.
func (l *Logger) writeJSON(entry map[string]interface{}) {
	for k, v := range entry {
		switch val := v.(type) {
		case error:
			entry[k] = val.Error()
		case fmt.Stringer:
			entry[k] = val.String()
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]interface{}{
			"level": entry["level"],
			"msg":   entry["msg"],
			"error": "marshal log entry: " + err.Error(),
		})
	}
	_, _ = l.output.Write(append(data, '\n'))
}

// writeText outputs human-readable format.
func (l *Logger) writeText(entry map[string]interface{}) {
	levelStr := strings.ToUpper(entry["level"].(string))
	tag := "[" + levelStr + "]"
	if l.colorize {
		tag = levelColor(levelStr).Sprint(tag)
	}

	// Format: TIME [LEVEL] Message key=value key=value
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", entry["time"], tag, entry["msg"])

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "time", "level", "msg", "hostname", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry[k])
	}
	sb.WriteByte('\n')

	_, _ = io.WriteString(l.output, sb.String())
}

// Helper functions

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func levelColor(level string) *color.Color {
	switch level {
	case "DEBUG":
		return color.New(color.FgCyan)
	case "INFO":
		return color.New(color.FgGreen)
	case "WARN":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func dirOf(path string) string {
	if idx := strings.LastIndexAny(path, `/\`); idx > 0 {
		return path[:idx]
	}
	return "."
}
