package events

import (
	"context"

	"github.com/TheMichaelB/recsync/internal/models"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	cycleIDKey
	recordKeyKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithCycleID tags everything logged during one sync cycle.
func WithCycleID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("cycle_id", id)
	ctx = context.WithValue(ctx, cycleIDKey, id)
	return WithLogger(ctx, logger)
}

// WithRecordKey adds the record being processed to context.
func WithRecordKey(ctx context.Context, key models.Key) context.Context {
	logger := FromContext(ctx).WithField("record", key.String())
	ctx = context.WithValue(ctx, recordKeyKey, key)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCycleID retrieves the sync cycle ID from context.
func GetCycleID(ctx context.Context) string {
	if id, ok := ctx.Value(cycleIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRecordKey retrieves the record key from context.
func GetRecordKey(ctx context.Context) (models.Key, bool) {
	key, ok := ctx.Value(recordKeyKey).(models.Key)
	return key, ok
}

var defaultLogger = Discard()

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
