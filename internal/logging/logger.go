// Package logging wraps a process-wide zap.Logger with context-aware
// helpers, so call sites pass a context.Context instead of threading a
// logger through every function signature.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	roomIDKey
	userIDKey
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Initialize sets up the process-wide logger. development selects a
// human-readable console encoder with debug level; production selects a
// JSON encoder at info level. Safe to call once at startup; subsequent
// calls are no-ops.
func Initialize(development bool) {
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
}

// Logger returns the process-wide logger, falling back to a development
// logger if Initialize was never called (tests, tools).
func Logger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// WithCorrelationID, WithRoomID and WithUserID attach request-scoped
// identifiers to a context so later log calls on that context include them
// automatically.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("correlation_id", v))
	}
	if v, ok := ctx.Value(roomIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("room_id", v))
	}
	if v, ok := ctx.Value(userIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	return fields
}

// Info, Warn, Error and Fatal log at their respective levels, adding any
// correlation/room/user IDs found on ctx after the given fields.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Logger().Info(msg, appendContextFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Logger().Warn(msg, appendContextFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Logger().Error(msg, appendContextFields(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Logger().Fatal(msg, appendContextFields(ctx, fields)...)
}
