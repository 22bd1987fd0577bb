package contextx

import (
	"context"

	"go.uber.org/zap"
)

// Key types (unexported).
type (
	loggerKeyType    struct{}
	requestIDKeyType struct{}
	userIDKeyType    struct{}
)

var (
	loggerKey    = loggerKeyType{}
	requestIDKey = requestIDKeyType{}
	userIDKey    = userIDKeyType{}
)

// Logger helpers.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// Logger returns the request-scoped logger, or fallback when none is set.
func Logger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}

// Request ID helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// User ID helpers.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
