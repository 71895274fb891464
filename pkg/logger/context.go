package logger

import (
	"context"
	"log/slog"
)

type ctxKey string

const loggerKey ctxKey = "logger"

// With returns a context carrying a child logger with the given fields
// attached. Handlers pull it back out with From so request-scoped fields
// like the trace ID follow every log line.
func With(ctx context.Context, fields ...any) context.Context {
	child := From(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, child)
}

// From returns the logger stored in ctx, falling back to the process logger.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
