package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger attaches logger to ctx so every component downstream of boot —
// appmanager, supervisor, hubbridge, resourcemonitor, signal, localserver —
// picks it up via GetLogger instead of constructing its own.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger reads the logger WithLogger placed on ctx. A request context
// that never passed through boot (a bare context.Background() in a test,
// say) still gets a usable logger rather than a nil panic.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return NewProductionLogger()
}

// NewProductionLogger is the fallback logger for contexts that never saw
// WithLogger: JSON to stdout at info level and above, ISO8601 timestamps.
func NewProductionLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
