// Package logger owns the process-wide zerolog root and the context plumbing
// for request-scoped children. The gateway attaches a per-request logger via
// WithContext; anything below it pulls the enriched logger back out with
// FromContext and falls back to the root when none was attached.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide root logger, set by Init.
var Log zerolog.Logger

type ctxKey struct{}

// New builds a service-tagged logger on w. The level comes from LOG_LEVEL
// when set to a valid zerolog level, info otherwise.
func New(w io.Writer, serviceName string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil && parsed != zerolog.NoLevel {
			level = parsed
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func Init(serviceName string) {
	Log = New(os.Stdout, serviceName)
}

// WithContext attaches a scoped logger to the context.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the scoped logger, or the root when none is attached.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}
