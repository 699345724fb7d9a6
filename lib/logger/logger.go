// Package logger carries a structured logger through a context and builds
// the process logger from configuration.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type contextKey struct{}

// AddToContext returns a copy of ctx carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string // "text" or "json"

	// Extra handlers receive every record in addition to the writer
	// handler (e.g. an OpenTelemetry log bridge).
	Extra []slog.Handler
}

// New builds a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}

	if len(opts.Extra) > 0 {
		h = newFanout(opts.Level, append([]slog.Handler{h}, opts.Extra...)...)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to
// fallback.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}
	return lvl
}
