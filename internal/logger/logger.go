// Package logger configures the process-wide slog logger and carries
// request correlation ids through contexts.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type ctxKey int

const requestIDKey ctxKey = iota

var (
	mu      sync.RWMutex
	current *slog.Logger
)

// Config selects level (debug, info, warn, error) and format (json, text).
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// Init installs a new default logger, replacing any previous one.
func Init(cfg Config) *slog.Logger {
	l := New(cfg)
	mu.Lock()
	current = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// New builds a logger without touching the process default.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h)
}

// Reset drops the installed logger. Tests use it between cases.
func Reset() {
	mu.Lock()
	current = nil
	mu.Unlock()
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the installed logger, or slog's default before Init.
func Default() *slog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext returns l (or Default when nil) annotated with the request id.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = Default()
	}
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
