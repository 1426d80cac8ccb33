// Package logging builds the structured JSON loggers used by the agent and
// the collector server.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// New returns a JSON logger writing to w at level, with the component
// attached to every record.
func New(component string, w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// ParseLevel accepts debug, info, warn/warning and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	noopOnce   sync.Once
	noopLogger *slog.Logger
)

// Noop returns a logger that discards every record.
func Noop() *slog.Logger {
	noopOnce.Do(func() {
		noopLogger = slog.New(slog.DiscardHandler)
	})
	return noopLogger
}

// SetDefault installs l as the process-wide slog default. Only main should
// call it; library code receives its logger explicitly.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop()
	}
	slog.SetDefault(l)
}
