// Package logger configures the process-wide slog logger from the level and
// format settings.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New returns a logger writing to w. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		opts.AddSource = ParseLevel(level) == slog.LevelDebug
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Init installs a stderr logger as the slog default. The standard log
// package is routed through it as well.
func Init(level, format string) {
	slog.SetDefault(New(os.Stderr, level, format))
}
