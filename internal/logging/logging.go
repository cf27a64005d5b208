// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// ParseLevel maps a CORE_LOG_LEVEL value to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger at the given level writing to w. Terminals get the
// text handler, everything else gets JSON lines.
func New(level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return slog.New(slog.NewTextHandler(w, opts))
		}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Setup builds the stderr logger and installs it as the slog default.
func Setup(level string) *slog.Logger {
	logger := New(level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
