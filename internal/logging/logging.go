// Package logging configures the process-wide slog logger. The relay logs
// structured key/value pairs everywhere; stream keys must never reach a
// log line, so callers redact destinations before logging them.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the default slog logger. level is one of "debug", "info",
// "warn", "error" (default "info"). format is "text" for a colored tint
// handler suitable for terminals, or "json" for machine-readable output.
func Setup(level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
		})
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
