// ABOUTME: slog setup for console and JSON output
// ABOUTME: Format "json" gets structured JSON; any other format goes through tint

// Package logging wires up the process-wide structured logger. Output is
// either a colorized console handler for interactive terminals or plain JSON
// for production log collection, selected by configuration rather than by
// detecting the terminal, so behavior in containers is deterministic.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Setup builds the process logger. format is "console" or "json"; level is
// one of "debug", "info", "warn", "error" (case-insensitive, defaults to info).
func Setup(level, format string) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05",
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetupWriter is used by tests to capture output instead of writing to stdout.
func SetupWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
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
