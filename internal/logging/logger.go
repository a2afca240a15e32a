// Package logging holds the process-wide structured logger. Everything in
// this program logs to stderr so that chat output on stdout stays clean.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

// Init installs a text handler on stderr at the given level. Unrecognized
// levels fall back to info.
func Init(level string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Logger returns the shared logger, initializing it at info if Init was
// never called.
func Logger() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
