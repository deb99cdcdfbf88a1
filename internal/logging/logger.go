package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger for the environment, writing
// to stderr. Production logs JSON at Info level; any other environment
// logs human-readable text at Debug level with source locations.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stderr)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}))
}
