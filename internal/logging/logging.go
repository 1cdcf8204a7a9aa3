// Package logging configures the process-wide slog default.
package logging

import (
	"log/slog"
	"os"
)

// New builds a structured logger: JSON in anything but "development",
// human-readable text locally, matching the level named by levelName.
func New(levelName, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(levelName)}

	var handler slog.Handler
	if environment == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch name {
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
