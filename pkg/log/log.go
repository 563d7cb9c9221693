// Package log wires the process-wide slog default used by every stagekit
// module.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the process-wide default logger at the given level. Levels
// follow slog's text form ("debug", "info", "warn", "error"); anything
// unparseable falls back to info.
func Setup(logLevel string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
