package main

import (
	"log/slog"
	"os"

	"github.com/protohackers/speed-server/internal/logging"
)

// setupLogger builds the process-wide logger. Format and level are fixed
// (text, info) per SPEC_FULL.md §6: there is no flag or env var to change
// them, matching the teacher's logging.New but with the configuration
// surface removed.
func setupLogger() *slog.Logger {
	l := logging.New("text", slog.LevelInfo, os.Stderr).With("app", "speed-server")
	logging.Set(l)
	return l
}
