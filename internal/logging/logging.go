// Package logging holds the speed-enforcement server's process-wide
// structured logger: every conn_accepted/role_identified/protocol_error/
// client_disconnected event logged from internal/conn and internal/server goes
// through the *slog.Logger this package hands out.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// defaultLevel is used by the logger installed at package init, before
// cmd/speed-server's setupLogger replaces it with Set.
const defaultLevel = slog.LevelInfo

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: defaultLevel}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}
