// Package logging configures structured logging and carries request and
// task identifiers through contexts.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger behavior.
type Config struct {
	Level slog.Level
	// Format is "json" or "text". DevMode forces text.
	Format    string
	DevMode   bool
	AddSource bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// New creates a configured slog.Logger.
func New(cfg Config) *slog.Logger {
	return slog.New(primaryHandler(cfg))
}

// NewWithRing creates a logger that also keeps WARN and above in ring.
func NewWithRing(cfg Config, ring *RingBuffer) *slog.Logger {
	return slog.New(&ringHandler{
		primary: primaryHandler(cfg),
		ring:    ring,
	})
}

func primaryHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource || cfg.DevMode,
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.DevMode || cfg.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
