// Package logging builds the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Source bool
}

// New returns a logger writing to w. Console output is colorized unless
// noColor is set.
func New(w io.Writer, cfg Config, noColor bool) *slog.Logger {
	level := ParseLevel(cfg.Level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.Source,
		}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.Source,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor,
		}))
	}
}

// Setup installs a logger on stderr as the slog default and returns it.
func Setup(cfg Config) *slog.Logger {
	_, noColor := os.LookupEnv("NO_COLOR")
	l := New(os.Stderr, cfg, noColor)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
