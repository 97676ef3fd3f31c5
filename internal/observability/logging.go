// Package observability provides logging, metrics and request statistics.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Format string // "text" | "json"
	File   string // optional JSON log file
}

// SetupLogger creates the process logger and installs it as the slog
// default. Records go to stderr and, when File is set, are also written as
// JSON to the file. The returned cleanup closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)
	stderr := newHandler(os.Stderr, cfg.Format, level)

	if cfg.File == "" {
		logger := slog.New(stderr)
		slog.SetDefault(logger)
		return logger, func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := slog.New(stderr)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", cfg.File)
		slog.SetDefault(logger)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(stderr, fileHandler))
	slog.SetDefault(logger)
	return logger, file.Close
}

// NewLoggerWithWriters fans out to a console writer and a JSON writer.
func NewLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// Component returns logger tagged with a component name. A nil logger
// falls back to the slog default.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
