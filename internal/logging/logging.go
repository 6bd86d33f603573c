// Package logging builds the structured logger used throughout the relay.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NewLogger creates a text-format structured logger writing to stderr at
// the given level. Supported levels: debug, info, warn, error.
func NewLogger(level string) *slog.Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger writing to w.
func NewLoggerWithWriter(level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Config mirrors the fields of config.LogConfig this package needs,
// avoiding an import cycle with the config package.
type Config struct {
	Level   string
	Console bool
	FileDir string
}

// NewFromConfig builds the relay's logger from the observability section
// of the configuration (spec §6: "log_level, console_log, file_log_dir").
// When both console and file output are disabled, logs are discarded.
func NewFromConfig(cfg Config) (*slog.Logger, func() error, error) {
	var writers []io.Writer
	closer := func() error { return nil }

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	if cfg.FileDir != "" {
		if err := os.MkdirAll(cfg.FileDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: create log dir %s: %w", cfg.FileDir, err)
		}
		name := filepath.Join(cfg.FileDir, "ssserver.log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file %s: %w", name, err)
		}
		writers = append(writers, f)
		closer = f.Close
	}

	var dst io.Writer = io.Discard
	if len(writers) > 0 {
		dst = io.MultiWriter(writers...)
	}

	return NewLoggerWithWriter(cfg.Level, dst), closer, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output, for tests and
// library use where no logger was configured.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging across the relay.
const (
	KeyError         = "error"
	KeyComponent     = "component"
	KeyRemoteAddr    = "remote_addr"
	KeyLocalAddr     = "local_addr"
	KeyClientAddr    = "client_addr"
	KeyTargetAddr    = "target_addr"
	KeyDuration      = "duration"
	KeyBytesSent     = "bytes_c2t"
	KeyBytesReceived = "bytes_t2c"
)

// FormatDuration renders a duration the way relay summary logs do:
// trimmed to millisecond precision for readability.
func FormatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
