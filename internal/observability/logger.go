package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"autopilot/internal/shared/logging"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string    `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string    `mapstructure:"format" yaml:"format"` // json, text
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// NewLogger creates a structured logger. Output defaults to stderr so the
// run summary on stdout stays clean.
func NewLogger(config LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "", "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}
	return slog.New(handler), nil
}

// InstallLogger builds the logger and makes it the base of every component
// logger.
func InstallLogger(config LogConfig) (*slog.Logger, error) {
	logger, err := NewLogger(config)
	if err != nil {
		return nil, err
	}
	logging.SetBase(logger)
	return logger, nil
}
