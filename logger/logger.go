// Package logger provides the structured logging interface used across the
// server, backed by zerolog, with optional daily log files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes leveled, structured log entries. Derived loggers created with
// With share the parent's output.
type Logger interface {
	// Debug logs msg at debug level.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger; the receiver is unchanged
	With(fields ...Field) Logger

	// Close releases any file the logger owns. Safe to call more than once.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewZerologLogger wraps l, tagging every entry with the service name and a
// timestamp and dropping entries below level.
//
// Parameters:
//   - l: The zerolog.Logger to write through
//   - serviceName: Added as the "service" field
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that does not own any file
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewFileLogger writes to stdout and to a daily rotated file
// {serviceName}_{date}.log under logDir, creating logDir if needed.
//
// Parameters:
//   - serviceName: Added as the "service" field and used in file names
//   - logDir: Directory for log files
//   - level: Minimum level to log
//
// Returns:
//   - A Logger owning the file; call Close on shutdown
//   - An error if the directory or first file cannot be created
func NewFileLogger(serviceName, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w, err := NewDailyFile(serviceName, logDir)
	if err != nil {
		return nil, err
	}

	l := zerolog.New(io.MultiWriter(os.Stdout, w))
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
		closer: w,
	}, nil
}

// NewNopLogger returns a Logger that discards everything. Tests use it.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name such as "debug" or "WARN" to a zerolog level.
// An empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return lvl, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	return z.closer.Close()
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
