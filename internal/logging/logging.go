// Package logging provides the structured logger used throughout the image
// cache. It is a thin layer over log/slog that adds scoping helpers and a
// set of event helpers for cache and fetch activity.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// LogLevel represents different logging levels
type LogLevel int

// Supported log levels, from most to least verbose.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String returns the lowercase name of the level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

// LogConfig holds configuration for a Logger.
type LogConfig struct {
	// Level sets the minimum log level.
	Level LogLevel
	// JSON selects the JSON handler instead of the text handler.
	JSON bool
	// EnableCallerInfo includes file and line number in logs.
	EnableCallerInfo bool
	// Output is where records are written. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultLogConfig returns a default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  LogLevelInfo,
		Output: os.Stderr,
	}
}

// Logger provides structured logging for the image cache.
// A Logger with no backing slog.Logger discards everything.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.EnableCallerInfo,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// FromSlog wraps an existing slog.Logger.
func FromSlog(l *slog.Logger) *Logger {
	return &Logger{logger: l}
}

// NewNopLogger creates a no-op logger that discards all log messages.
func NewNopLogger() *Logger {
	return &Logger{}
}

// Debug logs debug-level messages
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.DebugContext(ctx, msg, args...)
	}
}

// Info logs info-level messages
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.InfoContext(ctx, msg, args...)
	}
}

// Warn logs warning-level messages
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.WarnContext(ctx, msg, args...)
	}
}

// Error logs error-level messages
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.ErrorContext(ctx, msg, args...)
	}
}

// With returns a logger with additional context fields
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.logger == nil {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// WithOperation returns a logger with operation context
func (l *Logger) WithOperation(operation Operation) *Logger {
	return l.With("operation", string(operation))
}

// WithKey returns a logger scoped to a cache key.
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", key)
}

// WithFetch returns a logger scoped to a single fetch task.
func (l *Logger) WithFetch(id string) *Logger {
	return l.With("fetch_id", id)
}

// Operation identifies an image cache operation for logging.
type Operation string

// Operation constants
const (
	OpLookup  Operation = "lookup"
	OpFetch   Operation = "fetch"
	OpDecode  Operation = "decode"
	OpPromote Operation = "promote"
	OpReload  Operation = "reload"
	OpClear   Operation = "clear"
	OpTrim    Operation = "trim"
	OpCleanup Operation = "cleanup"
)

// LogCacheHit logs a cache hit event.
func LogCacheHit(ctx context.Context, logger *Logger, key string) {
	logger.Debug(ctx, "cache hit",
		"operation", string(OpLookup),
		"key", key,
		"result", "hit")
}

// LogCacheMiss logs a cache miss event.
func LogCacheMiss(ctx context.Context, logger *Logger, key string, reason string) {
	logger.Debug(ctx, "cache miss",
		"operation", string(OpLookup),
		"key", key,
		"reason", reason,
		"result", "miss")
}

// LogFetchStart logs the beginning of a fetch.
func LogFetchStart(ctx context.Context, logger *Logger, source string, fromDisk bool) {
	logger.Debug(ctx, "fetch started",
		"operation", string(OpFetch),
		"source", source,
		"from_disk", fromDisk)
}

// LogFetchDone logs the outcome of a fetch.
func LogFetchDone(ctx context.Context, logger *Logger, source string, size int64, duration time.Duration, err error) {
	fields := []any{
		"operation", string(OpFetch),
		"source", source,
		"duration_ms", duration.Milliseconds(),
	}
	if size > 0 {
		fields = append(fields, "size", humanize.Bytes(uint64(size)))
	}

	if err != nil {
		logger.Warn(ctx, "fetch failed", append(fields, "error", err.Error())...)
		return
	}
	logger.Info(ctx, "fetch completed", fields...)
}

// LogReclaim logs the release of decoded image data.
func LogReclaim(ctx context.Context, logger *Logger, count int, reason string) {
	logger.Debug(ctx, "decoded images released",
		"operation", string(OpTrim),
		"count", count,
		"reason", reason)
}

// LogCleanup logs cleanup operations.
func LogCleanup(ctx context.Context, logger *Logger, operation Operation, removed int, duration time.Duration) {
	logger.Info(ctx, "cache cleanup completed",
		"operation", string(operation),
		"entries_removed", removed,
		"duration_ms", duration.Milliseconds())
}

// ParseLogLevel parses a string log level into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}
