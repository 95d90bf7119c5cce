package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogRelayOutcome logs the result of processing one relay in an iteration.
func (l *Logger) LogRelayOutcome(relay string, seen, added int, warnings []string, cause string, err error) {
	args := []any{
		"relay", relay,
		"events_seen", seen,
		"events_new", added,
	}
	if len(warnings) > 0 {
		args = append(args, "warnings", strings.Join(warnings, ","))
	}
	if cause != "" {
		args = append(args, "terminal_cause", cause)
	}
	if err != nil {
		args = append(args, "error", err)
		l.Warn("relay failed", args...)
		return
	}
	l.Info("relay done", args...)
}

// LogIterationSummary logs the aggregated per-iteration counters. When the
// failure rate exceeds threshold over at least minSample relays it escalates
// to an error record.
func (l *Logger) LogIterationSummary(service string, processed, eventsNew, failures int, elapsed time.Duration, threshold float64, minSample int) {
	rate := 0.0
	if processed > 0 {
		rate = float64(failures) / float64(processed)
	}
	args := []any{
		"service", service,
		"relays_processed", processed,
		"events_new", eventsNew,
		"failures", failures,
		"failure_rate", rate,
		"duration_ms", elapsed.Milliseconds(),
	}
	if processed >= minSample && rate > threshold {
		l.Error("iteration failure rate above threshold", args...)
		return
	}
	l.Info("iteration complete", args...)
}

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogShutdown logs service shutdown
func (l *Logger) LogShutdown(service, reason string) {
	l.Info("shutting down",
		"service", service,
		"reason", reason)
}

// Default logger configuration
var defaultLogger = NewLogger(&config.Logging{Level: "info", Format: "text"})

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
