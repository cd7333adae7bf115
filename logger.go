package recordpack

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with recordpack-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(records uint64, err error) {
	if err != nil {
		l.Error("commit failed",
			"records", records,
			"error", err,
		)
	} else {
		l.Debug("commit completed",
			"records", records,
		)
	}
}

// LogSeal logs a seal operation.
func (l *Logger) LogSeal(records uint64, shards int, err error) {
	if err != nil {
		l.Error("seal failed",
			"records", records,
			"shards", shards,
			"error", err,
		)
	} else {
		l.Info("dataset sealed",
			"records", records,
			"shards", shards,
		)
	}
}

// LogRecovery logs an index recovery operation.
func (l *Logger) LogRecovery(recovered, expected uint64, err error) {
	if err != nil {
		l.Error("recovery failed",
			"recovered", recovered,
			"expected", expected,
			"error", err,
		)
	} else {
		l.Info("recovery completed",
			"recovered", recovered,
			"expected", expected,
		)
	}
}
