// Package logger provides logging for inboxguard.
//
// Two kinds of output exist:
//
//   - The diagnostic log: a process-wide slog logger for operator-facing
//     troubleshooting, configured from config.LoggingConfig. It is also the
//     fallback channel when a sink cannot persist a record.
//   - Sinks: the audit log (long-lived, append-only across runs) and the
//     pipeline log (per run). Both use the line format
//     "timestamp : actor : LEVEL : message". See sink.go.
//
// # Initialization
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// # Usage
//
//	logger.Info("Service started", "pid", pid)
//	logger.Warnf("[SERVICE] readiness poll %d failed", attempt)
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/inboxguard/inboxguard/config"
)

var (
	// Global logger instance
	globalLogger *slog.Logger
)

// Initialize sets up the global diagnostic logger based on configuration
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	var logFile *os.File

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	format := cfg.Format
	if format == "" {
		format = "console"
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: false, // Disabled because wrapper functions report incorrect source locations
	}

	newHandler := func(f *os.File) slog.Handler {
		if format == "json" {
			return slog.NewJSONHandler(f, handlerOpts)
		}
		return slog.NewTextHandler(f, handlerOpts)
	}

	var handler slog.Handler
	switch output {
	case "stdout":
		handler = newHandler(os.Stdout)
	case "stderr":
		handler = newHandler(os.Stderr)
	default:
		// Assume it's a file path
		var err error
		logFile, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = newHandler(os.Stderr)
			logFile = nil
		} else {
			handler = newHandler(logFile)
		}
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)

	return logFile, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
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

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Info logs an info message with optional key-value pairs
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info message with context and optional key-value pairs
func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Debug logs a debug message with optional key-value pairs
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs a warning message with optional key-value pairs
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// ErrorContext logs an error message with context and optional key-value pairs
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Infof logs an info message with formatting (compatibility)
func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

// Debugf logs a debug message with formatting (compatibility)
func Debugf(format string, args ...any) {
	Get().Debug(fmt.Sprintf(format, args...))
}

// Warnf logs a warning message with formatting (compatibility)
func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

// Errorf logs an error message with formatting (compatibility)
func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}
