package services

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// SlogLogger implements ports.Logger using slog.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a slog-based logger writing to stdout.
func NewSlogLogger(level string, json bool) *SlogLogger {
	return NewSlogLoggerTo(os.Stdout, level, json)
}

// NewSlogLoggerTo creates a slog-based logger writing to w.
func NewSlogLoggerTo(w io.Writer, level string, json bool) *SlogLogger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &SlogLogger{
		logger: slog.New(handler),
	}
}

func parseLevel(level string) slog.Level {
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

// Debug logs a debug message.
func (l *SlogLogger) Debug(msg string, args ...interface{}) {
	l.logger.Debug(msg, args...)
}

// Info logs an info message.
func (l *SlogLogger) Info(msg string, args ...interface{}) {
	l.logger.Info(msg, args...)
}

// Warn logs a warning message.
func (l *SlogLogger) Warn(msg string, args ...interface{}) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message.
func (l *SlogLogger) Error(msg string, args ...interface{}) {
	l.logger.Error(msg, args...)
}

// With returns a logger with additional context.
func (l *SlogLogger) With(args ...interface{}) ports.Logger {
	return &SlogLogger{
		logger: l.logger.With(args...),
	}
}

var _ ports.Logger = (*SlogLogger)(nil)

// NopLogger is a no-op logger for testing.
type NopLogger struct{}

func (l *NopLogger) Debug(msg string, args ...interface{}) {}
func (l *NopLogger) Info(msg string, args ...interface{})  {}
func (l *NopLogger) Warn(msg string, args ...interface{})  {}
func (l *NopLogger) Error(msg string, args ...interface{}) {}
func (l *NopLogger) With(args ...interface{}) ports.Logger { return l }

var _ ports.Logger = (*NopLogger)(nil)
