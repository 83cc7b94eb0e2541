package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// InitSlog initializes the structured logger.
// If jsonOutput is true, records are written as JSON lines.
func InitSlog(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFilePath := filepath.Join(logDir, "kumiai-"+time.Now().Format("2006-01-02")+".log")

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	slogger = slog.New(newHandler(io.MultiWriter(os.Stdout, logFile), jsonOutput))
	slog.SetDefault(slogger)

	return nil
}

func newHandler(w io.Writer, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Component returns the shared logger scoped to a named component.
func Component(name string) *slog.Logger {
	return Slog().With("component", name)
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID contextKey = "session_id"
	ContextKeySender    contextKey = "sender"
)

// WithSessionID stores the session being operated on in ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithSender stores the sender identity in ctx.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, ContextKeySender, sender)
}

// WithContext returns a logger carrying the request, session and sender fields of ctx.
func WithContext(ctx context.Context) *slog.Logger {
	return FromContext(ctx, Slog())
}

// FromContext decorates base with the logging fields found in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeySessionID, ContextKeySender} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			l = l.With(string(key), v)
		}
	}
	return l
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
