// Package audit records session lifecycle operations as structured JSON
// log lines, separate from the application log.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dizzyvn/kumiai/internal/logger"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpSessionCreate    Operation = "session.create"
	OpSessionInterrupt Operation = "session.interrupt"
	OpSessionResume    Operation = "session.resume"
	OpSessionComplete  Operation = "session.complete"
	OpQueueClear       Operation = "queue.clear"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	SessionID string         `json:"session_id,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Sender != "" {
		attrs = append(attrs, slog.String("sender", event.Sender))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs the outcome of op on a session; err nil means success.
// Request id and sender are taken from ctx when present.
func (l *Logger) Record(ctx context.Context, op Operation, sessionID string, err error, details map[string]any) {
	event := &Event{
		Operation: op,
		SessionID: sessionID,
		Success:   err == nil,
		Details:   details,
	}
	if v, ok := ctx.Value(logger.ContextKeyRequestID).(string); ok {
		event.RequestID = v
	}
	if v, ok := ctx.Value(logger.ContextKeySender).(string); ok {
		event.Sender = v
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}
