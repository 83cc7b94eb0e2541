// Package events defines the server-push events delivered to session
// subscribers.
//
// The set of variants is closed: every event a client can observe is one of
// the structs below, and Encode refuses anything else. Markers that only
// matter inside the stream pipeline (message start, block stop) are agent
// stream events and never reach this package.
package events

import (
	"time"
)

// Type is the SSE event name of a variant
type Type string

const (
	TypeStreamDelta     Type = "stream_delta"
	TypeToolStarted     Type = "tool_started"
	TypeToolFinished    Type = "tool_finished"
	TypeContentBlock    Type = "content_block"
	TypeMessageComplete Type = "message_complete"
	TypeResult          Type = "result"
	TypeError           Type = "error"
	TypeUserMessage     Type = "user_message"
	TypeQueueStatus     Type = "queue_status"
	TypeSessionStatus   Type = "session_status"
)

// Event is implemented by every wire variant.
type Event interface {
	EventType() Type
	Session() string
}

// StreamDelta mirrors a text fragment while its block is still open.
type StreamDelta struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id,omitempty"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
}

// ToolStarted reports a tool invocation by the agent.
type ToolStarted struct {
	SessionID  string         `json:"session_id"`
	ResponseID string         `json:"response_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	Sequence   int64          `json:"sequence,omitempty"`
	ToolID     string         `json:"tool_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// ToolFinished reports the outcome of a tool invocation.
type ToolFinished struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
	ToolID     string `json:"tool_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// ContentBlock carries one complete block of assistant text.
type ContentBlock struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
}

// MessageComplete marks the end of one assistant message.
type MessageComplete struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id,omitempty"`
}

// Result is the engine's terminal report for a turn.
type Result struct {
	SessionID  string `json:"session_id"`
	ResponseID string `json:"response_id,omitempty"`
	Text       string `json:"text,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Error reports a failed execution.
type Error struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// UserMessage announces a persisted user turn.
type UserMessage struct {
	SessionID       string    `json:"session_id"`
	MessageID       string    `json:"message_id"`
	Sequence        int64     `json:"sequence"`
	Content         string    `json:"content"`
	AgentID         string    `json:"agent_id,omitempty"`
	AgentName       string    `json:"agent_name,omitempty"`
	OriginSessionID string    `json:"origin_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// QueueStatus reports the inbox depth and whether an execution is running.
type QueueStatus struct {
	SessionID string `json:"session_id"`
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
}

// SessionStatus reports a status transition.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Previous  string `json:"previous_status,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (e *StreamDelta) EventType() Type     { return TypeStreamDelta }
func (e *ToolStarted) EventType() Type     { return TypeToolStarted }
func (e *ToolFinished) EventType() Type    { return TypeToolFinished }
func (e *ContentBlock) EventType() Type    { return TypeContentBlock }
func (e *MessageComplete) EventType() Type { return TypeMessageComplete }
func (e *Result) EventType() Type          { return TypeResult }
func (e *Error) EventType() Type           { return TypeError }
func (e *UserMessage) EventType() Type     { return TypeUserMessage }
func (e *QueueStatus) EventType() Type     { return TypeQueueStatus }
func (e *SessionStatus) EventType() Type   { return TypeSessionStatus }

func (e *StreamDelta) Session() string     { return e.SessionID }
func (e *ToolStarted) Session() string     { return e.SessionID }
func (e *ToolFinished) Session() string    { return e.SessionID }
func (e *ContentBlock) Session() string    { return e.SessionID }
func (e *MessageComplete) Session() string { return e.SessionID }
func (e *Result) Session() string          { return e.SessionID }
func (e *Error) Session() string           { return e.SessionID }
func (e *UserMessage) Session() string     { return e.SessionID }
func (e *QueueStatus) Session() string     { return e.SessionID }
func (e *SessionStatus) Session() string   { return e.SessionID }
