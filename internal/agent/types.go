// Package agent provides the upstream engine abstraction layer.
//
// types.go - Shared types for engine communication
//
// This file contains:
// - StreamEventType and StreamEvent for normalized event streaming
// - Turn, the unit of input handed to an engine
// - OpenRequest for opening a per-session engine handle
//
// StreamEvent is the common format every engine adapter converts its native
// events into. Some kinds (message start, block stop) are markers that only
// the stream pipeline consumes; they never reach subscribers.

package agent

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	StreamEventTextDelta       StreamEventType = "text_delta"
	StreamEventBlockStop       StreamEventType = "block_stop"
	StreamEventMessageStart    StreamEventType = "message_start"
	StreamEventToolCall        StreamEventType = "tool_call"
	StreamEventToolResult      StreamEventType = "tool_result"
	StreamEventMessageComplete StreamEventType = "message_complete"
	StreamEventResult          StreamEventType = "result"
	StreamEventError           StreamEventType = "error"
	StreamEventSystem          StreamEventType = "system"
)

// IsMarker reports whether the event kind is internal to the pipeline
func (t StreamEventType) IsMarker() bool {
	return t == StreamEventMessageStart || t == StreamEventBlockStop
}

// StreamEvent represents a single event in engine streaming output
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`

	// Content block fields
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`

	// MessageID is the response-correlation id announced by message start
	MessageID string `json:"messageId,omitempty"`

	// Tool fields
	ToolID     string         `json:"toolId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	Value      string         `json:"value,omitempty"`

	// Result fields
	ConversationHandle string `json:"conversationHandle,omitempty"`
	NumTurns           int    `json:"numTurns,omitempty"`
	DurationMs         int64  `json:"durationMs,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	// Raw data for backend-specific fields
	Raw map[string]any `json:"-"`
}

// Turn is one logical unit of input handed to the engine
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRequest contains parameters for opening an engine handle for a session
type OpenRequest struct {
	SessionID string

	// ConversationHandle resumes the engine's own conversation state when set
	ConversationHandle string

	// Model identifier, engine specific
	Model string

	// SystemPrompt is prepended by engines that support it
	SystemPrompt string
}
