// Package opencode provides the OpenCode engine runtime.
//
// events.go - SSE event type constants
//
// These constants map to the event types emitted by the OpenCode
// server's /event SSE endpoint.

package opencode

// OpenCode event types mapped from bus events
const (
	EventSessionStatus = "session.status"
	EventSessionIdle   = "session.idle"
	EventSessionError  = "session.error"

	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"

	EventServerConnected = "server.connected"
	EventServerHeartbeat = "server.heartbeat"
)

// Part types in OpenCode messages
const (
	PartTypeText           = "text"
	PartTypeToolInvocation = "tool-invocation"
	PartTypeToolResult     = "tool-result"
)

const (
	roleUser   = "user"
	statusIdle = "idle"
)
