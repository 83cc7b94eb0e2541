// Package droid provides the Factory Droid CLI engine runtime.
//
// protocol.go - JSON-RPC 2.0 communication layer
//
// This file contains:
// - JSON-RPC request/response types for the Factory API
// - Request builders for session management (initialize, message, interrupt)
// - The wire shape of incoming messages and session notifications
//
// Droid speaks the stream-jsonrpc protocol over stdin/stdout. Messages are
// newline-delimited JSON.

package droid

import (
	"encoding/json"
	"strconv"
)

const (
	jsonrpcVersion    = "2.0"
	factoryAPIVersion = "1.0.0"
)

// Message kinds carried in the type field
const (
	typeRequest      = "request"
	typeResponse     = "response"
	typeNotification = "notification"
)

// JSON-RPC methods of the stream-jsonrpc protocol
const (
	MethodInitializeSession   = "droid.initialize_session"
	MethodAddUserMessage      = "droid.add_user_message"
	MethodInterruptSession    = "droid.interrupt_session"
	MethodRequestPermission   = "droid.request_permission"
	MethodSessionNotification = "droid.session_notification"
)

// Notification types inside droid.session_notification
const (
	NotifyCreateMessage       = "create_message"
	NotifyAssistantTextDelta  = "assistant_text_delta"
	NotifyThinkingTextDelta   = "thinking_text_delta"
	NotifyError               = "error"
	NotifyResult              = "result"
	NotifyCompletion          = "completion"
	NotifyWorkingStateChanged = "droid_working_state_changed"
)

// JSONRPCRequest represents a Factory API JSON-RPC request
type JSONRPCRequest struct {
	JSONRPC           string `json:"jsonrpc"`
	FactoryAPIVersion string `json:"factoryApiVersion"`
	Type              string `json:"type"`
	Method            string `json:"method"`
	Params            any    `json:"params,omitempty"`
	ID                string `json:"id"`
}

// JSONRPCResponse represents a Factory API JSON-RPC response
type JSONRPCResponse struct {
	JSONRPC           string          `json:"jsonrpc"`
	FactoryAPIVersion string          `json:"factoryApiVersion"`
	Type              string          `json:"type"`
	Result            any             `json:"result,omitempty"`
	Error             *RPCError       `json:"error,omitempty"`
	ID                json.RawMessage `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// InitializeSessionParams contains parameters for droid.initialize_session
type InitializeSessionParams struct {
	MachineID string `json:"machineId"`
	Cwd       string `json:"cwd"`
}

// AddUserMessageParams contains parameters for droid.add_user_message
type AddUserMessageParams struct {
	Text string `json:"text"`
}

// incoming is any line droid writes to stdout
type incoming struct {
	JSONRPC string          `json:"jsonrpc"`
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type initResult struct {
	SessionID string `json:"sessionId"`
}

type permissionParams struct {
	ToolName string `json:"toolName"`
}

type notificationParams struct {
	Notification notification `json:"notification"`
}

type notification struct {
	Type string `json:"type"`

	// An object for create_message, a string for error
	Message json.RawMessage `json:"message"`

	// text deltas
	MessageID string `json:"messageId"`
	TextDelta string `json:"textDelta"`

	// result / completion
	FinalText  string  `json:"finalText"`
	NumTurns   float64 `json:"numTurns"`
	DurationMs float64 `json:"durationMs"`

	// droid_working_state_changed
	NewState string `json:"newState"`
}

type createdMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// created decodes the message of a create_message notification
func (n *notification) created() (*createdMessage, bool) {
	var msg createdMessage
	if err := json.Unmarshal(n.Message, &msg); err != nil {
		return nil, false
	}
	return &msg, true
}

// errorText decodes the message of an error notification
func (n *notification) errorText() string {
	var msg string
	if err := json.Unmarshal(n.Message, &msg); err != nil {
		return ""
	}
	return msg
}

// text returns the first text block, skipping thinking
func (m *createdMessage) text() string {
	for _, block := range m.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

func newRequest(id int64, method string, params any) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC:           jsonrpcVersion,
		FactoryAPIVersion: factoryAPIVersion,
		Type:              typeRequest,
		Method:            method,
		Params:            params,
		ID:                strconv.FormatInt(id, 10),
	}
}

// NewInitializeSessionRequest creates a request that initializes the session
// the process was started for
func NewInitializeSessionRequest(id int64, cwd, machineID string) *JSONRPCRequest {
	return newRequest(id, MethodInitializeSession, InitializeSessionParams{
		MachineID: machineID,
		Cwd:       cwd,
	})
}

// NewUserMessageRequest creates a request that sends a user message
func NewUserMessageRequest(id int64, message string) *JSONRPCRequest {
	return newRequest(id, MethodAddUserMessage, AddUserMessageParams{Text: message})
}

// NewInterruptRequest creates a request that interrupts the running turn
func NewInterruptRequest(id int64) *JSONRPCRequest {
	return newRequest(id, MethodInterruptSession, nil)
}

// NewPermissionResponse approves a droid.request_permission for one use
func NewPermissionResponse(id json.RawMessage) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC:           jsonrpcVersion,
		FactoryAPIVersion: factoryAPIVersion,
		Type:              typeResponse,
		Result:            map[string]string{"selectedOption": "proceed_once"},
		ID:                id,
	}
}
