package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Message roles
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleSystem     = "system"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
)

// Session is the persisted record of one conversation
type Session struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// ConversationHandle resumes the engine's own conversation; empty when none
	ConversationHandle string `json:"conversation_handle,omitempty"`

	// Context holds free-form session attributes, including the derived stage
	Context   map[string]any `json:"context,omitempty"`
	LastError string         `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted conversation record. Sequence and CreatedAt are
// assigned by the store when the message is saved.
type Message struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	Sequence        int64          `json:"sequence"`
	AgentID         string         `json:"agent_id,omitempty"`
	AgentName       string         `json:"agent_name,omitempty"`
	OriginSessionID string         `json:"origin_session_id,omitempty"`
	ResponseID      string         `json:"response_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ListOptions filters ListSessions
type ListOptions struct {
	Statuses      []string
	UpdatedBefore time.Time
	Limit         int
}

// Store is the persistence boundary for sessions and messages
type Store interface {
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)

	// NextSequence reports the sequence the next saved message would receive
	NextSequence(ctx context.Context, sessionID string) (int64, error)

	// SaveMessage allocates the next sequence and inserts msg atomically.
	// On failure no sequence is consumed.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages returns messages with sequence > afterSequence in order.
	// limit <= 0 returns all.
	ListMessages(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*Message, error)

	Close() error
}
