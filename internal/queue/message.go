// Package queue owns the per-session inboxes that buffer input for an
// execution, the batching and grouping of queued messages into turns, and
// the feed that drip-feeds those turns into a running execution.
package queue

import (
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue after the manager has been closed
var ErrClosed = errors.New("queue manager closed")

// UserSenderKey groups messages that did not originate from another session
const UserSenderKey = "user"

// Sender identifies the agent that produced a message
type Sender struct {
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// Message is one queued input envelope. It is consumed exactly once and never
// mutated after Enqueue.
type Message struct {
	Content         string    `json:"content"`
	Sender          *Sender   `json:"sender,omitempty"`
	OriginSessionID string    `json:"origin_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SenderKey returns the grouping key of the message
func (m Message) SenderKey() string {
	if m.OriginSessionID == "" {
		return UserSenderKey
	}
	return m.OriginSessionID
}

// Turn is the merged input of one sender within a batch
type Turn struct {
	SenderKey       string
	AgentID         string
	AgentName       string
	OriginSessionID string
	Content         string
	Count           int
}

// Attributed reports whether the turn names a sender
func (t Turn) Attributed() bool {
	return t.AgentID != "" || t.AgentName != "" || t.OriginSessionID != ""
}

// item is an inbox entry: a message or a stop signal
type item struct {
	msg  Message
	stop bool
}
