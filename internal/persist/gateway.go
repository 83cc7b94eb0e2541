// Package persist is the single write path for conversation messages.
//
// Saves for one session are serialized; the store assigns each message the
// next sequence inside the insert transaction, so sequences are unique and
// strictly increasing per session and a failed save consumes none. After a
// successful save the matching event is broadcast with the stored sequence.
package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/metrics"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// Metadata keys used on persisted messages
const (
	MetaIndex     = "index"
	MetaToolID    = "tool_id"
	MetaToolName  = "tool_name"
	MetaArguments = "arguments"
	MetaIsError   = "is_error"
)

// Gateway persists messages and announces them
type Gateway struct {
	store       store.Store
	broadcaster session.Broadcaster
	locks       *session.LockMap
	logger      *slog.Logger
}

// NewGateway creates a persistence gateway. Pass nil locks to use a private
// lock map and nil logger for default.
func NewGateway(st store.Store, b session.Broadcaster, locks *session.LockMap, logger *slog.Logger) *Gateway {
	if locks == nil {
		locks = session.NewLockMap()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:       st,
		broadcaster: b,
		locks:       locks,
		logger:      logger.With("component", "persist"),
	}
}

// NextSequence reports the sequence the session's next message would get
func (g *Gateway) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	unlock := g.locks.Lock(sessionID)
	defer unlock()
	return g.store.NextSequence(ctx, sessionID)
}

// Save persists msg and broadcasts its event. The returned message carries
// the assigned ID, Sequence and CreatedAt.
func (g *Gateway) Save(ctx context.Context, msg *store.Message) (*store.Message, error) {
	unlock := g.locks.Lock(msg.SessionID)
	defer unlock()

	if err := g.store.SaveMessage(ctx, msg); err != nil {
		g.logger.Error("failed to persist message",
			"session_id", msg.SessionID,
			"role", msg.Role,
			"error", err)
		return nil, fmt.Errorf("persist %s message: %w", msg.Role, err)
	}
	metrics.RecordMessagePersisted(msg.Role)

	// Broadcast under the lock so subscribers observe sequence order
	if ev := eventFor(msg); ev != nil && g.broadcaster != nil {
		g.broadcaster.Broadcast(msg.SessionID, ev)
	}
	return msg, nil
}

// SaveUserMessage persists one grouped user turn
func (g *Gateway) SaveUserMessage(ctx context.Context, sessionID, content, agentID, agentName, originSessionID string) (*store.Message, error) {
	return g.Save(ctx, &store.Message{
		SessionID:       sessionID,
		Role:            store.RoleUser,
		Content:         content,
		AgentID:         agentID,
		AgentName:       agentName,
		OriginSessionID: originSessionID,
	})
}

// SaveContentBlock persists one complete block of assistant text
func (g *Gateway) SaveContentBlock(ctx context.Context, sessionID, responseID string, index int, content string) (*store.Message, error) {
	return g.Save(ctx, &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleAssistant,
		Content:    content,
		ResponseID: responseID,
		Metadata:   map[string]any{MetaIndex: index},
	})
}

// SaveToolCall persists a tool invocation
func (g *Gateway) SaveToolCall(ctx context.Context, sessionID, responseID, toolID, toolName string, args map[string]any) (*store.Message, error) {
	meta := map[string]any{MetaToolID: toolID, MetaToolName: toolName}
	if args != nil {
		meta[MetaArguments] = args
	}
	return g.Save(ctx, &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleToolCall,
		Content:    toolName,
		ResponseID: responseID,
		Metadata:   meta,
	})
}

// SaveToolResult persists the outcome of a tool invocation
func (g *Gateway) SaveToolResult(ctx context.Context, sessionID, responseID, toolID, toolName, result string, isError bool) (*store.Message, error) {
	return g.Save(ctx, &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleToolResult,
		Content:    result,
		ResponseID: responseID,
		Metadata:   map[string]any{MetaToolID: toolID, MetaToolName: toolName, MetaIsError: isError},
	})
}

// eventFor maps a stored message to the event announcing it
func eventFor(msg *store.Message) events.Event {
	switch msg.Role {
	case store.RoleUser:
		return &events.UserMessage{
			SessionID:       msg.SessionID,
			MessageID:       msg.ID,
			Sequence:        msg.Sequence,
			Content:         msg.Content,
			AgentID:         msg.AgentID,
			AgentName:       msg.AgentName,
			OriginSessionID: msg.OriginSessionID,
			CreatedAt:       msg.CreatedAt,
		}
	case store.RoleAssistant:
		return &events.ContentBlock{
			SessionID:  msg.SessionID,
			ResponseID: msg.ResponseID,
			MessageID:  msg.ID,
			Sequence:   msg.Sequence,
			Index:      metaInt(msg.Metadata, MetaIndex),
			Content:    msg.Content,
		}
	case store.RoleToolCall:
		args, _ := msg.Metadata[MetaArguments].(map[string]any)
		return &events.ToolStarted{
			SessionID:  msg.SessionID,
			ResponseID: msg.ResponseID,
			MessageID:  msg.ID,
			Sequence:   msg.Sequence,
			ToolID:     metaString(msg.Metadata, MetaToolID),
			ToolName:   metaString(msg.Metadata, MetaToolName),
			Arguments:  args,
		}
	case store.RoleToolResult:
		isError, _ := msg.Metadata[MetaIsError].(bool)
		return &events.ToolFinished{
			SessionID:  msg.SessionID,
			ResponseID: msg.ResponseID,
			MessageID:  msg.ID,
			Sequence:   msg.Sequence,
			ToolID:     metaString(msg.Metadata, MetaToolID),
			ToolName:   metaString(msg.Metadata, MetaToolName),
			Result:     msg.Content,
			IsError:    isError,
		}
	}
	return nil
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
