package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/validation"
)

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	Register(r, ToolDef{
		Name: "session",
		Description: `Manage agent sessions and talk to them.

Actions:
  create     : Create a session. Optional context (object) is stored with it.
  message    : Queue a message for session_id. Messages sent while the agent is busy are
                batched into its next turn. Set origin_session_id (or the X-Kumiai-Session-ID
                header) when writing on behalf of another session.
  interrupt  : Stop the running turn of session_id.
  resume     : Return an errored or interrupted session to idle and run queued input.
  complete   : Mark session_id done.
  clear_queue: Drop messages that are still waiting for session_id.
  get        : Show status, stage, queue depth and whether a turn is running.
  history    : List persisted messages in order. Use after_sequence and limit to page.`,
	}, s.handleSession)
}

// SessionParams is the unified params struct for the session tool
type SessionParams struct {
	Action    string `json:"action" enum:"create,message,interrupt,resume,complete,clear_queue,get,history"`
	SessionID string `json:"session_id,omitempty" description:"target session"`

	// For create
	Context map[string]any `json:"context,omitempty" description:"attributes stored with a new session"`

	// For message
	Message         string `json:"message,omitempty"`
	AgentID         string `json:"agent_id,omitempty" description:"sending agent id"`
	AgentName       string `json:"agent_name,omitempty" description:"sending agent display name"`
	OriginSessionID string `json:"origin_session_id,omitempty" description:"session the message was sent from"`

	// For history
	AfterSequence int64 `json:"after_sequence,omitempty"`
	Limit         int   `json:"limit,omitempty"`
}

var sessionActions = []string{"create", "message", "interrupt", "resume", "complete", "clear_queue", "get", "history"}

// handleSession is the unified handler for the session tool
func (s *Server) handleSession(ctx context.Context, request *mcp.CallToolRequest, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("session", sessionActions)
	}
	if params.Action != "create" {
		if err := requireSessionID(params.Action, params.SessionID); err != nil {
			return nil, nil, err
		}
		if err := validation.ValidateUUID(params.SessionID); err != nil {
			return nil, nil, err
		}
	}

	var (
		data any
		err  error
	)
	switch params.Action {
	case "create":
		data, err = s.sessionCreate(ctx, params)
	case "message":
		data, err = s.sessionMessage(ctx, params)
	case "interrupt":
		if err = s.exec.Interrupt(ctx, params.SessionID); err == nil {
			data, err = s.sessionGet(ctx, params.SessionID)
		}
	case "resume":
		if _, err = s.exec.Resume(ctx, params.SessionID); err == nil {
			data, err = s.sessionGet(ctx, params.SessionID)
		}
	case "complete":
		if _, err = s.exec.Complete(ctx, params.SessionID); err == nil {
			data, err = s.sessionGet(ctx, params.SessionID)
		}
	case "clear_queue":
		data = map[string]any{"session_id": params.SessionID, "cleared": s.exec.ClearQueue(params.SessionID)}
	case "get":
		data, err = s.sessionGet(ctx, params.SessionID)
	case "history":
		data, err = s.sessionHistory(ctx, params)
	default:
		return nil, nil, actionError("session", params.Action, sessionActions)
	}
	if err != nil {
		return nil, nil, SanitizeError(s.logger, err, "session "+params.Action)
	}

	result, err := NewJSONResult(data)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

func (s *Server) sessionCreate(ctx context.Context, params *SessionParams) (*SessionView, error) {
	sess, err := s.exec.CreateSession(ctx, params.Context)
	if err != nil {
		return nil, err
	}
	return s.sessionView(sess), nil
}

func (s *Server) sessionGet(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := s.exec.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sessionView(sess), nil
}

// sessionMessage queues a message. Explicit params win over the caller
// headers of the MCP connection.
func (s *Server) sessionMessage(ctx context.Context, params *SessionParams) (*SessionView, error) {
	caller := CallerFromContext(ctx)
	msg := queue.Message{
		Content:         params.Message,
		OriginSessionID: firstNonEmpty(params.OriginSessionID, caller.SessionID),
	}
	agentID := firstNonEmpty(params.AgentID, caller.AgentID)
	agentName := firstNonEmpty(params.AgentName, caller.AgentName)
	if agentID != "" || agentName != "" {
		msg.Sender = &queue.Sender{AgentID: agentID, AgentName: agentName}
	}

	if s.limiter != nil {
		if err := s.limiter.Check(firstNonEmpty(msg.OriginSessionID, agentID, "mcp")); err != nil {
			return nil, err
		}
	}
	if err := s.exec.EnqueueMessage(ctx, params.SessionID, msg); err != nil {
		return nil, err
	}
	return s.sessionGet(ctx, params.SessionID)
}

func (s *Server) sessionHistory(ctx context.Context, params *SessionParams) (map[string]any, error) {
	msgs, err := s.exec.History(ctx, params.SessionID, params.AfterSequence, params.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": params.SessionID, "messages": messageViews(msgs)}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
