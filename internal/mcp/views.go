package mcp

import (
	"time"

	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// SessionView is the client representation of a session
type SessionView struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	Stage              string         `json:"stage"`
	ConversationHandle string         `json:"conversation_handle,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Pending            int            `json:"pending"`
	Running            bool           `json:"running"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// MessageView is the client representation of a persisted message
type MessageView struct {
	ID              string         `json:"id"`
	Sequence        int64          `json:"sequence"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	AgentID         string         `json:"agent_id,omitempty"`
	AgentName       string         `json:"agent_name,omitempty"`
	OriginSessionID string         `json:"origin_session_id,omitempty"`
	ResponseID      string         `json:"response_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (s *Server) sessionView(sess *store.Session) *SessionView {
	return &SessionView{
		ID:                 sess.ID,
		Status:             sess.Status,
		Stage:              string(session.StageFor(session.Status(sess.Status))),
		ConversationHandle: sess.ConversationHandle,
		LastError:          sess.LastError,
		Context:            sess.Context,
		Pending:            s.exec.Pending(sess.ID),
		Running:            s.exec.IsRunning(sess.ID),
		CreatedAt:          sess.CreatedAt,
		UpdatedAt:          sess.UpdatedAt,
	}
}

func messageViews(msgs []*store.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{
			ID:              m.ID,
			Sequence:        m.Sequence,
			Role:            m.Role,
			Content:         m.Content,
			AgentID:         m.AgentID,
			AgentName:       m.AgentName,
			OriginSessionID: m.OriginSessionID,
			ResponseID:      m.ResponseID,
			Metadata:        m.Metadata,
			CreatedAt:       m.CreatedAt,
		})
	}
	return out
}
