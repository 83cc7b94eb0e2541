package mcp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/logger"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/validation"
)

const (
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
)

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

// PostMessageRequest is the body of POST /sessions/{id}/messages
type PostMessageRequest struct {
	Content         string `json:"content"`
	AgentID         string `json:"agent_id,omitempty"`
	AgentName       string `json:"agent_name,omitempty"`
	OriginSessionID string `json:"origin_session_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sess, err := s.exec.CreateSession(r.Context(), req.Context)
	if err != nil {
		s.sendError(w, r, err, "create session")
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionView(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	view, err := s.sessionGet(r.Context(), id)
	if err != nil {
		s.sendError(w, r, err, "get session")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := CallerFromContext(r.Context())
	msg := queue.Message{
		Content:         req.Content,
		OriginSessionID: firstNonEmpty(req.OriginSessionID, caller.SessionID),
	}
	agentID := firstNonEmpty(req.AgentID, caller.AgentID)
	agentName := firstNonEmpty(req.AgentName, caller.AgentName)
	if agentID != "" || agentName != "" {
		msg.Sender = &queue.Sender{AgentID: agentID, AgentName: agentName}
	}

	if err := s.exec.EnqueueMessage(r.Context(), id, msg); err != nil {
		s.sendError(w, r, err, "enqueue message")
		return
	}

	view, err := s.sessionGet(r.Context(), id)
	if err != nil {
		s.sendError(w, r, err, "get session")
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	after, err := queryInt(r, "after")
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "after must be an integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		s.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	msgs, err := s.exec.History(r.Context(), id, int64(after), limit)
	if err != nil {
		s.sendError(w, r, err, "list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": messageViews(msgs)})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.exec.Interrupt(r.Context(), id); err != nil {
		s.sendError(w, r, err, "interrupt session")
		return
	}
	s.writeSession(w, r, id)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.exec.Resume(r.Context(), id); err != nil {
		s.sendError(w, r, err, "resume session")
		return
	}
	s.writeSession(w, r, id)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.exec.Complete(r.Context(), id); err != nil {
		s.sendError(w, r, err, "complete session")
		return
	}
	s.writeSession(w, r, id)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.exec.GetSession(r.Context(), id); err != nil {
		s.sendError(w, r, err, "clear queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cleared": s.exec.ClearQueue(id)})
}

// handleEvents streams the session's live events until the client goes away
// or the subscription is dropped
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.exec.GetSession(r.Context(), id); err != nil {
		s.sendError(w, r, err, "subscribe")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.exec.Subscribe(r.Context(), id)
	defer s.exec.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logger.FromContext(logger.WithSessionID(r.Context(), id), s.logger)
	log.Debug("event stream opened", "subscription", sub.ID())

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				log.Debug("event stream closed by server", "subscription", sub.ID())
				return
			}
			if err := events.WriteSSE(w, ev); err != nil {
				if errors.Is(err, events.ErrNotEncodable) {
					log.Warn("skipping event without wire encoding", "type", ev.EventType())
					continue
				}
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.sessionGet(r.Context(), id)
	if err != nil {
		s.sendError(w, r, err, "get session")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// sessionID reads and validates the {id} path value
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := validation.ValidateUUID(id); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// sendError maps err to a status code and a client-safe message
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	log := logger.FromContext(r.Context(), s.logger)
	safe := SanitizeError(log, err, operation)
	s.sendJSONError(w, StatusCode(err), safe.Error())
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
