// Package opencode provides the OpenCode engine runtime.
//
// executor.go - StreamingExecutor implementation
//
// This file contains:
// - StreamingExecutor struct implementing agent.StreamingExecutor
// - Turn submission via async HTTP (SendTurn)
// - SSE event stream processing (processEvents)
// - Event parsing (parseSSEEvent) and normalization (translator)
//
// The executor subscribes to the OpenCode SSE event stream and converts
// events to the normalized agent.StreamEvent format. Turns are sent via
// the async HTTP endpoint, with responses arriving via SSE.

package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dizzyvn/kumiai/internal/agent"
)

const abortTimeout = 10 * time.Second

// StreamingExecutor implements agent.StreamingExecutor for OpenCode
type StreamingExecutor struct {
	client       *Client
	sessionID    string
	model        string
	systemPrompt string

	ctx      context.Context
	cancel   context.CancelFunc
	eventsCh chan *agent.StreamEvent
	errorsCh chan error
	doneCh   chan struct{}

	mu         sync.RWMutex
	closed     bool
	sentPrompt bool
	eventConn  io.ReadCloser
	translator *translator
}

var _ agent.StreamingExecutor = (*StreamingExecutor)(nil)

// NewStreamingExecutor subscribes to the event stream for an OpenCode session
func NewStreamingExecutor(ctx context.Context, client *Client, sessionID string, req *agent.OpenRequest) (*StreamingExecutor, error) {
	ctx, cancel := context.WithCancel(ctx)

	e := &StreamingExecutor{
		client:       client,
		sessionID:    sessionID,
		model:        req.Model,
		systemPrompt: req.SystemPrompt,
		ctx:          ctx,
		cancel:       cancel,
		eventsCh:     make(chan *agent.StreamEvent, 100),
		errorsCh:     make(chan error, 10),
		doneCh:       make(chan struct{}),
		translator:   newTranslator(sessionID),
	}

	eventConn, err := client.SubscribeEvents(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}
	e.eventConn = eventConn

	go e.processEvents()

	return e, nil
}

// SendTurn submits one turn to the OpenCode session
func (e *StreamingExecutor) SendTurn(ctx context.Context, turn agent.Turn) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("executor is closed")
	}
	content := turn.Content
	if !e.sentPrompt && e.systemPrompt != "" {
		content = fmt.Sprintf("%s\n\n---\n\n%s", e.systemPrompt, content)
	}
	e.sentPrompt = true
	e.translator.begin(time.Now())
	e.mu.Unlock()

	return e.client.SendMessageAsync(ctx, e.sessionID, content, e.model)
}

// Cancel aborts the in-flight turn
func (e *StreamingExecutor) Cancel() error {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	return e.client.AbortSession(ctx, e.sessionID)
}

// Events returns a channel for receiving stream events
func (e *StreamingExecutor) Events() <-chan *agent.StreamEvent {
	return e.eventsCh
}

// Errors returns a channel for receiving errors
func (e *StreamingExecutor) Errors() <-chan error {
	return e.errorsCh
}

// Done returns a channel that closes when execution finishes
func (e *StreamingExecutor) Done() <-chan struct{} {
	return e.doneCh
}

// Close gracefully shuts down the executor
func (e *StreamingExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.eventConn != nil {
		_ = e.eventConn.Close()
	}
	return nil
}

// ConversationHandle returns the OpenCode session ID
func (e *StreamingExecutor) ConversationHandle() string {
	return e.sessionID
}

// IsClosed returns whether the executor has been closed
func (e *StreamingExecutor) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// processEvents reads SSE events and converts them to StreamEvents
func (e *StreamingExecutor) processEvents() {
	defer func() {
		close(e.eventsCh)
		close(e.errorsCh)
		close(e.doneCh)
	}()

	reader := bufio.NewReader(e.eventConn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && e.ctx.Err() == nil {
				e.errorsCh <- fmt.Errorf("error reading events: %w", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		raw, err := parseSSEEvent(data)
		if err != nil {
			continue // Skip malformed events
		}

		e.mu.Lock()
		out := e.translator.translate(raw, time.Now())
		e.mu.Unlock()

		for _, event := range out {
			select {
			case e.eventsCh <- event:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// sseEvent is the decoded shape of one OpenCode bus event
type sseEvent struct {
	Type       string `json:"type"`
	Properties struct {
		SessionID string `json:"sessionID"`
		Delta     string `json:"delta"`
		Info      struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
			Role      string `json:"role"`
		} `json:"info"`
		Part struct {
			ID        string         `json:"id"`
			SessionID string         `json:"sessionID"`
			MessageID string         `json:"messageID"`
			Type      string         `json:"type"`
			Text      string         `json:"text"`
			ToolName  string         `json:"toolName"`
			Args      map[string]any `json:"args"`
			Result    string         `json:"result"`
			IsError   bool           `json:"isError"`
			Time      struct {
				End int64 `json:"end"`
			} `json:"time"`
		} `json:"part"`
		Status struct {
			Type string `json:"type"`
		} `json:"status"`
		Error struct {
			Name string `json:"name"`
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error"`
	} `json:"properties"`
}

// session returns the OpenCode session the event belongs to
func (ev *sseEvent) session() string {
	p := &ev.Properties
	switch {
	case p.SessionID != "":
		return p.SessionID
	case p.Info.SessionID != "":
		return p.Info.SessionID
	default:
		return p.Part.SessionID
	}
}

// parseSSEEvent parses an SSE data payload
// OpenCode SSE format: {"type": "...", "properties": {...}}
func parseSSEEvent(data string) (*sseEvent, error) {
	var ev sseEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, errors.New("event has no type")
	}
	return &ev, nil
}

// translator converts OpenCode bus events for one session into
// agent.StreamEvents. OpenCode re-sends whole parts on update, so emitted
// text is tracked per part and only the unseen suffix becomes a delta.
type translator struct {
	sessionID string

	roles      map[string]string // messageID -> role
	started    map[string]bool   // assistant messages announced
	blockIndex map[string]int    // partID -> block index within response
	sent       map[string]int    // partID -> bytes of text emitted
	stopped    map[string]bool
	nextIndex  int

	busy      bool
	turnStart time.Time
	turns     int
}

func newTranslator(sessionID string) *translator {
	return &translator{
		sessionID:  sessionID,
		roles:      make(map[string]string),
		started:    make(map[string]bool),
		blockIndex: make(map[string]int),
		sent:       make(map[string]int),
		stopped:    make(map[string]bool),
	}
}

// begin marks a turn as submitted
func (t *translator) begin(now time.Time) {
	if !t.busy {
		t.turnStart = now
	}
	t.busy = true
	t.turns++
}

func (t *translator) translate(ev *sseEvent, now time.Time) []*agent.StreamEvent {
	if s := ev.session(); s != "" && s != t.sessionID {
		return nil
	}
	p := &ev.Properties

	switch ev.Type {
	case EventMessageUpdated:
		t.roles[p.Info.ID] = p.Info.Role
		if p.Info.Role == roleUser || t.started[p.Info.ID] {
			return nil
		}
		t.started[p.Info.ID] = true
		t.nextIndex = 0
		t.busy = true
		return []*agent.StreamEvent{t.event(agent.StreamEventMessageStart, func(e *agent.StreamEvent) {
			e.MessageID = p.Info.ID
		})}

	case EventMessagePartUpdated:
		if t.roles[p.Part.MessageID] == roleUser {
			return nil
		}
		return t.translatePart(ev)

	case EventSessionIdle:
		return t.complete(now)

	case EventSessionStatus:
		if p.Status.Type == statusIdle {
			return t.complete(now)
		}
		return []*agent.StreamEvent{t.event(agent.StreamEventSystem, func(e *agent.StreamEvent) {
			e.Subtype = p.Status.Type
		})}

	case EventSessionError:
		msg := p.Error.Data.Message
		if msg == "" {
			msg = p.Error.Name
		}
		if msg == "" {
			msg = "engine reported an error"
		}
		t.busy = false
		return []*agent.StreamEvent{t.event(agent.StreamEventError, func(e *agent.StreamEvent) {
			e.Text = msg
		})}
	}

	return nil
}

func (t *translator) translatePart(ev *sseEvent) []*agent.StreamEvent {
	p := &ev.Properties
	part := &p.Part

	switch part.Type {
	case PartTypeText:
		idx, ok := t.blockIndex[part.ID]
		if !ok {
			idx = t.nextIndex
			t.blockIndex[part.ID] = idx
			t.nextIndex++
		}

		var out []*agent.StreamEvent
		delta := p.Delta
		if delta == "" && len(part.Text) > t.sent[part.ID] {
			delta = part.Text[t.sent[part.ID]:]
		}
		if delta != "" && !t.stopped[part.ID] {
			t.sent[part.ID] += len(delta)
			out = append(out, t.event(agent.StreamEventTextDelta, func(e *agent.StreamEvent) {
				e.Index = idx
				e.Text = delta
			}))
		}
		if part.Time.End > 0 && !t.stopped[part.ID] {
			t.stopped[part.ID] = true
			out = append(out, t.event(agent.StreamEventBlockStop, func(e *agent.StreamEvent) {
				e.Index = idx
			}))
		}
		return out

	case PartTypeToolInvocation:
		return []*agent.StreamEvent{t.event(agent.StreamEventToolCall, func(e *agent.StreamEvent) {
			e.ToolID = part.ID
			e.ToolName = part.ToolName
			e.Parameters = part.Args
		})}

	case PartTypeToolResult:
		return []*agent.StreamEvent{t.event(agent.StreamEventToolResult, func(e *agent.StreamEvent) {
			e.ToolID = part.ID
			e.ToolName = part.ToolName
			e.Value = part.Result
			e.IsError = part.IsError
		})}
	}
	return nil
}

// complete emits message_complete and result once per busy period
func (t *translator) complete(now time.Time) []*agent.StreamEvent {
	if !t.busy {
		return nil
	}
	t.busy = false

	var durationMs int64
	if !t.turnStart.IsZero() {
		durationMs = now.Sub(t.turnStart).Milliseconds()
	}
	turns := t.turns
	t.turns = 0
	t.turnStart = time.Time{}

	return []*agent.StreamEvent{
		t.event(agent.StreamEventMessageComplete, nil),
		t.event(agent.StreamEventResult, func(e *agent.StreamEvent) {
			e.ConversationHandle = t.sessionID
			e.NumTurns = turns
			e.DurationMs = durationMs
		}),
	}
}

func (t *translator) event(kind agent.StreamEventType, fill func(*agent.StreamEvent)) *agent.StreamEvent {
	e := &agent.StreamEvent{Type: kind, SessionID: t.sessionID}
	if fill != nil {
		fill(e)
	}
	return e
}
