package droid

import (
	"time"

	"github.com/dizzyvn/kumiai/internal/agent"
)

const (
	roleAssistant = "assistant"
	stateIdle     = "idle"
)

// translator turns droid session notifications into normalized stream
// events. Droid streams one text block per assistant message, so every
// block uses index 0.
type translator struct {
	sessionID string

	busy      bool
	turnStart time.Time
	turns     int

	// open is set while an assistant message has streamed deltas whose
	// block has not been stopped
	open      bool
	messageID string
	finished  map[string]bool
}

func newTranslator(sessionID string) *translator {
	return &translator{sessionID: sessionID, finished: make(map[string]bool)}
}

// begin marks a turn as submitted
func (t *translator) begin(now time.Time) {
	if !t.busy {
		t.turnStart = now
	}
	t.busy = true
	t.turns++
}

func (t *translator) translate(n *notification, now time.Time) []*agent.StreamEvent {
	switch n.Type {
	case NotifyAssistantTextDelta:
		if n.TextDelta == "" || t.finished[n.MessageID] {
			return nil
		}
		t.busy = true
		var out []*agent.StreamEvent
		if t.open && n.MessageID != "" && n.MessageID != t.messageID {
			out = append(out, t.stop()...)
		}
		if !t.open {
			t.open = true
			t.messageID = n.MessageID
			out = append(out, t.event(agent.StreamEventMessageStart, func(e *agent.StreamEvent) {
				e.MessageID = n.MessageID
			}))
		}
		return append(out, t.event(agent.StreamEventTextDelta, func(e *agent.StreamEvent) {
			e.Text = n.TextDelta
		}))

	case NotifyCreateMessage:
		msg, ok := n.created()
		if !ok || msg.Role != roleAssistant {
			return nil
		}
		// Streamed already: the created message only closes the block
		if t.open && (msg.ID == "" || msg.ID == t.messageID) {
			t.finished[msg.ID] = true
			return t.stop()
		}
		text := msg.text()
		if text == "" {
			return nil
		}
		t.busy = true
		t.finished[msg.ID] = true
		out := t.stop()
		return append(out,
			t.event(agent.StreamEventMessageStart, func(e *agent.StreamEvent) { e.MessageID = msg.ID }),
			t.event(agent.StreamEventTextDelta, func(e *agent.StreamEvent) { e.Text = text }),
			t.event(agent.StreamEventBlockStop, nil),
		)

	case NotifyResult, NotifyCompletion:
		return t.complete(now, n)

	case NotifyWorkingStateChanged:
		if n.NewState == stateIdle {
			return t.complete(now, nil)
		}
		return []*agent.StreamEvent{t.event(agent.StreamEventSystem, func(e *agent.StreamEvent) {
			e.Subtype = n.NewState
		})}

	case NotifyError:
		msg := n.errorText()
		if msg == "" {
			msg = "engine reported an error"
		}
		t.busy = false
		t.open = false
		return []*agent.StreamEvent{t.event(agent.StreamEventError, func(e *agent.StreamEvent) {
			e.Text = msg
		})}
	}

	// thinking deltas and unknown notifications are not part of the reply
	return nil
}

// stop closes the open block, if any
func (t *translator) stop() []*agent.StreamEvent {
	if !t.open {
		return nil
	}
	t.open = false
	return []*agent.StreamEvent{t.event(agent.StreamEventBlockStop, nil)}
}

// complete emits message_complete and result once per busy period. Droid
// reports both a completion and an idle state change for the same turn.
func (t *translator) complete(now time.Time, n *notification) []*agent.StreamEvent {
	if !t.busy {
		return nil
	}
	t.busy = false

	turns := t.turns
	var durationMs int64
	if !t.turnStart.IsZero() {
		durationMs = now.Sub(t.turnStart).Milliseconds()
	}
	if n != nil {
		if n.NumTurns > 0 {
			turns = int(n.NumTurns)
		}
		if n.DurationMs > 0 {
			durationMs = int64(n.DurationMs)
		}
	}
	t.turns = 0
	t.turnStart = time.Time{}

	out := t.stop()
	return append(out,
		t.event(agent.StreamEventMessageComplete, nil),
		t.event(agent.StreamEventResult, func(e *agent.StreamEvent) {
			e.ConversationHandle = t.sessionID
			e.NumTurns = turns
			e.DurationMs = durationMs
		}),
	)
}

func (t *translator) event(kind agent.StreamEventType, fill func(*agent.StreamEvent)) *agent.StreamEvent {
	e := &agent.StreamEvent{Type: kind, SessionID: t.sessionID, Timestamp: time.Now().UnixMilli()}
	if fill != nil {
		fill(e)
	}
	return e
}
