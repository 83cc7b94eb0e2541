// Package echo provides a local engine that streams each turn back as the
// assistant reply. It needs no upstream service and is used for development
// and smoke tests.
package echo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dizzyvn/kumiai/internal/agent"
)

const chunkSize = 16

// Runtime implements agent.Runtime by echoing input
type Runtime struct{}

var _ agent.Runtime = (*Runtime)(nil)

// New is the agent.Constructor for the echo engine
func New(agent.FactoryConfig) (agent.Runtime, error) {
	return &Runtime{}, nil
}

func (r *Runtime) Open(ctx context.Context, req *agent.OpenRequest) (agent.StreamingExecutor, error) {
	handle := req.ConversationHandle
	if handle == "" {
		handle = "echo-" + uuid.NewString()
	}
	return &Executor{
		handle:   handle,
		events:   make(chan *agent.StreamEvent, 100),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		turnsCh:  make(chan agent.Turn, 16),
		cancelCh: make(chan struct{}, 1),
	}, nil
}

func (r *Runtime) Ping(context.Context) error { return nil }
func (r *Runtime) Close() error               { return nil }
func (r *Runtime) Name() string               { return string(agent.RuntimeTypeEcho) }

// Executor replies to every turn with its own content
type Executor struct {
	handle   string
	events   chan *agent.StreamEvent
	errors   chan error
	done     chan struct{}
	turnsCh  chan agent.Turn
	cancelCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ agent.StreamingExecutor = (*Executor)(nil)

func (e *Executor) SendTurn(ctx context.Context, turn agent.Turn) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("executor is closed")
	}
	if !e.started {
		e.started = true
		go e.run()
	}
	e.mu.Unlock()

	select {
	case e.turnsCh <- turn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) run() {
	defer func() {
		close(e.events)
		close(e.errors)
	}()

	for {
		select {
		case <-e.done:
			return
		case turn := <-e.turnsCh:
			if !e.reply(turn) {
				return
			}
		}
	}
}

// reply streams one response and reports false once the executor is closed
func (e *Executor) reply(turn agent.Turn) bool {
	start := time.Now()
	messageID := "msg-" + uuid.NewString()

	if !e.emit(&agent.StreamEvent{Type: agent.StreamEventMessageStart, MessageID: messageID}) {
		return false
	}
	for _, chunk := range chunks(turn.Content) {
		select {
		case <-e.cancelCh:
			return e.finish(start)
		default:
		}
		if !e.emit(&agent.StreamEvent{Type: agent.StreamEventTextDelta, Index: 0, Text: chunk}) {
			return false
		}
	}
	if !e.emit(&agent.StreamEvent{Type: agent.StreamEventBlockStop, Index: 0}) {
		return false
	}
	return e.finish(start)
}

func (e *Executor) finish(start time.Time) bool {
	if !e.emit(&agent.StreamEvent{Type: agent.StreamEventMessageComplete}) {
		return false
	}
	return e.emit(&agent.StreamEvent{
		Type:               agent.StreamEventResult,
		ConversationHandle: e.handle,
		NumTurns:           1,
		DurationMs:         time.Since(start).Milliseconds(),
	})
}

func (e *Executor) emit(ev *agent.StreamEvent) bool {
	ev.SessionID = e.handle
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func chunks(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	r := []rune(s)
	for len(r) > 0 {
		n := min(chunkSize, len(r))
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}

func (e *Executor) Cancel() error {
	select {
	case e.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

func (e *Executor) Events() <-chan *agent.StreamEvent { return e.events }
func (e *Executor) Errors() <-chan error              { return e.errors }
func (e *Executor) Done() <-chan struct{}             { return e.done }
func (e *Executor) ConversationHandle() string        { return e.handle }

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	if !e.started {
		close(e.events)
		close(e.errors)
	}
	return nil
}

func (e *Executor) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

