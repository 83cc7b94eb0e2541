// Package agenttest provides a scripted engine for tests of code that
// drives agent.Runtime.
package agenttest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dizzyvn/kumiai/internal/agent"
)

// Script produces the events the engine emits in response to a turn.
// Returning nil leaves the turn in flight until Cancel or Close.
type Script func(turn agent.Turn) []*agent.StreamEvent

// Runtime is an agent.Runtime whose executors follow a Script
type Runtime struct {
	Script  Script
	OpenErr error
	Handle  string

	mu        sync.Mutex
	opened    []agent.OpenRequest
	executors []*Executor
}

var _ agent.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime that replies with script
func NewRuntime(script Script) *Runtime {
	return &Runtime{Script: script, Handle: "conv-1"}
}

func (r *Runtime) Open(ctx context.Context, req *agent.OpenRequest) (agent.StreamingExecutor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, *req)
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	handle := req.ConversationHandle
	if handle == "" {
		handle = r.Handle
	}
	e := &Executor{
		script: r.Script,
		handle: handle,
		events: make(chan *agent.StreamEvent, 256),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	r.executors = append(r.executors, e)
	return e, nil
}

func (r *Runtime) Ping(context.Context) error { return nil }
func (r *Runtime) Close() error               { return nil }
func (r *Runtime) Name() string               { return "scripted" }

// Opened returns the requests Open was called with
func (r *Runtime) Opened() []agent.OpenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.OpenRequest(nil), r.opened...)
}

// Executors returns every executor opened so far
func (r *Runtime) Executors() []*Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Executor(nil), r.executors...)
}

// Turns returns the turns received by all executors, in order
func (r *Runtime) Turns() []agent.Turn {
	var out []agent.Turn
	for _, e := range r.Executors() {
		out = append(out, e.Turns()...)
	}
	return out
}

// Executor is a scripted agent.StreamingExecutor
type Executor struct {
	script Script
	handle string
	events chan *agent.StreamEvent
	errors chan error
	done   chan struct{}

	mu        sync.Mutex
	turns     []agent.Turn
	cancelled int
	closed    bool
}

var _ agent.StreamingExecutor = (*Executor)(nil)

func (e *Executor) SendTurn(ctx context.Context, turn agent.Turn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("executor is closed")
	}
	e.turns = append(e.turns, turn)
	if e.script == nil {
		return nil
	}
	for _, ev := range e.script(turn) {
		cp := *ev
		if cp.Type == agent.StreamEventResult && cp.ConversationHandle == "" {
			cp.ConversationHandle = e.handle
		}
		e.events <- &cp
	}
	return nil
}

// Emit pushes an event as if the engine produced it
func (e *Executor) Emit(ev *agent.StreamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.events <- ev
	}
}

// Fail reports a transport error on the Errors channel
func (e *Executor) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.errors <- err
	}
}

func (e *Executor) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled++
	return nil
}

// Cancelled reports how many times Cancel was called
func (e *Executor) Cancelled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Turns returns the turns sent to this executor
func (e *Executor) Turns() []agent.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]agent.Turn(nil), e.turns...)
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
	close(e.events)
	close(e.errors)
	close(e.done)
	return nil
}

func (e *Executor) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Reply builds the event sequence of a single-block text response.
// Each chunk becomes one delta.
func Reply(chunks ...string) []*agent.StreamEvent {
	out := []*agent.StreamEvent{{Type: agent.StreamEventMessageStart, MessageID: "resp-" + strings.Join(chunks, "")}}
	for _, c := range chunks {
		out = append(out, &agent.StreamEvent{Type: agent.StreamEventTextDelta, Index: 0, Text: c})
	}
	return append(out,
		&agent.StreamEvent{Type: agent.StreamEventBlockStop, Index: 0},
		&agent.StreamEvent{Type: agent.StreamEventMessageComplete},
		&agent.StreamEvent{Type: agent.StreamEventResult, NumTurns: 1},
	)
}

// Echo replies to each turn with its content
func Echo(turn agent.Turn) []*agent.StreamEvent {
	return Reply(turn.Content)
}

// Failure builds an engine error event
func Failure(msg string) []*agent.StreamEvent {
	return []*agent.StreamEvent{{Type: agent.StreamEventError, Text: msg}}
}
