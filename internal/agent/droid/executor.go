// Package droid provides the Factory Droid CLI engine runtime.
//
// executor.go - StreamingExecutor implementation
//
// This file contains:
// - StreamingExecutor struct implementing agent.StreamingExecutor
// - Turn submission and interrupts as JSON-RPC requests on stdin
// - Stdout processing (readEvents): init handshake, permission
//   auto-approval and session notifications
//
// One droid process serves one session execution.

package droid

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dizzyvn/kumiai/internal/agent"
)

const (
	initTimeout      = 30 * time.Second
	maxScanTokenSize = 1024 * 1024
)

// process is a running droid CLI
type process struct {
	stdin  io.WriteCloser
	stdout io.Reader
	wait   func() error
	kill   func() error
}

// StreamingExecutor implements agent.StreamingExecutor over a droid process
type StreamingExecutor struct {
	proc         *process
	logger       *slog.Logger
	systemPrompt string

	ctx      context.Context
	cancel   context.CancelFunc
	eventsCh chan *agent.StreamEvent
	errorsCh chan error
	doneCh   chan struct{}
	initCh   chan error

	requestID atomic.Int64
	writeMu   sync.Mutex

	mu         sync.RWMutex
	closed     bool
	sentPrompt bool
	sessionID  string
	translator *translator
}

var _ agent.StreamingExecutor = (*StreamingExecutor)(nil)

func newStreamingExecutor(ctx context.Context, proc *process, req *agent.OpenRequest, logger *slog.Logger) *StreamingExecutor {
	ctx, cancel := context.WithCancel(ctx)
	e := &StreamingExecutor{
		proc:         proc,
		logger:       logger,
		systemPrompt: req.SystemPrompt,
		ctx:          ctx,
		cancel:       cancel,
		eventsCh:     make(chan *agent.StreamEvent, 100),
		errorsCh:     make(chan error, 1),
		doneCh:       make(chan struct{}),
		initCh:       make(chan error, 1),
		sessionID:    req.ConversationHandle,
		translator:   newTranslator(req.ConversationHandle),
	}
	go e.readEvents()
	return e
}

// initialize sends droid.initialize_session and waits for its response
func (e *StreamingExecutor) initialize(ctx context.Context, cwd, machineID string) error {
	if err := e.send(NewInitializeSessionRequest(e.requestID.Add(1), cwd, machineID)); err != nil {
		return fmt.Errorf("failed to send initialize_session request: %w", err)
	}

	timer := time.NewTimer(initTimeout)
	defer timer.Stop()
	select {
	case err := <-e.initCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout waiting for initialize_session response")
	}
}

// SendTurn sends one user message to the droid session
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

	return e.send(NewUserMessageRequest(e.requestID.Add(1), content))
}

// Cancel interrupts the in-flight turn
func (e *StreamingExecutor) Cancel() error {
	if e.IsClosed() {
		return errors.New("executor is closed")
	}
	return e.send(NewInterruptRequest(e.requestID.Add(1)))
}

// send writes one newline-delimited JSON message to droid's stdin
func (e *StreamingExecutor) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.proc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Events returns the channel for receiving stream events
func (e *StreamingExecutor) Events() <-chan *agent.StreamEvent {
	return e.eventsCh
}

// Errors returns the channel for receiving errors
func (e *StreamingExecutor) Errors() <-chan error {
	return e.errorsCh
}

// Done returns a channel that closes when the droid process output ends
func (e *StreamingExecutor) Done() <-chan struct{} {
	return e.doneCh
}

// Close interrupts the session and stops the droid process
func (e *StreamingExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	_ = e.send(NewInterruptRequest(e.requestID.Add(1)))
	e.cancel()
	_ = e.proc.stdin.Close()
	if e.proc.kill != nil {
		_ = e.proc.kill()
	}
	return nil
}

// IsClosed returns whether the executor has been closed
func (e *StreamingExecutor) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// ConversationHandle returns droid's session id, known once initialized
func (e *StreamingExecutor) ConversationHandle() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// readEvents reads JSON-RPC lines from stdout until the process ends
func (e *StreamingExecutor) readEvents() {
	defer close(e.eventsCh)
	defer close(e.doneCh)

	scanner := bufio.NewScanner(e.proc.stdout)
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	initSignaled := false
read:
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil || msg.JSONRPC != jsonrpcVersion {
			e.logger.Debug("skipping non JSON-RPC output", "line", string(line))
			continue
		}

		switch {
		case msg.Type == typeResponse && !initSignaled:
			initSignaled = true
			e.initCh <- e.handleInit(&msg)

		case msg.Type == typeResponse:
			if msg.Error != nil {
				e.logger.Warn("droid request failed", "code", msg.Error.Code, "error", msg.Error.Message)
			}

		case msg.Type == typeRequest && msg.Method == MethodRequestPermission:
			var params permissionParams
			_ = json.Unmarshal(msg.Params, &params)
			e.logger.Info("auto-approving permission request", "tool", params.ToolName)
			if err := e.send(NewPermissionResponse(msg.ID)); err != nil {
				e.logger.Warn("failed to approve permission request", "error", err)
			}

		case msg.Type == typeNotification && msg.Method == MethodSessionNotification:
			var params notificationParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				e.logger.Debug("malformed session notification", "error", err)
				continue
			}
			e.mu.Lock()
			out := e.translator.translate(&params.Notification, time.Now())
			e.mu.Unlock()
			for _, ev := range out {
				select {
				case e.eventsCh <- ev:
				case <-e.ctx.Done():
					break read
				}
			}
		}
	}

	if !initSignaled {
		e.initCh <- errors.New("stream ended without init response")
	}

	err := scanner.Err()
	if waitErr := e.proc.wait(); err == nil {
		err = waitErr
	}
	if e.IsClosed() {
		return
	}
	if err == nil {
		err = errors.New("droid process exited")
	}
	select {
	case e.errorsCh <- fmt.Errorf("droid: %w", err):
	default:
	}
}

// handleInit records droid's session id from the initialize_session response
func (e *StreamingExecutor) handleInit(msg *incoming) error {
	if msg.Error != nil {
		return fmt.Errorf("init error: %s", msg.Error.Message)
	}
	var result initResult
	if len(msg.Result) > 0 {
		_ = json.Unmarshal(msg.Result, &result)
	}
	if result.SessionID != "" {
		e.mu.Lock()
		e.sessionID = result.SessionID
		e.translator.sessionID = result.SessionID
		e.mu.Unlock()
	}
	return nil
}
