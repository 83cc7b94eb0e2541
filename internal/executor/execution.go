package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/metrics"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/stream"
)

// Execution outcomes reported to metrics
const (
	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"
	outcomeCancelled   = "cancelled"
	outcomeSkipped     = "skipped"
)

// resultGrace bounds the wait for a result after the final message_complete
const resultGrace = 2 * time.Second

// execution is one run of the consumer loop for a session
type execution struct {
	e         *Executor
	sessionID string
	logger    *slog.Logger
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	engine      agent.StreamingExecutor
	interrupted bool
}

func newExecution(e *Executor, sessionID string) *execution {
	ctx, cancel := context.WithCancel(e.ctx)
	return &execution{
		e:         e,
		sessionID: sessionID,
		logger:    e.logger.With("session_id", sessionID),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (x *execution) markInterrupted() {
	x.mu.Lock()
	x.interrupted = true
	x.mu.Unlock()
}

func (x *execution) isInterrupted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.interrupted
}

// setEngine publishes the engine handle. An interrupt that raced with Open
// is applied immediately.
func (x *execution) setEngine(engine agent.StreamingExecutor) {
	x.mu.Lock()
	x.engine = engine
	interrupted := x.interrupted
	x.mu.Unlock()

	if interrupted {
		x.cancelEngine()
	}
}

func (x *execution) cancelEngine() {
	x.mu.Lock()
	engine := x.engine
	x.mu.Unlock()

	if engine == nil {
		return
	}
	if err := engine.Cancel(); err != nil {
		x.logger.Warn("failed to cancel engine", "error", err)
	}
}

func (x *execution) run() {
	defer x.cancel()

	metrics.RecordExecutionStart()
	outcome := x.execute()
	metrics.RecordExecutionEnd(outcome, time.Since(x.startedAt).Seconds())

	x.logger.Info("execution finished", "outcome", outcome, "duration", time.Since(x.startedAt))
}

func (x *execution) execute() string {
	e := x.e

	st, err := e.status.Current(x.ctx, x.sessionID)
	if err != nil {
		x.logger.Error("failed to load session", "error", err)
		return outcomeSkipped
	}
	if !startable(st) {
		x.logger.Debug("session not startable", "status", st)
		return outcomeSkipped
	}

	first, ok := e.queue.WaitForNext(x.ctx, x.sessionID, e.cfg.WaitTimeout)
	if !ok {
		return outcomeSkipped
	}
	batch := e.queue.CollectBatch(x.sessionID, first)
	e.broadcastQueueStatus(x.sessionID)

	sess, err := e.status.TransitionIfNot(x.ctx, x.sessionID, session.StatusWorking, session.TransitionOptions{})
	if err != nil {
		x.logger.Error("failed to start working", "error", err)
		return outcomeSkipped
	}

	engine, err := e.runtime.Open(x.ctx, &agent.OpenRequest{
		SessionID:          x.sessionID,
		ConversationHandle: sess.ConversationHandle,
		Model:              e.cfg.Model,
		SystemPrompt:       e.cfg.SystemPrompt,
	})
	if err != nil {
		x.fail(fmt.Sprintf("failed to open engine: %v", err))
		return outcomeFailed
	}
	defer engine.Close()
	x.setEngine(engine)

	feed := queue.NewFeed(e.queue, queue.FeedConfig{
		SessionID:   x.sessionID,
		Initial:     batch,
		Recorder:    e,
		WaitTimeout: e.cfg.WaitTimeout,
		Logger:      e.logger,
	})
	pipe := stream.NewPipeline(x.sessionID, stream.Options{
		LiveDeltas: e.cfg.LiveDeltas,
		ResponseID: uuid.New().String(),
	})

	return x.loop(engine, feed, pipe)
}

// loop multiplexes feed input, pipeline output and engine errors until the
// feed is exhausted with no turn in flight or something fails
func (x *execution) loop(engine agent.StreamingExecutor, feed *queue.Feed, pipe *stream.Pipeline) string {
	e := x.e

	inputs := feed.Start(x.ctx)
	outputs := pipe.Run(x.ctx, engine.Events())
	errs := engine.Errors()

	timer := time.NewTimer(e.cfg.ExecutionTimeout)
	timer.Stop()
	defer timer.Stop()
	var deadline <-chan time.Time

	outstanding := 0
	closing := false
	finished := func() string {
		if x.isInterrupted() {
			return outcomeInterrupted
		}
		return outcomeCompleted
	}

	for {
		select {
		case <-x.ctx.Done():
			return outcomeCancelled

		case in, ok := <-inputs:
			if !ok {
				inputs = nil
				if err := feed.Err(); err != nil {
					x.fail(err.Error())
					return outcomeFailed
				}
				if outstanding == 0 || x.isInterrupted() {
					return finished()
				}
				continue
			}
			if x.isInterrupted() {
				x.logger.Debug("dropping input after interrupt")
				continue
			}
			if _, err := e.status.TransitionIfNot(x.ctx, x.sessionID, session.StatusWorking, session.TransitionOptions{}); err != nil {
				x.logger.Warn("input arrived in a non-working state", "error", err)
				continue
			}
			if err := engine.SendTurn(x.ctx, agent.Turn{Role: "user", Content: in.Text}); err != nil {
				x.fail(fmt.Sprintf("failed to send turn: %v", err))
				return outcomeFailed
			}
			outstanding++
			timer.Reset(e.cfg.ExecutionTimeout)
			deadline = timer.C

		case out, ok := <-outputs:
			if !ok {
				if outstanding > 0 && !x.isInterrupted() {
					x.fail("engine stream ended unexpectedly")
					return outcomeFailed
				}
				return finished()
			}
			if out.IsMarker() {
				continue
			}
			switch ev := out.Event.(type) {
			case *events.MessageComplete:
				e.broadcaster.Broadcast(x.sessionID, ev)
				if outstanding == 0 {
					continue
				}
				outstanding = 0
				x.settle(out.Raw, engine)
				if inputs == nil {
					// Give a trailing result a moment to arrive
					closing = true
					timer.Reset(resultGrace)
					deadline = timer.C
					continue
				}
				timer.Stop()
				deadline = nil
			case *events.Result:
				e.broadcaster.Broadcast(x.sessionID, ev)
				if ev.IsError {
					x.fail(resultError(ev))
					return outcomeFailed
				}
				if outstanding > 0 {
					outstanding = 0
					timer.Stop()
					deadline = nil
					x.settle(out.Raw, engine)
				} else {
					x.recordHandle(out.Raw, engine)
				}
				if inputs == nil {
					return finished()
				}
			case *events.Error:
				if x.isInterrupted() {
					return outcomeInterrupted
				}
				x.fail(ev.Message)
				return outcomeFailed
			default:
				if err := x.deliver(out.Event); err != nil {
					x.fail(err.Error())
					return outcomeFailed
				}
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if x.isInterrupted() {
				x.logger.Debug("engine error after interrupt", "error", err)
				continue
			}
			x.fail(err.Error())
			return outcomeFailed

		case <-deadline:
			if closing {
				return finished()
			}
			x.cancelEngine()
			x.fail(fmt.Sprintf("execution timed out after %s", e.cfg.ExecutionTimeout))
			return outcomeFailed
		}
	}
}

// deliver persists completed blocks and tool activity through the gateway,
// which broadcasts them with their sequence. Anything else is broadcast as is.
func (x *execution) deliver(ev events.Event) error {
	gw := x.e.gateway

	switch ev := ev.(type) {
	case *events.ContentBlock:
		if _, err := gw.SaveContentBlock(x.ctx, x.sessionID, ev.ResponseID, ev.Index, ev.Content); err != nil {
			return fmt.Errorf("failed to persist content block: %w", err)
		}
	case *events.ToolStarted:
		metrics.RecordToolCall(ev.ToolName, "started")
		if _, err := gw.SaveToolCall(x.ctx, x.sessionID, ev.ResponseID, ev.ToolID, ev.ToolName, ev.Arguments); err != nil {
			return fmt.Errorf("failed to persist tool call: %w", err)
		}
	case *events.ToolFinished:
		status := "success"
		if ev.IsError {
			status = "error"
		}
		metrics.RecordToolCall(ev.ToolName, status)
		if _, err := gw.SaveToolResult(x.ctx, x.sessionID, ev.ResponseID, ev.ToolID, ev.ToolName, ev.Result, ev.IsError); err != nil {
			return fmt.Errorf("failed to persist tool result: %w", err)
		}
	default:
		x.e.broadcaster.Broadcast(x.sessionID, ev)
	}
	return nil
}

// settle moves the session to idle after a turn and records the engine's
// conversation handle for resumption
func (x *execution) settle(raw *agent.StreamEvent, engine agent.StreamingExecutor) {
	if x.isInterrupted() {
		return
	}
	handle := conversationHandle(raw, engine)

	_, err := x.e.status.Transition(x.ctx, x.sessionID, session.StatusIdle, session.TransitionOptions{
		ConversationHandle: handle,
	})
	if err == nil {
		return
	}
	if !errors.Is(err, session.ErrInvalidTransition) {
		x.logger.Warn("failed to settle to idle", "error", err)
		return
	}
	// Complete may have moved the session to done mid-turn
	x.logger.Debug("not settling to idle", "error", err)
	x.recordHandle(raw, engine)
}

// recordHandle saves the conversation handle without touching status
func (x *execution) recordHandle(raw *agent.StreamEvent, engine agent.StreamingExecutor) {
	if err := x.e.status.RecordHandle(x.ctx, x.sessionID, conversationHandle(raw, engine)); err != nil {
		x.logger.Warn("failed to record conversation handle", "error", err)
	}
}

func conversationHandle(raw *agent.StreamEvent, engine agent.StreamingExecutor) string {
	if raw != nil && raw.ConversationHandle != "" {
		return raw.ConversationHandle
	}
	return engine.ConversationHandle()
}

// fail records msg on the session, moves it to error and tells subscribers.
// An interrupted execution does not fail.
func (x *execution) fail(msg string) {
	if x.isInterrupted() {
		x.logger.Debug("ignoring failure after interrupt", "error", msg)
		return
	}
	x.logger.Error("execution failed", "error", msg)

	// The execution context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), 5*time.Second)
	defer cancel()

	if _, err := x.e.status.Transition(ctx, x.sessionID, session.StatusError, session.TransitionOptions{Error: msg}); err != nil &&
		!errors.Is(err, session.ErrInvalidTransition) {
		x.logger.Error("failed to record execution error", "error", err)
	}
	x.e.broadcaster.Broadcast(x.sessionID, &events.Error{SessionID: x.sessionID, Message: msg})
}

func resultError(ev *events.Result) string {
	if ev.Text != "" {
		return ev.Text
	}
	return "engine reported an error result"
}
