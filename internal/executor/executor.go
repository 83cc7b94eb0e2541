// Package executor orchestrates session executions.
//
// An execution is the single consumer of a session's inbox. It opens the
// engine, feeds it turns from the queue, runs the engine's output through
// the stream pipeline, persists finished blocks and tool activity, and drives
// the session status. At most one execution runs per session; the entry in
// Executor.running is the execution lock.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/audit"
	"github.com/dizzyvn/kumiai/internal/broadcast"
	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/persist"
	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

var (
	// ErrClosed is returned after Close
	ErrClosed = errors.New("executor closed")

	// ErrEmptyMessage is returned by Enqueue for blank input
	ErrEmptyMessage = errors.New("message content is empty")
)

const (
	defaultExecutionTimeout = 15 * time.Minute
	interruptGrace          = 5 * time.Second
	shutdownTimeout         = 10 * time.Second
)

// Config tunes execution behavior
type Config struct {
	// WaitTimeout bounds how long an execution waits for more input
	WaitTimeout time.Duration

	// ExecutionTimeout bounds each engine turn from send to result
	ExecutionTimeout time.Duration

	// LiveDeltas mirrors text fragments to subscribers as they stream
	LiveDeltas bool

	Model        string
	SystemPrompt string
}

// Deps are the services an Executor composes
type Deps struct {
	Runtime     agent.Runtime
	Store       store.Store
	Queue       *queue.Manager
	Broadcaster *broadcast.Manager
	Status      *session.StatusManager
	Gateway     *persist.Gateway
	Audit       *audit.Logger
	Logger      *slog.Logger
}

// Executor is the session lifecycle API
type Executor struct {
	cfg Config

	runtime     agent.Runtime
	store       store.Store
	queue       *queue.Manager
	broadcaster *broadcast.Manager
	status      *session.StatusManager
	gateway     *persist.Gateway
	audit       *audit.Logger
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*execution
	closed  bool
}

// New creates an executor
func New(cfg Config, deps Deps) *Executor {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = queue.DefaultWaitTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:         cfg,
		runtime:     deps.Runtime,
		store:       deps.Store,
		queue:       deps.Queue,
		broadcaster: deps.Broadcaster,
		status:      deps.Status,
		gateway:     deps.Gateway,
		audit:       deps.Audit,
		logger:      logger.With("component", "executor"),
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]*execution),
	}
}

// CreateSession persists a new session in initializing state
func (e *Executor) CreateSession(ctx context.Context, attrs map[string]any) (*store.Session, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	sess, err := e.status.Create(ctx, "", attrs)
	e.audit.Record(ctx, audit.OpSessionCreate, sessionIDOf(sess), err, nil)
	return sess, err
}

// GetSession returns the stored session
func (e *Executor) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// History returns persisted messages after afterSequence, ordered by sequence
func (e *Executor) History(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*store.Message, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, sessionID, afterSequence, limit)
}

// Enqueue queues input for a session and makes sure an execution will
// consume it. A nil sender is the session's own user.
func (e *Executor) Enqueue(ctx context.Context, sessionID, text string, sender *queue.Sender) error {
	return e.EnqueueMessage(ctx, sessionID, queue.Message{Content: text, Sender: sender})
}

// EnqueueMessage is Enqueue for a fully attributed message, such as one sent
// from another session. Sessions in error or interrupted state reject input
// until resumed.
func (e *Executor) EnqueueMessage(ctx context.Context, sessionID string, msg queue.Message) error {
	if e.isClosed() {
		return ErrClosed
	}
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyMessage
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if st := session.Status(sess.Status); !startable(st) && !e.IsRunning(sessionID) {
		return fmt.Errorf("%w: session is %s; resume it first", session.ErrInvalidTransition, st)
	}

	if err := e.queue.Enqueue(sessionID, msg); err != nil {
		return err
	}
	e.broadcastQueueStatus(sessionID)

	_, err = e.StartOrContinueExecution(ctx, sessionID)
	return err
}

// StartOrContinueExecution starts an execution for the session unless one
// is already running, in which case the running feed picks up new input. It
// reports whether a new execution was started.
func (e *Executor) StartOrContinueExecution(ctx context.Context, sessionID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, ErrClosed
	}
	if _, ok := e.running[sessionID]; ok {
		return false, nil
	}
	e.startLocked(sessionID)
	return true, nil
}

func (e *Executor) startLocked(sessionID string) {
	ex := newExecution(e, sessionID)
	e.running[sessionID] = ex
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ex.run()
		e.release(ex)
	}()
}

// release drops the execution lock. Input that arrived after the feed ended
// starts a fresh execution so it is never stranded.
func (e *Executor) release(ex *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running[ex.sessionID] == ex {
		delete(e.running, ex.sessionID)
	}
	if e.closed || e.queue.Pending(ex.sessionID) == 0 {
		return
	}

	st, err := e.status.Current(e.ctx, ex.sessionID)
	if err != nil || !startable(st) {
		return
	}
	e.logger.Debug("restarting execution for pending input", "session_id", ex.sessionID)
	e.startLocked(ex.sessionID)
}

// Interrupt stops the running execution: a stop signal ends its feed, the
// engine is cancelled and a working session becomes interrupted
func (e *Executor) Interrupt(ctx context.Context, sessionID string) error {
	err := e.interrupt(ctx, sessionID)
	e.audit.Record(ctx, audit.OpSessionInterrupt, sessionID, err, nil)
	return err
}

func (e *Executor) interrupt(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	ex := e.running[sessionID]
	e.mu.Unlock()

	if ex == nil {
		// No live execution; only a stale working status can be interrupted
		_, err := e.status.Transition(ctx, sessionID, session.StatusInterrupted, session.TransitionOptions{})
		return err
	}

	ex.markInterrupted()
	e.queue.EnqueueStop(sessionID)
	ex.cancelEngine()

	st, err := e.status.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	if st == session.StatusWorking {
		if _, err := e.status.Transition(ctx, sessionID, session.StatusInterrupted, session.TransitionOptions{}); err != nil {
			return err
		}
	}

	// The engine may never acknowledge the cancel
	time.AfterFunc(interruptGrace, ex.cancel)
	return nil
}

// Resume moves an error or interrupted session back to idle and restarts
// execution when input is waiting
func (e *Executor) Resume(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := e.resume(ctx, sessionID)
	e.audit.Record(ctx, audit.OpSessionResume, sessionID, err, nil)
	return sess, err
}

func (e *Executor) resume(ctx context.Context, sessionID string) (*store.Session, error) {
	st, err := e.status.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st != session.StatusError && st != session.StatusInterrupted {
		return nil, fmt.Errorf("%w: cannot resume a %s session", session.ErrInvalidTransition, st)
	}

	sess, err := e.status.Transition(ctx, sessionID, session.StatusIdle, session.TransitionOptions{})
	if err != nil {
		return nil, err
	}
	if e.queue.Pending(sessionID) > 0 {
		if _, err := e.StartOrContinueExecution(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Complete marks the session done. A running execution is stopped once its
// current turn finishes.
func (e *Executor) Complete(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := e.status.Transition(ctx, sessionID, session.StatusDone, session.TransitionOptions{})
	if err == nil && e.IsRunning(sessionID) {
		e.queue.EnqueueStop(sessionID)
	}
	e.audit.Record(ctx, audit.OpSessionComplete, sessionID, err, nil)
	return sess, err
}

// ClearQueue drops the session's pending messages and returns how many
func (e *Executor) ClearQueue(sessionID string) int {
	n := e.queue.Clear(sessionID)
	e.broadcastQueueStatus(sessionID)
	e.audit.Record(e.ctx, audit.OpQueueClear, sessionID, nil, map[string]any{"cleared": n})
	return n
}

// Subscribe registers a live event subscription for the session
func (e *Executor) Subscribe(ctx context.Context, sessionID string) *broadcast.Subscription {
	return e.broadcaster.Subscribe(ctx, sessionID)
}

// Unsubscribe ends a subscription
func (e *Executor) Unsubscribe(sub *broadcast.Subscription) {
	e.broadcaster.Unsubscribe(sub)
}

// Pending returns the number of messages waiting in the session's inbox
func (e *Executor) Pending(sessionID string) int {
	return e.queue.Pending(sessionID)
}

// IsRunning reports whether an execution holds the session
func (e *Executor) IsRunning(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[sessionID]
	return ok
}

// Running returns the ids of sessions with a live execution
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every execution, waits for them to finish and tears down
// the queue and broadcast services
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		err = fmt.Errorf("executions still running after %s", shutdownTimeout)
	}

	e.broadcaster.Close()
	return err
}

// RecordTurn persists a grouped user turn; the gateway broadcasts it
func (e *Executor) RecordTurn(ctx context.Context, sessionID string, turn queue.Turn) error {
	_, err := e.gateway.SaveUserMessage(ctx, sessionID, turn.Content, turn.AgentID, turn.AgentName, turn.OriginSessionID)
	return err
}

func (e *Executor) broadcastQueueStatus(sessionID string) {
	e.broadcaster.Broadcast(sessionID, &events.QueueStatus{
		SessionID: sessionID,
		Pending:   e.queue.Pending(sessionID),
		Running:   e.IsRunning(sessionID),
	})
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// startable reports whether an execution may begin from st. working is
// included so a session left working by a lost execution can continue.
func startable(st session.Status) bool {
	switch st {
	case session.StatusInitializing, session.StatusIdle, session.StatusDone, session.StatusWorking:
		return true
	}
	return false
}

func sessionIDOf(sess *store.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
