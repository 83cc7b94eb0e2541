package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/metrics"
	"github.com/dizzyvn/kumiai/internal/store"
)

// Broadcaster publishes events to a session's subscribers
type Broadcaster interface {
	Broadcast(sessionID string, ev events.Event)
}

// TransitionOptions carries data recorded alongside a transition
type TransitionOptions struct {
	// Error is recorded as the session's last error when entering StatusError
	Error string

	// ConversationHandle is persisted when non-empty
	ConversationHandle string

	// AllowSame turns a transition into the current status into a no-op
	// instead of ErrInvalidTransition
	AllowSame bool
}

// StatusManager is the only writer of session status
type StatusManager struct {
	store       store.Store
	broadcaster Broadcaster
	locks       *LockMap
	logger      *slog.Logger
}

// NewStatusManager creates a status manager. Pass nil locks to use a private
// lock map and nil logger for default.
func NewStatusManager(st store.Store, b Broadcaster, locks *LockMap, logger *slog.Logger) *StatusManager {
	if locks == nil {
		locks = NewLockMap()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusManager{
		store:       st,
		broadcaster: b,
		locks:       locks,
		logger:      logger.With("component", "status"),
	}
}

// Current returns the session's persisted status
func (m *StatusManager) Current(ctx context.Context, sessionID string) (Status, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return Status(sess.Status), nil
}

// Transition validates and persists a status change, derives the stage and
// broadcasts a session_status event. Illegal changes return
// ErrInvalidTransition and leave the session untouched.
func (m *StatusManager) Transition(ctx context.Context, sessionID string, to Status, opts TransitionOptions) (*store.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	from := Status(sess.Status)

	if from == to && opts.AllowSame {
		return sess, nil
	}
	if !CanTransition(from, to) {
		metrics.RecordTransition(string(from), string(to), false)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	stage := StageFor(to)
	sess.Status = string(to)
	if sess.Context == nil {
		sess.Context = make(map[string]any)
	}
	sess.Context[ContextKeyStage] = string(stage)

	switch to {
	case StatusWorking:
		sess.LastError = ""
	case StatusError:
		sess.LastError = opts.Error
	}
	if opts.ConversationHandle != "" {
		sess.ConversationHandle = opts.ConversationHandle
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist status: %w", err)
	}
	metrics.RecordTransition(string(from), string(to), true)

	m.logger.Info("session status changed",
		"session_id", sessionID,
		"from", from,
		"to", to,
		"stage", stage)

	if m.broadcaster != nil {
		m.broadcaster.Broadcast(sessionID, &events.SessionStatus{
			SessionID: sessionID,
			Status:    string(to),
			Previous:  string(from),
			Stage:     string(stage),
			Error:     sess.LastError,
		})
	}

	return sess, nil
}

// TransitionIfNot transitions unless the session is already in to, in which
// case the current session is returned unchanged. The check happens under
// the session lock, so concurrent callers moving to the same status all
// succeed and only one broadcasts.
func (m *StatusManager) TransitionIfNot(ctx context.Context, sessionID string, to Status, opts TransitionOptions) (*store.Session, error) {
	opts.AllowSame = true
	return m.Transition(ctx, sessionID, to, opts)
}

// RecordHandle persists the engine's conversation handle without changing
// status. It is used when a turn ends after the session has already left
// working, for example when it was completed mid-turn.
func (m *StatusManager) RecordHandle(ctx context.Context, sessionID, handle string) error {
	if handle == "" {
		return nil
	}
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ConversationHandle == handle {
		return nil
	}
	sess.ConversationHandle = handle
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist conversation handle: %w", err)
	}
	m.logger.Debug("conversation handle recorded", "session_id", sessionID, "status", sess.Status)
	return nil
}

// Create persists a new session in StatusInitializing
func (m *StatusManager) Create(ctx context.Context, sessionID string, attrs map[string]any) (*store.Session, error) {
	sessCtx := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		sessCtx[k] = v
	}
	sessCtx[ContextKeyStage] = string(StageFor(StatusInitializing))

	sess := &store.Session{
		ID:      sessionID,
		Status:  string(StatusInitializing),
		Context: sessCtx,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}
