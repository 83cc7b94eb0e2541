package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dizzyvn/kumiai/internal/metrics"
)

// DefaultWaitTimeout bounds how long an execution waits for further input
const DefaultWaitTimeout = 300 * time.Second

// Manager owns one inbox per session
type Manager struct {
	mu      sync.Mutex
	inboxes map[string]*Inbox
	closed  chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewManager creates a queue manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		inboxes: make(map[string]*Inbox),
		closed:  make(chan struct{}),
		logger:  logger.With("component", "queue"),
	}
}

func (m *Manager) inbox(sessionID string) *Inbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inboxLocked(sessionID)
}

func (m *Manager) inboxLocked(sessionID string) *Inbox {
	in, ok := m.inboxes[sessionID]
	if !ok {
		in = newInbox()
		m.inboxes[sessionID] = in
	}
	return in
}

// push appends under the manager lock so PruneIdle cannot orphan the inbox
func (m *Manager) push(sessionID string, it item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboxLocked(sessionID).push(it)
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Enqueue appends msg to the session's inbox. It never blocks; the only
// failure is ErrClosed after Close.
func (m *Manager) Enqueue(sessionID string, msg Message) error {
	if m.isClosed() {
		return ErrClosed
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.push(sessionID, item{msg: msg})
	metrics.AddQueuePending(1)
	m.logger.Debug("message enqueued", "session_id", sessionID, "sender", msg.SenderKey())
	return nil
}

// EnqueueStop places a stop signal in the session's inbox
func (m *Manager) EnqueueStop(sessionID string) {
	if m.isClosed() {
		return
	}
	m.push(sessionID, item{stop: true})
	m.logger.Debug("stop signal enqueued", "session_id", sessionID)
}

// WaitForNext blocks until a message arrives (true), or a stop signal,
// timeout, ctx cancellation or Close ends the wait (false).
func (m *Manager) WaitForNext(ctx context.Context, sessionID string, timeout time.Duration) (Message, bool) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	it, ok := m.inbox(sessionID).wait(ctx, timeout, m.closed)
	if !ok || it.stop {
		return Message{}, false
	}
	metrics.AddQueuePending(-1)
	return it.msg, true
}

// CollectBatch drains every message queued right now behind first, without
// blocking. Draining stops before a stop signal, which stays queued for the
// next wait.
func (m *Manager) CollectBatch(sessionID string, first Message) []Message {
	rest := m.inbox(sessionID).drain()
	metrics.AddQueuePending(-len(rest))
	return append([]Message{first}, rest...)
}

// Clear drops the session's queued messages and returns how many
func (m *Manager) Clear(sessionID string) int {
	m.mu.Lock()
	in, ok := m.inboxes[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	n := in.clear()
	metrics.AddQueuePending(-n)
	return n
}

// Pending returns the number of queued messages for a session
func (m *Manager) Pending(sessionID string) int {
	m.mu.Lock()
	in, ok := m.inboxes[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return in.pending()
}

// Remove discards a session's inbox and everything in it
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	in, ok := m.inboxes[sessionID]
	delete(m.inboxes, sessionID)
	m.mu.Unlock()
	if ok {
		metrics.AddQueuePending(-in.pending())
	}
}

// PruneIdle removes empty inboxes untouched for longer than idleFor, except
// those for which keep returns true. It returns the number removed.
func (m *Manager) PruneIdle(idleFor time.Duration, keep func(sessionID string) bool) int {
	cutoff := time.Now().Add(-idleFor)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, in := range m.inboxes {
		last, empty := in.idleSince()
		if !empty || last.After(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(m.inboxes, id)
		removed++
	}
	return removed
}

// Close wakes every waiter and rejects further enqueues
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.closed)
		m.logger.Debug("queue manager closed")
	})
}
