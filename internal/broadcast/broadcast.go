// Package broadcast fans session events out to live subscribers.
//
// Delivery is best effort and never blocks the publisher: a subscriber that
// cannot accept an event (full buffer, closed, or panicking) is dropped.
// There is no replay; a subscriber only sees events broadcast while it is
// registered.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/metrics"
)

// DefaultBufferSize is the channel buffer for each subscription
const DefaultBufferSize = 64

var (
	ErrSubscriberFull   = errors.New("subscriber buffer full")
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber receives events for one session. Send must not block.
type Subscriber interface {
	ID() string
	Send(ev events.Event) error
	Close()
}

// Manager tracks subscribers per session
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscriber // sessionID -> subID -> subscriber
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewManager creates a broadcast manager. Pass nil logger for default.
func NewManager(bufferSize int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		subscribers: make(map[string]map[string]Subscriber),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcast"),
	}
}

// Register adds a subscriber to a session's set. Registering on a closed
// manager closes the subscriber immediately.
func (m *Manager) Register(sessionID string, sub Subscriber) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Close()
		return
	}
	subs, ok := m.subscribers[sessionID]
	if !ok {
		subs = make(map[string]Subscriber)
		m.subscribers[sessionID] = subs
	}
	subs[sub.ID()] = sub
	m.mu.Unlock()

	metrics.AddSubscribers(1)
	m.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", sub.ID())
}

// Unregister removes a subscriber and closes it. Unknown subscribers are ignored.
func (m *Manager) Unregister(sessionID string, sub Subscriber) {
	if m.remove(sessionID, sub.ID()) {
		sub.Close()
		m.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", sub.ID())
	}
}

func (m *Manager) remove(sessionID, subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[sessionID]
	if !ok {
		return false
	}
	if _, exists := subs[subID]; !exists {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(m.subscribers, sessionID)
	}
	metrics.AddSubscribers(-1)
	return true
}

// Subscribe registers a channel subscriber for a session. The subscription
// is removed automatically when ctx is cancelled.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) *Subscription {
	sub := newSubscription(sessionID, m.bufferSize)
	m.Register(sessionID, sub)

	go func() {
		select {
		case <-ctx.Done():
			m.Unregister(sessionID, sub)
		case <-sub.done:
		}
	}()

	return sub
}

// Unsubscribe removes a subscription created by Subscribe
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.Unregister(sub.sessionID, sub)
}

// Broadcast delivers ev to every subscriber of the session without blocking.
// Subscribers that fail to accept the event are dropped.
func (m *Manager) Broadcast(sessionID string, ev events.Event) {
	m.mu.RLock()
	subs := m.subscribers[sessionID]
	if len(subs) == 0 {
		m.mu.RUnlock()
		return
	}
	// Copy targets under read lock to avoid holding lock during sends
	targets := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		if err := safeSend(sub, ev); err != nil {
			metrics.RecordBroadcastDrop()
			m.logger.Warn("dropping subscriber",
				"session_id", sessionID,
				"sub_id", sub.ID(),
				"event", ev.EventType(),
				"error", err)
			m.Unregister(sessionID, sub)
		}
	}
}

func safeSend(sub Subscriber, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return sub.Send(ev)
}

// Subscribers returns the number of subscribers for a session
func (m *Manager) Subscribers(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[sessionID])
}

// Close unregisters and closes every subscriber
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.subscribers
	m.subscribers = make(map[string]map[string]Subscriber)
	m.closed = true
	m.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			metrics.AddSubscribers(-1)
			sub.Close()
		}
	}
	m.logger.Debug("broadcast manager closed")
}

// Subscription is a buffered channel subscriber
type Subscription struct {
	id        string
	sessionID string
	ch        chan events.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSubscription(sessionID string, buffer int) *Subscription {
	return &Subscription{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ch:        make(chan events.Event, buffer),
		done:      make(chan struct{}),
	}
}

// NewSubscription creates a channel subscriber for use with Register
func NewSubscription(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return newSubscription(sessionID, buffer)
}

func (s *Subscription) ID() string { return s.id }

// SessionID returns the session the subscription is bound to
func (s *Subscription) SessionID() string { return s.sessionID }

// Events returns the receive side. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

// Send pushes ev without blocking
func (s *Subscription) Send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Close ends the subscription and closes its channel
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
