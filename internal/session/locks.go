package session

import (
	"sync"
)

// LockMap serializes writes per session. Different sessions never contend.
type LockMap struct {
	locks sync.Map // sessionID -> *sync.Mutex
}

// NewLockMap creates a new session lock map
func NewLockMap() *LockMap {
	return &LockMap{}
}

func (m *LockMap) get(sessionID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu, _ := lock.(*sync.Mutex)
	return mu
}

// Lock acquires the session's lock and returns its release func
func (m *LockMap) Lock(sessionID string) (unlock func()) {
	mu := m.get(sessionID)
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the session's lock
func (m *LockMap) Do(sessionID string, fn func() error) error {
	unlock := m.Lock(sessionID)
	defer unlock()
	return fn()
}

// Delete removes the lock for a session. Only call once no writer can
// still be holding it.
func (m *LockMap) Delete(sessionID string) {
	m.locks.Delete(sessionID)
}
