package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockMap_BasicLocking(t *testing.T) {
	locks := NewLockMap()

	unlock := locks.Lock("session-1")
	unlock()

	// Should be able to re-acquire after release
	unlock = locks.Lock("session-1")
	unlock()
}

func TestLockMap_DifferentSessions(t *testing.T) {
	locks := NewLockMap()

	u1 := locks.Lock("session-1")
	u2 := locks.Lock("session-2") // Should not block
	u1()
	u2()
}

func TestLockMap_SerializesSameSession(t *testing.T) {
	locks := NewLockMap()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.Do("session-1", func() error {
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive.Load())
	}
}

func TestLockMap_DoReturnsError(t *testing.T) {
	locks := NewLockMap()
	want := errors.New("boom")
	if err := locks.Do("session-1", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
	// Lock must be released after an error
	unlock := locks.Lock("session-1")
	unlock()
}

func TestLockMap_Delete(t *testing.T) {
	locks := NewLockMap()
	unlock := locks.Lock("session-1")
	unlock()
	locks.Delete("session-1")

	if _, ok := locks.locks.Load("session-1"); ok {
		t.Error("lock still present after Delete")
	}
}
