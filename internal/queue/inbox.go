package queue

import (
	"context"
	"sync"
	"time"
)

// Inbox is an unbounded FIFO of messages and stop signals for one session
type Inbox struct {
	mu       sync.Mutex
	items    []item
	notify   chan struct{}
	lastUsed time.Time
}

func newInbox() *Inbox {
	return &Inbox{
		notify:   make(chan struct{}, 1),
		lastUsed: time.Now(),
	}
}

func (in *Inbox) push(it item) {
	in.mu.Lock()
	in.items = append(in.items, it)
	in.lastUsed = time.Now()
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// pop removes the head item if any
func (in *Inbox) pop() (item, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) == 0 {
		return item{}, false
	}
	it := in.items[0]
	in.items[0] = item{}
	in.items = in.items[1:]
	in.lastUsed = time.Now()
	return it, true
}

// wait blocks for the next item until timeout, ctx or closed fires
func (in *Inbox) wait(ctx context.Context, timeout time.Duration, closed <-chan struct{}) (item, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if it, ok := in.pop(); ok {
			return it, true
		}
		select {
		case <-in.notify:
		case <-timer.C:
			return item{}, false
		case <-ctx.Done():
			return item{}, false
		case <-closed:
			return item{}, false
		}
	}
}

// drain removes messages up to, not including, the first stop signal
func (in *Inbox) drain() []Message {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := 0
	for n < len(in.items) && !in.items[n].stop {
		n++
	}
	if n == 0 {
		return nil
	}
	msgs := make([]Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = in.items[i].msg
	}
	in.items = append(in.items[:0:0], in.items[n:]...)
	in.lastUsed = time.Now()
	return msgs
}

// clear drops queued messages, keeping stop signals, and returns the count
func (in *Inbox) clear() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	kept := in.items[:0:0]
	dropped := 0
	for _, it := range in.items {
		if it.stop {
			kept = append(kept, it)
			continue
		}
		dropped++
	}
	in.items = kept
	return dropped
}

// pending counts queued messages, excluding stop signals
func (in *Inbox) pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, it := range in.items {
		if !it.stop {
			n++
		}
	}
	return n
}

func (in *Inbox) idleSince() (time.Time, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastUsed, len(in.items) == 0
}
