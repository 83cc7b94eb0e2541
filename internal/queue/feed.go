package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TurnRecorder persists and announces a grouped turn before it is fed
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sessionID string, turn Turn) error
}

// Input is one formatted unit of input yielded by a Feed
type Input struct {
	Text  string
	Turns []Turn
}

// FeedConfig configures a Feed
type FeedConfig struct {
	SessionID   string
	Initial     []Message
	Recorder    TurnRecorder
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// Feed is a single-consumer generator of input for one execution. It first
// yields the initial batch, then keeps pulling batches from the session's
// inbox until a stop signal, a wait timeout or cancellation ends it. Ending
// closes the channel returned by Start; Err reports a persistence failure.
type Feed struct {
	mgr *Manager
	cfg FeedConfig

	once sync.Once
	out  chan Input

	mu  sync.Mutex
	err error
}

// NewFeed creates a feed bound to one session of mgr
func NewFeed(mgr *Manager, cfg FeedConfig) *Feed {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "feed", "session_id", cfg.SessionID)
	return &Feed{mgr: mgr, cfg: cfg, out: make(chan Input)}
}

// Start launches the feed and returns its output. Calling Start again
// returns the same channel.
func (f *Feed) Start(ctx context.Context) <-chan Input {
	f.once.Do(func() { go f.run(ctx) })
	return f.out
}

// Err returns the error that ended the feed, if any. Stop signals and
// timeouts are not errors.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.out)

	if len(f.cfg.Initial) > 0 {
		if !f.yield(ctx, f.cfg.Initial) {
			return
		}
	}

	for {
		first, ok := f.mgr.WaitForNext(ctx, f.cfg.SessionID, f.cfg.WaitTimeout)
		if !ok {
			f.cfg.Logger.Debug("feed finished")
			return
		}
		if !f.yield(ctx, f.mgr.CollectBatch(f.cfg.SessionID, first)) {
			return
		}
	}
}

// yield records each turn of the batch and sends the formatted input
func (f *Feed) yield(ctx context.Context, batch []Message) bool {
	turns := GroupBySender(batch)

	if f.cfg.Recorder != nil {
		for _, t := range turns {
			if err := f.cfg.Recorder.RecordTurn(ctx, f.cfg.SessionID, t); err != nil {
				f.fail(fmt.Errorf("record turn from %s: %w", t.SenderKey, err))
				f.cfg.Logger.Error("failed to record turn", "sender", t.SenderKey, "error", err)
				return false
			}
		}
	}

	select {
	case f.out <- Input{Text: FormatTurns(turns), Turns: turns}:
		return true
	case <-ctx.Done():
		return false
	}
}
