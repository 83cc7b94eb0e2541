// Package janitor runs the periodic sweep that repairs state an execution
// left behind: sessions stuck working after their execution vanished, idle
// inboxes nobody consumes, and stale rate-limiter entries.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dizzyvn/kumiai/internal/queue"
	"github.com/dizzyvn/kumiai/internal/ratelimit"
	"github.com/dizzyvn/kumiai/internal/session"
	"github.com/dizzyvn/kumiai/internal/store"
)

// LostExecutionError is recorded on sessions repaired by the sweep
const LostExecutionError = "execution lost"

// Config holds janitor configuration
type Config struct {
	Schedule   string
	StaleAfter time.Duration
}

// Deps are the services the janitor repairs. Limiter may be nil.
type Deps struct {
	Store   store.Store
	Status  *session.StatusManager
	Queue   *queue.Manager
	Limiter *ratelimit.Limiter

	// IsRunning reports whether a live execution holds the session
	IsRunning func(sessionID string) bool

	Logger *slog.Logger
}

// Report summarizes one sweep
type Report struct {
	Repaired int `json:"repaired"`
	Pruned   int `json:"pruned"`
	Limiters int `json:"limiters"`
}

// Janitor sweeps on a cron schedule
type Janitor struct {
	deps       Deps
	schedule   cron.Schedule
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a janitor; the schedule must be a valid 5-field cron expression
func New(cfg Config, deps Deps) (*Janitor, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if deps.IsRunning == nil {
		deps.IsRunning = func(string) bool { return false }
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		deps:       deps,
		schedule:   sched,
		staleAfter: cfg.StaleAfter,
		logger:     logger.With("component", "janitor"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs a sweep immediately and then on every scheduled tick
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
	j.logger.Info("janitor started", "stale_after", j.staleAfter)
}

// Stop halts the loop and waits for an in-flight sweep
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	j.Sweep(j.ctx)

	for {
		timer := time.NewTimer(time.Until(j.schedule.Next(time.Now())))
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(j.ctx)
		}
	}
}

// Sweep runs every repair once
func (j *Janitor) Sweep(ctx context.Context) Report {
	var r Report
	r.Repaired = j.repairStale(ctx)
	r.Pruned = j.deps.Queue.PruneIdle(j.staleAfter, j.deps.IsRunning)
	if j.deps.Limiter != nil {
		r.Limiters = j.deps.Limiter.Cleanup(j.staleAfter)
	}

	if r != (Report{}) {
		j.logger.Info("sweep finished", "repaired", r.Repaired, "pruned", r.Pruned, "limiters", r.Limiters)
	}
	return r
}

// repairStale moves sessions that claim to be working, but have no execution
// and have not changed for staleAfter, to error. Initializing sessions are
// untouched: they have never started an execution and are waiting for input.
func (j *Janitor) repairStale(ctx context.Context) int {
	stale, err := j.deps.Store.ListSessions(ctx, store.ListOptions{
		Statuses:      []string{string(session.StatusWorking)},
		UpdatedBefore: j.now().Add(-j.staleAfter),
	})
	if err != nil {
		j.logger.Error("failed to list stale sessions", "error", err)
		return 0
	}

	repaired := 0
	for _, sess := range stale {
		if j.deps.IsRunning(sess.ID) {
			continue
		}
		_, err := j.deps.Status.Transition(ctx, sess.ID, session.StatusError, session.TransitionOptions{
			Error: LostExecutionError,
		})
		if err != nil {
			j.logger.Warn("failed to repair session", "session_id", sess.ID, "error", err)
			continue
		}
		j.logger.Info("repaired stale session", "session_id", sess.ID, "status", sess.Status)
		repaired++
	}
	return repaired
}
