package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dizzyvn/kumiai/internal/events"
	"github.com/dizzyvn/kumiai/internal/store"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingBroadcaster) Broadcast(sessionID string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBroadcaster) statuses() []*events.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.SessionStatus
	for _, ev := range r.events {
		if s, ok := ev.(*events.SessionStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func setupStatusManager(t *testing.T) (*StatusManager, *store.SQLiteStore, *recordingBroadcaster) {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := &recordingBroadcaster{}
	return NewStatusManager(st, b, nil, nil), st, b
}

func TestStatusManager_CreateSetsBacklog(t *testing.T) {
	m, _, _ := setupStatusManager(t)
	sess, err := m.Create(context.Background(), "", map[string]any{"title": "demo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != string(StatusInitializing) {
		t.Errorf("Status = %q, want initializing", sess.Status)
	}
	if sess.Context[ContextKeyStage] != string(StageBacklog) || sess.Context["title"] != "demo" {
		t.Errorf("Context = %v", sess.Context)
	}
}

func TestStatusManager_LegalTransition(t *testing.T) {
	m, st, b := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)

	if _, err := m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{}); err != nil {
		t.Fatalf("Transition(working) error = %v", err)
	}
	if _, err := m.Transition(ctx, sess.ID, StatusIdle, TransitionOptions{ConversationHandle: "conv-9"}); err != nil {
		t.Fatalf("Transition(idle) error = %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != "idle" {
		t.Errorf("Status = %q, want idle", got.Status)
	}
	if got.Context[ContextKeyStage] != string(StageWaiting) {
		t.Errorf("stage = %v, want waiting", got.Context[ContextKeyStage])
	}
	if got.ConversationHandle != "conv-9" {
		t.Errorf("ConversationHandle = %q, want conv-9", got.ConversationHandle)
	}

	statuses := b.statuses()
	if len(statuses) != 2 {
		t.Fatalf("broadcast %d status events, want 2", len(statuses))
	}
	if statuses[1].Status != "idle" || statuses[1].Previous != "working" || statuses[1].Stage != "waiting" {
		t.Errorf("second event = %+v", statuses[1])
	}
}

func TestStatusManager_IllegalTransitionLeavesSession(t *testing.T) {
	m, st, b := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)

	_, err := m.Transition(ctx, sess.ID, StatusDone, TransitionOptions{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(initializing -> done) error = %v, want ErrInvalidTransition", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != string(StatusInitializing) {
		t.Errorf("Status = %q, want initializing", got.Status)
	}
	if len(b.statuses()) != 0 {
		t.Error("illegal transition should not broadcast")
	}
}

func TestStatusManager_ErrorRecordedAndCleared(t *testing.T) {
	m, st, _ := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)

	_, _ = m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{})
	if _, err := m.Transition(ctx, sess.ID, StatusError, TransitionOptions{Error: "engine crashed"}); err != nil {
		t.Fatalf("Transition(error) error = %v", err)
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if got.LastError != "engine crashed" {
		t.Errorf("LastError = %q", got.LastError)
	}

	// error -> working is not allowed without resuming first
	if _, err := m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition(error -> working) error = %v, want ErrInvalidTransition", err)
	}

	_, _ = m.Transition(ctx, sess.ID, StatusIdle, TransitionOptions{})
	if _, err := m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{}); err != nil {
		t.Fatalf("Transition(idle -> working) error = %v", err)
	}
	got, _ = st.GetSession(ctx, sess.ID)
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared on working", got.LastError)
	}
}

func TestStatusManager_TransitionIfNot(t *testing.T) {
	m, _, b := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)
	_, _ = m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{})

	if _, err := m.TransitionIfNot(ctx, sess.ID, StatusWorking, TransitionOptions{}); err != nil {
		t.Fatalf("TransitionIfNot() error = %v", err)
	}
	if n := len(b.statuses()); n != 1 {
		t.Errorf("status events = %d, want 1", n)
	}
}

func TestStatusManager_TransitionIfNotConcurrent(t *testing.T) {
	m, st, b := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TransitionIfNot(ctx, sess.ID, StatusWorking, TransitionOptions{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("TransitionIfNot() error = %v", err)
	}
	if n := len(b.statuses()); n != 1 {
		t.Errorf("status events = %d, want 1", n)
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != string(StatusWorking) {
		t.Errorf("Status = %q, want working", got.Status)
	}
}

func TestStatusManager_RecordHandle(t *testing.T) {
	m, st, b := setupStatusManager(t)
	ctx := context.Background()
	sess, _ := m.Create(ctx, "", nil)
	_, _ = m.Transition(ctx, sess.ID, StatusWorking, TransitionOptions{})
	_, _ = m.Transition(ctx, sess.ID, StatusDone, TransitionOptions{})
	before := len(b.statuses())

	if err := m.RecordHandle(ctx, sess.ID, "conv-late"); err != nil {
		t.Fatalf("RecordHandle() error = %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.ConversationHandle != "conv-late" {
		t.Errorf("ConversationHandle = %q, want conv-late", got.ConversationHandle)
	}
	if got.Status != string(StatusDone) {
		t.Errorf("Status = %q, want done", got.Status)
	}
	if n := len(b.statuses()); n != before {
		t.Errorf("RecordHandle broadcast %d status events", n-before)
	}

	if err := m.RecordHandle(ctx, "missing", "x"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("RecordHandle(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestStatusManager_UnknownSession(t *testing.T) {
	m, _, _ := setupStatusManager(t)
	if _, err := m.Transition(context.Background(), "missing", StatusWorking, TransitionOptions{}); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("Transition() error = %v, want ErrSessionNotFound", err)
	}
}
