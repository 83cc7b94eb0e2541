package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createSession(t *testing.T, s *SQLiteStore) *Session {
	t.Helper()
	sess := &Session{Status: "initializing", Context: map[string]any{"stage": "backlog"}}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return sess
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := createSession(t, s)
	if sess.ID == "" {
		t.Fatal("CreateSession() should set ID")
	}
	if sess.CreatedAt.IsZero() {
		t.Error("CreateSession() should set CreatedAt")
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != "initializing" {
		t.Errorf("Status = %q, want initializing", got.Status)
	}
	if got.Context["stage"] != "backlog" {
		t.Errorf("Context[stage] = %v, want backlog", got.Context["stage"])
	}
	if got.ConversationHandle != "" {
		t.Errorf("ConversationHandle = %q, want empty", got.ConversationHandle)
	}

	got.Status = "error"
	got.LastError = "boom"
	got.ConversationHandle = "conv-1"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	again, _ := s.GetSession(ctx, sess.ID)
	if again.Status != "error" || again.LastError != "boom" || again.ConversationHandle != "conv-1" {
		t.Errorf("updated session = %+v", again)
	}
}

func TestSQLiteStore_SessionNotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
	if err := s.UpdateSession(ctx, &Session{ID: "missing", Status: "idle"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSession() error = %v, want ErrSessionNotFound", err)
	}
	if err := s.SaveMessage(ctx, &Message{SessionID: "missing", Role: RoleUser, Content: "x"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SaveMessage() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStore_DuplicateSession(t *testing.T) {
	s := setupTestStore(t)
	sess := createSession(t, s)
	err := s.CreateSession(context.Background(), &Session{ID: sess.ID, Status: "idle"})
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("CreateSession() error = %v, want ErrSessionExists", err)
	}
}

func TestSQLiteStore_ListSessionsFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createSession(t, s)
	b := createSession(t, s)
	b.Status = "working"
	if err := s.UpdateSession(ctx, b); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	working, err := s.ListSessions(ctx, ListOptions{Statuses: []string{"working"}})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(working) != 1 || working[0].ID != b.ID {
		t.Errorf("working sessions = %v, want [%s]", working, b.ID)
	}

	all, _ := s.ListSessions(ctx, ListOptions{})
	if len(all) != 2 {
		t.Errorf("ListSessions() len = %d, want 2", len(all))
	}

	old, _ := s.ListSessions(ctx, ListOptions{UpdatedBefore: time.Now().Add(-time.Hour)})
	if len(old) != 0 {
		t.Errorf("sessions updated before an hour ago = %d, want 0", len(old))
	}
}

func TestSQLiteStore_SequenceAssignment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	next, err := s.NextSequence(ctx, sess.ID)
	if err != nil || next != 1 {
		t.Fatalf("NextSequence() = %d, %v, want 1", next, err)
	}

	for i := 1; i <= 3; i++ {
		msg := &Message{SessionID: sess.ID, Role: RoleUser, Content: "hello", Metadata: map[string]any{"n": i}}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
		if msg.Sequence != int64(i) {
			t.Errorf("Sequence = %d, want %d", msg.Sequence, i)
		}
		if msg.ID == "" || msg.CreatedAt.IsZero() {
			t.Errorf("SaveMessage() should set ID and CreatedAt: %+v", msg)
		}
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 1, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Sequence != 2 || msgs[1].Sequence != 3 {
		t.Errorf("ListMessages(after 1) = %v", msgs)
	}
	if msgs[0].Metadata["n"] != float64(2) {
		t.Errorf("Metadata[n] = %v, want 2", msgs[0].Metadata["n"])
	}
}

func TestSQLiteStore_FailedSaveDoesNotAdvanceSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	if err := s.SaveMessage(ctx, &Message{SessionID: sess.ID, Role: RoleUser, Content: "a"}); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	// Unencodable metadata fails before the insert
	bad := &Message{SessionID: sess.ID, Role: RoleUser, Content: "b", Metadata: map[string]any{"ch": make(chan int)}}
	if err := s.SaveMessage(ctx, bad); err == nil {
		t.Fatal("SaveMessage() should fail for unencodable metadata")
	}

	// Duplicate ID fails inside the transaction
	first, _ := s.ListMessages(ctx, sess.ID, 0, 1)
	if err := s.SaveMessage(ctx, &Message{ID: first[0].ID, SessionID: sess.ID, Role: RoleUser, Content: "c"}); err == nil {
		t.Fatal("SaveMessage() should fail for a duplicate id")
	}

	msg := &Message{SessionID: sess.ID, Role: RoleAssistant, Content: "d"}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if msg.Sequence != 2 {
		t.Errorf("Sequence after failed saves = %d, want 2", msg.Sequence)
	}
}

func TestSQLiteStore_ConcurrentSavesUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.SaveMessage(ctx, &Message{SessionID: sess.ID, Role: RoleUser, Content: "x"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}

	msgs, _ := s.ListMessages(ctx, sess.ID, 0, 0)
	if len(msgs) != n {
		t.Fatalf("messages = %d, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Sequence != int64(i+1) {
			t.Errorf("msgs[%d].Sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
}
