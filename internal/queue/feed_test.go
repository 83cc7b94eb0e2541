package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTurns struct {
	mu    sync.Mutex
	turns []Turn
	err   error
}

func (r *recordedTurns) RecordTurn(ctx context.Context, sessionID string, turn Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.turns = append(r.turns, turn)
	return nil
}

func (r *recordedTurns) all() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Turn(nil), r.turns...)
}

func next(t *testing.T, ch <-chan Input) (Input, bool) {
	t.Helper()
	select {
	case in, ok := <-ch:
		return in, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed")
		return Input{}, false
	}
}

func TestFeed_YieldsInitialThenLive(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	rec := &recordedTurns{}

	f := NewFeed(m, FeedConfig{
		SessionID:   "s1",
		Initial:     []Message{{Content: "first"}},
		Recorder:    rec,
		WaitTimeout: time.Second,
	})
	out := f.Start(context.Background())

	in, ok := next(t, out)
	require.True(t, ok)
	assert.Equal(t, "first", in.Text)

	require.NoError(t, m.Enqueue("s1", Message{Content: "second"}))
	require.NoError(t, m.Enqueue("s1", Message{Content: "third"}))
	in, ok = next(t, out)
	require.True(t, ok)
	// second and third may be batched or arrive separately depending on timing
	assert.Contains(t, in.Text, "second")

	m.EnqueueStop("s1")
	for ok {
		_, ok = next(t, out)
	}
	assert.NoError(t, f.Err())

	recorded := rec.all()
	require.NotEmpty(t, recorded)
	assert.Equal(t, "first", recorded[0].Content)
}

func TestFeed_StopBeforeMessageYieldsNothing(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	m.EnqueueStop("s1")
	require.NoError(t, m.Enqueue("s1", Message{Content: "never fed"}))

	f := NewFeed(m, FeedConfig{SessionID: "s1", WaitTimeout: time.Second})
	_, ok := next(t, f.Start(context.Background()))
	assert.False(t, ok, "feed should terminate without yielding")
	assert.Equal(t, 1, m.Pending("s1"))
}

func TestFeed_TimeoutEndsGracefully(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	f := NewFeed(m, FeedConfig{SessionID: "s1", WaitTimeout: 20 * time.Millisecond})
	_, ok := next(t, f.Start(context.Background()))
	assert.False(t, ok)
	assert.NoError(t, f.Err())
}

func TestFeed_CancelEnds(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFeed(m, FeedConfig{SessionID: "s1", WaitTimeout: time.Minute})
	out := f.Start(ctx)
	cancel()

	_, ok := next(t, out)
	assert.False(t, ok)
}

func TestFeed_RecorderFailureEndsWithError(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	rec := &recordedTurns{err: errors.New("store unavailable")}

	f := NewFeed(m, FeedConfig{
		SessionID: "s1",
		Initial:   []Message{{Content: "x"}},
		Recorder:  rec,
	})
	_, ok := next(t, f.Start(context.Background()))
	assert.False(t, ok)
	assert.ErrorContains(t, f.Err(), "store unavailable")
}

func TestFeed_GroupsBatchBySender(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	rec := &recordedTurns{}

	f := NewFeed(m, FeedConfig{
		SessionID: "s1",
		Initial: []Message{
			{Content: "A1", OriginSessionID: "a"},
			{Content: "B1", OriginSessionID: "b"},
			{Content: "A2", OriginSessionID: "a"},
		},
		Recorder:    rec,
		WaitTimeout: 20 * time.Millisecond,
	})
	in, ok := next(t, f.Start(context.Background()))
	require.True(t, ok)
	require.Len(t, in.Turns, 2)
	assert.Equal(t, "A1\n\nA2", in.Turns[0].Content)
	assert.Equal(t, "B1", in.Turns[1].Content)

	recorded := rec.all()
	require.Len(t, recorded, 2)
	assert.Equal(t, "a", recorded[0].SenderKey)
	assert.Equal(t, "b", recorded[1].SenderKey)
}
