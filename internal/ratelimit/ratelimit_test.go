package ratelimit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	limiter := New(1000, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("test-key") {
			t.Errorf("Allow() should return true for request %d (within burst)", i)
		}
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	limiter := New(0.1, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed (burst)")
	}
	if err := limiter.Check("test-key"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Check() error = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_PerKeyIsolation(t *testing.T) {
	limiter := New(0.1, 2)

	limiter.Allow("key1")
	limiter.Allow("key1")

	if !limiter.Allow("key2") {
		t.Error("key2's first request should be allowed")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	limiter := New(10000, 100)
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			limiter.Allow("key-" + string(rune('0'+i%10)))
		}(i)
	}
	wg.Wait()

	if limiter.Len() != 10 {
		t.Errorf("Len() = %d, want 10", limiter.Len())
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	limiter := New(0.1, 1)

	limiter.Allow("old")
	time.Sleep(20 * time.Millisecond)
	limiter.Allow("fresh")

	if removed := limiter.Cleanup(10 * time.Millisecond); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	// The old key gets a fresh burst after cleanup
	if !limiter.Allow("old") {
		t.Error("After cleanup, first request should be allowed")
	}
	if limiter.Allow("fresh") {
		t.Error("fresh key should keep its exhausted limiter")
	}
}

func TestSenderKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/sessions/x/messages", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := SenderKey(r); got != "10.0.0.1" {
		t.Errorf("SenderKey() = %q, want 10.0.0.1", got)
	}

	r.Header.Set(SenderHeader, "agent-7")
	if got := SenderKey(r); got != "agent-7" {
		t.Errorf("SenderKey() = %q, want agent-7", got)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := New(0.1, 1)
	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SenderHeader, "same")
		handler.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 429]", codes)
	}
}
