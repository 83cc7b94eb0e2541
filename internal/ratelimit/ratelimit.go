// Package ratelimit throttles message producers per sender key.
package ratelimit

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a sender exceeds its allowance
var ErrRateLimited = errors.New("rate limit exceeded")

// SenderHeader optionally names the producing agent on HTTP requests
const SenderHeader = "X-Kumiai-Sender"

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter provides per-sender rate limiting
type Limiter struct {
	limiters map[string]*entry
	mu       sync.RWMutex
	rate     rate.Limit // requests per second
	burst    int        // max burst size
}

// New creates a limiter. requestsPerSecond <= 0 disables limiting.
func New(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     limit,
		burst:    burst,
	}
}

// getLimiter returns the limiter for a given sender key
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	now := time.Now()

	l.mu.RLock()
	e, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		l.mu.Lock()
		e.lastSeen = now
		l.mu.Unlock()
		return e.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists = l.limiters[key]; exists {
		e.lastSeen = now
		return e.limiter
	}

	e = &entry{limiter: rate.NewLimiter(l.rate, l.burst), lastSeen: now}
	l.limiters[key] = e
	return e.limiter
}

// Allow reports whether one more request from key is allowed now
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Check is Allow expressed as an error
func (l *Limiter) Check(key string) error {
	if !l.Allow(key) {
		return ErrRateLimited
	}
	return nil
}

// Cleanup drops limiters unused for longer than maxAge and returns how many
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked senders
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// SenderKey derives the rate-limit key for an HTTP request: the sender
// header when present, otherwise the client IP
func SenderKey(r *http.Request) string {
	if s := r.Header.Get(SenderHeader); s != "" {
		return s
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the sender's allowance with 429
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(SenderKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded. Please slow down.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
