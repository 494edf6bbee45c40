// Package ratelimit provides a token bucket rate limiter with one bucket per
// caller. The HTTP layer keys it by client address, the tool surface by agent
// id.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when a caller has exhausted its token bucket.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a per-key token bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // max tokens
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New returns a limiter that refills at perSecond tokens up to burst.
func New(perSecond float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    perSecond,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token from key's bucket and reports whether the call may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:    float64(l.burst),
			lastCheck: now,
		}
		l.buckets[key] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}
