// Package ratelimit throttles how fast the initiator opens new sessions.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter combines an optional global bucket with one bucket per source
// host. A zero rate disables that level.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perSource map[string]*TokenBucket
	rate      int
	burst     int
	now       func() time.Time
}

// NewLimiter creates a limiter allowing globalRate sessions per second in
// total and perSourceRate per source host, each with the given burst.
func NewLimiter(globalRate, perSourceRate, burst int) *Limiter {
	return newLimiter(globalRate, perSourceRate, burst, time.Now)
}

func newLimiter(globalRate, perSourceRate, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perSource: make(map[string]*TokenBucket),
		rate:      perSourceRate,
		burst:     burst,
		now:       now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.global != nil || l.rate > 0)
}

// Allow checks the per-source bucket first so a noisy source cannot drain
// the global budget with connections that would be refused anyway.
func (l *Limiter) Allow(source string) bool {
	if !l.Enabled() {
		return true
	}
	if l.rate > 0 {
		l.mu.Lock()
		bucket, ok := l.perSource[source]
		if !ok {
			bucket = newTokenBucket(l.rate, l.burst, l.now)
			l.perSource[source] = bucket
		}
		l.mu.Unlock()
		if !bucket.Allow() {
			return false
		}
	}
	return l.global == nil || l.global.Allow()
}

// Sources returns the number of tracked source buckets.
func (l *Limiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}

// Cleanup forgets sources that have not connected for maxIdle.
func (l *Limiter) Cleanup(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for src, bucket := range l.perSource {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perSource, src)
		}
	}
}
