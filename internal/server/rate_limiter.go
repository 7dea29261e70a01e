// Package server implements a token bucket rate limiter used to throttle
// login attempts per remote address.
package server

import (
	"net"
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.allowAt(time.Now())
}

func (rl *rateLimiter) allowAt(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// full reports whether the bucket has refilled completely at now, meaning
// it carries no state worth keeping.
func (rl *rateLimiter) full(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens+now.Sub(rl.lastCheck).Seconds()*rl.rate >= rl.capacity
}

// maxTrackedHosts bounds the bucket map; full buckets are swept past it.
const maxTrackedHosts = 1024

// loginThrottle keeps one bucket per client host.
type loginThrottle struct {
	mu       sync.Mutex
	buckets  map[string]*rateLimiter
	burst    int
	interval time.Duration
}

func newLoginThrottle(burst int, interval time.Duration) *loginThrottle {
	return &loginThrottle{
		buckets:  make(map[string]*rateLimiter),
		burst:    burst,
		interval: interval,
	}
}

// allow consumes one attempt for the host of remoteAddr.
func (t *loginThrottle) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	t.mu.Lock()
	bucket, ok := t.buckets[host]
	if !ok {
		if len(t.buckets) >= maxTrackedHosts {
			t.sweepLocked(time.Now())
		}
		bucket = newRateLimiter(t.burst, t.interval)
		t.buckets[host] = bucket
	}
	t.mu.Unlock()

	return bucket.allow()
}

// sweep forgets hosts whose bucket is full again.
func (t *loginThrottle) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(time.Now())
}

func (t *loginThrottle) sweepLocked(now time.Time) int {
	removed := 0
	for host, bucket := range t.buckets {
		if bucket.full(now) {
			delete(t.buckets, host)
			removed++
		}
	}
	return removed
}

func (t *loginThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
