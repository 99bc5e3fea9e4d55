package engine

import (
	"sync"
	"time"
)

// Rate limiter defaults: a connection may send DefaultBurst frames
// instantly, then must wait for the next full replenishment.
const (
	DefaultBurst          = 5
	DefaultRefillInterval = time.Second
)

// Limiter gates inbound traffic with one token bucket per connection.
//
// The refill policy is a hard reset: once at least one interval has
// elapsed since the last refill, the bucket snaps back to full capacity.
// There is no proportional trickle. A bucket exists from the first
// inbound frame until Remove is called at connection close.
type Limiter struct {
	capacity int
	interval time.Duration
	buckets  sync.Map // connID → *bucket
	now      func() time.Time
}

type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// NewLimiter creates a Limiter with the given per-connection burst
// capacity and refill interval. Non-positive arguments fall back to the
// defaults.
func NewLimiter(capacity int, interval time.Duration) *Limiter {
	if capacity < 1 {
		capacity = DefaultBurst
	}
	if interval <= 0 {
		interval = DefaultRefillInterval
	}
	return &Limiter{capacity: capacity, interval: interval, now: time.Now}
}

// TryConsume takes one token from the connection's bucket, refilling
// first if an interval has elapsed.
//
// Postcondition: Returns true and decrements a token if one was
// available; returns false if the bucket is empty. A rejected frame is
// simply dropped by the caller; the connection is not closed.
func (l *Limiter) TryConsume(connID string) bool {
	v, ok := l.buckets.Load(connID)
	if !ok {
		v, _ = l.buckets.LoadOrStore(connID, &bucket{
			tokens:     l.capacity,
			lastRefill: l.now(),
		})
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	if now := l.now(); now.Sub(b.lastRefill) >= l.interval {
		b.tokens = l.capacity
		b.lastRefill = now
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Remove discards the connection's bucket. Safe to call repeatedly.
func (l *Limiter) Remove(connID string) {
	l.buckets.Delete(connID)
}
