// Package ratelimit throttles calls into the firewall backend (§4.H) so a
// burst of simultaneous blocks — e.g. the startup batch reblock of a large
// blacklist — cannot overwhelm a command-exec or eBPF-map backend.
//
// Every CommandBackend/EBPFBackend call (block, release, batch) costs a
// flat one token regardless of how many addresses a batch call carries,
// since issuing the underlying shell command or eBPF map write is equally
// cheap either way; the spec defines no differentiated per-operation cost.
// Tokens refill continuously at capacity/refillPeriod tokens per second
// rather than jumping back to full once per tick, so a backend that falls
// slightly behind recovers smoothly instead of in a stair-step.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe leaky-bucket rate limiter.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time

	consumedTotal atomic.Uint64
	rejectedTotal atomic.Uint64

	onConsume func(remaining float64)
	onReject  func()
}

// New creates a Bucket that starts full at capacity and refills
// continuously to capacity over refillPeriod. capacity and refillPeriod
// must be > 0.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(capacity) / refillPeriod.Seconds(),
		last:       time.Now(),
	}
}

// SetObservers installs optional metrics callbacks; either may be nil.
// onConsume receives the token level remaining after each successful
// Consume; onReject fires once per call that found the bucket empty.
func (b *Bucket) SetObservers(onConsume func(remaining float64), onReject func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConsume = onConsume
	b.onReject = onReject
}

// refillLocked tops the bucket up for elapsed wall-clock time. Caller must
// hold b.mu.
func (b *Bucket) refillLocked(now time.Time) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.last = now
	}
}

// Consume attempts to take cost tokens immediately, without blocking.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		b.consumedTotal.Add(uint64(cost))
		if b.onConsume != nil {
			b.onConsume(b.tokens)
		}
		return true
	}
	b.rejectedTotal.Add(1)
	if b.onReject != nil {
		b.onReject()
	}
	return false
}

// Wait blocks until cost tokens are available, polling at a fraction of
// the time a single token takes to refill, or until ctx is cancelled.
// Used by the firewall adapter's call sites, which must eventually issue
// every block/release rather than drop it.
func (b *Bucket) Wait(ctx context.Context, cost int) error {
	perToken := time.Duration(float64(time.Second) / b.refillRate)
	poll := perToken / 10
	if poll <= 0 {
		poll = time.Millisecond
	}
	for {
		if b.Consume(cost) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Remaining returns the current token count, rounded down.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return int(b.tokens)
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int { return int(b.capacity) }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RejectedTotal returns the lifetime count of calls that found the bucket
// empty.
func (b *Bucket) RejectedTotal() uint64 { return b.rejectedTotal.Load() }
