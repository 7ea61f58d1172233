// Package ratelimit implements per-source token-bucket admission
// control. Unlike an adaptive limiter that tunes its own rate against
// observed latency, SLE's bucket rate is a fixed per-source config
// value: admission control here is deliberately simple so its behavior
// stays easy to reason about under load.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/record"
)

// bucket is one source's token-bucket state.
type bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens/sec; <=0 means unlimited
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) tryAcquire(now time.Time) bool {
	if b.rate <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.rate {
			b.tokens = b.rate // burst capacity = one second's worth
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter keys a token bucket per record.SourceID. Each bucket has its own
// mutex so concurrent sources never contend with each other; the map
// itself is guarded separately by an RWMutex, so looking up a bucket that
// already exists only takes the shared read lock.
type Limiter struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	buckets map[record.SourceID]*bucket

	rejected int64
	rejMu    sync.Mutex
}

// New creates an empty Limiter. Buckets are created only by Register,
// which can be called at any time, so sources discovered by the glob
// manager after startup get their own bucket without a restart.
func New(logger *logrus.Logger) *Limiter {
	return &Limiter{
		logger:  logger,
		buckets: make(map[record.SourceID]*bucket),
	}
}

// Register creates (or replaces) the bucket for a source with the given
// rate in records/second. A rate <= 0 means unlimited.
func (l *Limiter) Register(src record.SourceID, ratePerSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[src] = &bucket{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		lastRefill: time.Now(),
	}
}

// TryAcquire reports whether a record from src may be admitted right now.
// It never blocks. A source with no registered bucket is treated as
// unlimited so a watcher started before its SourceSpec is (re)registered
// never stalls.
func (l *Limiter) TryAcquire(src record.SourceID) bool {
	l.mu.RLock()
	b, ok := l.buckets[src]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	allowed := b.tryAcquire(time.Now())
	if !allowed {
		l.rejMu.Lock()
		l.rejected++
		l.rejMu.Unlock()
	}
	return allowed
}

// Rejected returns the cumulative count of rejected admission attempts,
// exposed as a metric by the supervisor.
func (l *Limiter) Rejected() int64 {
	l.rejMu.Lock()
	defer l.rejMu.Unlock()
	return l.rejected
}

// Forget removes a source's bucket, called when the glob manager tears a
// watcher down so long-gone sources don't leak bucket state forever.
func (l *Limiter) Forget(src record.SourceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, src)
}
