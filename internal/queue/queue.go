// Package queue implements the central bounded FIFO: the single hand-off
// point between every watcher and the batcher/exporter side of the
// pipeline. Admission is always non-blocking; consumers block on
// emptiness with a timeout so shutdown and periodic flushes stay
// observable.
//
// The threshold-warning bookkeeping here is a level/factor state
// machine trimmed from five adaptive levels down to four fixed
// 20%-boundary buckets.
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/internal/record"
)

// Outcome is the result of Offer.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
)

// Queue is the bounded, concurrent-safe FIFO. Capacity and legacy-mode
// behavior are fixed at construction; there is no resize-in-place: a
// reload that changes QUEUE_SIZE replaces the queue, it does not mutate
// this one.
type Queue struct {
	logger *logrus.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []record.LogRecord
	capacity int
	legacy   bool // true when QUEUE_SIZE was unset in config

	lastWarnBucket int

	clearedEvents int64
}

// DefaultCapacity is the capacity assigned when QUEUE_SIZE is unset:
// legacy mode, fixed at 5000 and cleared (not rejected) on overflow.
const DefaultCapacity = 5000

// New builds a Queue. legacy selects the "no QUEUE_SIZE configured"
// clear-on-overflow behavior; a configured QUEUE_SIZE always runs in
// reject-on-overflow mode regardless of its numeric value, including
// 5000.
func New(capacity int, legacy bool, logger *logrus.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		logger:   logger,
		capacity: capacity,
		legacy:   legacy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Depth returns the current number of queued records.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Offer attempts to enqueue r. In legacy mode, reaching capacity clears
// the entire queue in one operation instead of rejecting admission; this
// intentionally loses DISK-policy records too, preserved per the Open
// Question decision in DESIGN.md. In non-legacy mode, Offer returns
// Rejected once depth
// reaches capacity and leaves existing contents untouched, letting the
// caller apply the record's own overflow policy.
func (q *Queue) Offer(r record.LogRecord) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if q.legacy {
			q.items = q.items[:0]
			q.lastWarnBucket = 0
			q.clearedEvents++
			metrics.QueueClearedTotal.Inc()
			q.logger.WithFields(logrus.Fields{
				"capacity": q.capacity,
			}).Warn("queue: legacy capacity reached, queue cleared")
			q.items = append(q.items, r)
			q.notEmpty.Signal()
			return Accepted
		}
		return Rejected
	}

	q.items = append(q.items, r)
	q.checkThresholds()
	q.notEmpty.Signal()
	return Accepted
}

// checkThresholds fires a warning each time depth crosses an upward 20%
// boundary and decays lastWarnBucket as depth falls back below a
// boundary, so a single slow drain never suppresses a later warning.
// Caller must hold q.mu.
func (q *Queue) checkThresholds() {
	pct := float64(len(q.items)) / float64(q.capacity)
	bucket := int(pct / 0.2) // 0..5
	if bucket > 4 {
		bucket = 4
	}
	if bucket > q.lastWarnBucket {
		q.lastWarnBucket = bucket
		q.logger.WithFields(logrus.Fields{
			"depth":    len(q.items),
			"capacity": q.capacity,
			"bucket":   bucket * 20,
		}).Warn("queue: depth crossed threshold")
	} else if bucket < q.lastWarnBucket {
		q.lastWarnBucket = bucket
	}
}

// Pop removes and returns the oldest record, blocking until one is
// available or ctx is canceled. The second return is false on
// cancellation. Callers wanting a bounded poll (so periodic flushes and
// shutdown remain observable) should pass a context with a deadline and
// retry.
func (q *Queue) Pop(ctx context.Context) (record.LogRecord, bool) {
	// sync.Cond has no context-aware wait, so a single watcher goroutine
	// translates ctx cancellation into a Broadcast every caller observes.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-stopWatch:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return record.LogRecord{}, false
		}
		q.notEmpty.Wait()
	}
	if ctx.Err() != nil && len(q.items) == 0 {
		return record.LogRecord{}, false
	}

	r := q.items[0]
	q.items = q.items[1:]
	q.decayThresholds()
	return r, true
}

// decayThresholds lowers lastWarnBucket to match the post-pop depth so a
// future re-crossing fires again. Caller must hold q.mu.
func (q *Queue) decayThresholds() {
	pct := float64(len(q.items)) / float64(q.capacity)
	bucket := int(pct / 0.2)
	if bucket > 4 {
		bucket = 4
	}
	if bucket < q.lastWarnBucket {
		q.lastWarnBucket = bucket
	}
}

// ClearedEvents returns how many times the legacy clear-on-overflow path
// has fired, exposed as a metric.
func (q *Queue) ClearedEvents() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearedEvents
}
