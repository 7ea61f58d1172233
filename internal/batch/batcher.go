// Package batch accumulates LogRecords per source into size- or
// time-bounded batches before handing them to the exporter. It is built
// around a flush-trigger structure adapted from a single-sink dispatcher
// loop into a per-source accumulator swept by one shared ticker that the
// Batcher starts itself in New.
package batch

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/record"
)

// FlushFunc is invoked with a complete, ordered batch for one source.
type FlushFunc func(src record.SourceID, batch []record.LogRecord)

// pending is one source's in-progress batch.
type pending struct {
	mu      sync.Mutex
	records []record.LogRecord
	opened  time.Time
	limit   int
}

// Batcher accumulates records per record.SourceID. Flush triggers:
// the batch reaches its configured buffer_size, 1s has elapsed since the
// batch's first record, or Flush/FlushAll is called (shutdown). A
// buffer_size of 1 makes the batcher a pass-through, flushing every
// record immediately.
type Batcher struct {
	logger *logrus.Logger
	onFlush FlushFunc

	mu      sync.Mutex
	batches map[record.SourceID]*pending

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Batcher and starts its 1s time-based flush sweep.
func New(logger *logrus.Logger, onFlush FlushFunc) *Batcher {
	b := &Batcher{
		logger:  logger,
		onFlush: onFlush,
		batches: make(map[record.SourceID]*pending),
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Register sets (or updates) the buffer_size for a source. A source not
// yet registered defaults to buffer_size 1 (pass-through) on first Add.
func (b *Batcher) Register(src record.SourceID, bufferSize int) {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.batchFor(src)
	p.mu.Lock()
	p.limit = bufferSize
	p.mu.Unlock()
}

func (b *Batcher) batchFor(src record.SourceID) *pending {
	p, ok := b.batches[src]
	if !ok {
		p = &pending{limit: 1}
		b.batches[src] = p
	}
	return p
}

// Add appends r to its source's in-progress batch, flushing synchronously
// if the addition reaches buffer_size.
func (b *Batcher) Add(r record.LogRecord) {
	b.mu.Lock()
	p := b.batchFor(r.SourceID)
	b.mu.Unlock()

	p.mu.Lock()
	if len(p.records) == 0 {
		p.opened = time.Now()
	}
	p.records = append(p.records, r)
	full := len(p.records) >= p.limit
	var flushed []record.LogRecord
	if full {
		flushed = p.records
		p.records = nil
	}
	p.mu.Unlock()

	if flushed != nil {
		b.onFlush(r.SourceID, flushed)
	}
}

// sweepLoop flushes any batch whose oldest record has been pending for
// at least 1s, independent of whether it has reached buffer_size.
func (b *Batcher) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepOnce()
		}
	}
}

func (b *Batcher) sweepOnce() {
	now := time.Now()
	b.mu.Lock()
	srcs := make([]record.SourceID, 0, len(b.batches))
	for src := range b.batches {
		srcs = append(srcs, src)
	}
	b.mu.Unlock()

	for _, src := range srcs {
		b.mu.Lock()
		p, ok := b.batches[src]
		b.mu.Unlock()
		if !ok {
			continue
		}

		p.mu.Lock()
		var flushed []record.LogRecord
		if len(p.records) > 0 && now.Sub(p.opened) >= time.Second {
			flushed = p.records
			p.records = nil
		}
		p.mu.Unlock()

		if flushed != nil {
			b.onFlush(src, flushed)
		}
	}
}

// FlushAll force-flushes every non-empty pending batch, used by the
// supervisor during shutdown to make sure nothing is stranded in memory.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	srcs := make([]record.SourceID, 0, len(b.batches))
	for src := range b.batches {
		srcs = append(srcs, src)
	}
	b.mu.Unlock()

	for _, src := range srcs {
		b.mu.Lock()
		p, ok := b.batches[src]
		b.mu.Unlock()
		if !ok {
			continue
		}
		p.mu.Lock()
		flushed := p.records
		p.records = nil
		p.mu.Unlock()
		if len(flushed) > 0 {
			b.onFlush(src, flushed)
		}
	}
}

// Close stops the time-based sweep loop and flushes any remaining
// batches.
func (b *Batcher) Close() {
	close(b.stop)
	b.wg.Wait()
	b.FlushAll()
}
