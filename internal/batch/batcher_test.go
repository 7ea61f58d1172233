package batch

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucienLassalle/SLE/internal/record"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type flushCapture struct {
	mu      sync.Mutex
	batches [][]record.LogRecord
}

func (f *flushCapture) onFlush(_ record.SourceID, batch []record.LogRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *flushCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestDefaultBufferSizeIsPassThrough(t *testing.T) {
	f := &flushCapture{}
	b := New(testLogger(), f.onFlush)
	defer b.Close()

	src := record.SourceID{Service: "nginx", Category: "access"}
	b.Add(record.LogRecord{SourceID: src, Text: "line1"})

	assert.Equal(t, 1, f.count())
}

func TestFlushesOnBufferSizeReached(t *testing.T) {
	f := &flushCapture{}
	b := New(testLogger(), f.onFlush)
	defer b.Close()

	src := record.SourceID{Service: "nginx", Category: "access"}
	b.Register(src, 3)

	b.Add(record.LogRecord{SourceID: src, Text: "1"})
	b.Add(record.LogRecord{SourceID: src, Text: "2"})
	assert.Equal(t, 0, f.count())
	b.Add(record.LogRecord{SourceID: src, Text: "3"})

	require.Equal(t, 1, f.count())
	assert.Len(t, f.batches[0], 3)
}

func TestSweepFlushesStaleBatchAfterOneSecond(t *testing.T) {
	f := &flushCapture{}
	b := New(testLogger(), f.onFlush)
	defer b.Close()

	src := record.SourceID{Service: "nginx", Category: "access"}
	b.Register(src, 100)
	b.Add(record.LogRecord{SourceID: src, Text: "lonely"})

	assert.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 50*time.Millisecond)
}

func TestFlushAllFlushesNonEmptyBatches(t *testing.T) {
	f := &flushCapture{}
	b := New(testLogger(), f.onFlush)
	defer b.Close()

	src := record.SourceID{Service: "nginx", Category: "access"}
	b.Register(src, 100)
	b.Add(record.LogRecord{SourceID: src, Text: "pending"})

	b.FlushAll()
	assert.Equal(t, 1, f.count())
}

func TestCloseFlushesRemainingBatches(t *testing.T) {
	f := &flushCapture{}
	b := New(testLogger(), f.onFlush)

	src := record.SourceID{Service: "nginx", Category: "access"}
	b.Register(src, 100)
	b.Add(record.LogRecord{SourceID: src, Text: "remaining"})

	b.Close()
	assert.Equal(t, 1, f.count())
}
