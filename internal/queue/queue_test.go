package queue

import (
	"context"
	"io"
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

func TestOfferAndPopFIFO(t *testing.T) {
	q := New(10, false, testLogger())
	q.Offer(record.LogRecord{Text: "a"})
	q.Offer(record.LogRecord{Text: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	r1, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", r1.Text)

	r2, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", r2.Text)
}

func TestNonLegacyRejectsAtCapacity(t *testing.T) {
	q := New(2, false, testLogger())
	assert.Equal(t, Accepted, q.Offer(record.LogRecord{Text: "a"}))
	assert.Equal(t, Accepted, q.Offer(record.LogRecord{Text: "b"}))
	assert.Equal(t, Rejected, q.Offer(record.LogRecord{Text: "c"}))
	assert.Equal(t, 2, q.Depth())
}

func TestLegacyClearsQueueAtCapacity(t *testing.T) {
	q := New(2, true, testLogger())
	assert.Equal(t, Accepted, q.Offer(record.LogRecord{Text: "a"}))
	assert.Equal(t, Accepted, q.Offer(record.LogRecord{Text: "b"}))
	assert.Equal(t, Accepted, q.Offer(record.LogRecord{Text: "c"}))

	assert.Equal(t, 1, q.Depth())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "c", r.Text)
}

func TestPopBlocksUntilOfferOrCancel(t *testing.T) {
	q := New(10, false, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestPopWakesOnOffer(t *testing.T) {
	q := New(10, false, testLogger())
	done := make(chan record.LogRecord, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r, ok := q.Pop(ctx)
		if ok {
			done <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Offer(record.LogRecord{Text: "woke"})

	select {
	case r := <-done:
		assert.Equal(t, "woke", r.Text)
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up after Offer")
	}
}

func TestNewUsesDefaultCapacityWhenNonPositive(t *testing.T) {
	q := New(0, false, testLogger())
	assert.Equal(t, DefaultCapacity, q.Capacity())

	q2 := New(-5, false, testLogger())
	assert.Equal(t, DefaultCapacity, q2.Capacity())
}
