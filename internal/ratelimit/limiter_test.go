package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/LucienLassalle/SLE/internal/record"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestUnregisteredSourceIsUnlimited(t *testing.T) {
	l := New(testLogger())
	src := record.SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/a.log"}

	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire(src))
	}
	assert.Equal(t, int64(0), l.Rejected())
}

func TestRegisteredBucketRejectsPastBurst(t *testing.T) {
	l := New(testLogger())
	src := record.SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/a.log"}
	l.Register(src, 1) // 1 token/sec, burst of 1

	assert.True(t, l.TryAcquire(src))
	assert.False(t, l.TryAcquire(src))
	assert.Equal(t, int64(1), l.Rejected())
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := &bucket{rate: 10, tokens: 0, lastRefill: time.Now().Add(-time.Second)}
	assert.True(t, b.tryAcquire(time.Now()))
}

func TestZeroOrNegativeRateIsUnlimited(t *testing.T) {
	l := New(testLogger())
	src := record.SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/a.log"}
	l.Register(src, 0)

	for i := 0; i < 50; i++ {
		assert.True(t, l.TryAcquire(src))
	}
}

func TestForgetRemovesBucket(t *testing.T) {
	l := New(testLogger())
	src := record.SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/a.log"}
	l.Register(src, 1)
	l.TryAcquire(src)

	l.Forget(src)

	// Unregistered again, so every call is unlimited.
	for i := 0; i < 10; i++ {
		assert.True(t, l.TryAcquire(src))
	}
}

func TestRegisterReplacesExistingBucket(t *testing.T) {
	l := New(testLogger())
	src := record.SourceID{Service: "nginx", Category: "access", Filepath: "/var/log/a.log"}
	l.Register(src, 1)
	l.TryAcquire(src)
	assert.False(t, l.TryAcquire(src))

	l.Register(src, 1)
	assert.True(t, l.TryAcquire(src))
}
