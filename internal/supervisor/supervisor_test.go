package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSuperviseRestartsAfterEarlyReturn(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	var runs int32

	done := make(chan struct{})
	go func() {
		supervise(ctx, testLogger(), "flaky", func(ctx context.Context) {
			n := atomic.AddInt32(&runs, 1)
			if n >= 3 {
				<-ctx.Done()
			}
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSuperviseRecoversFromPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	var runs int32

	done := make(chan struct{})
	go func() {
		supervise(ctx, testLogger(), "panicky", func(ctx context.Context) {
			n := atomic.AddInt32(&runs, 1)
			if n < 2 {
				panic("boom")
			}
			<-ctx.Done()
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSuperviseStopsImmediatelyOnAlreadyCanceledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var runs int32

	supervise(ctx, testLogger(), "noop", func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestSleepCtxReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Second))
}

func TestSleepCtxReturnsTrueAfterDuration(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewBuildsSupervisorFromConfigDir(t *testing.T) {
	cfgDir := t.TempDir()
	walDir := t.TempDir()
	logDir := t.TempDir()

	writeConfig(t, cfgDir, "default.json", `{"AUTO_RELOAD": 5}`)
	writeConfig(t, cfgDir, "nginx.json", `{
		"nginx": {
			"access": {"path_file": "`+filepath.Join(logDir, "access.log")+`"}
		}
	}`)

	s, err := New(Options{
		ConfigDir:   cfgDir,
		WALDir:      walDir,
		MetricsAddr: ":0",
	}, testLogger())

	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotNil(t, s.exporter)
	assert.NotNil(t, s.batcher)
	assert.NotNil(t, s.queue)
	s.cancel()
}
