package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
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

type captureSink struct {
	mu   sync.Mutex
	recs []record.LogRecord
}

func (c *captureSink) Admit(r record.LogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
}

func (c *captureSink) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Text
	}
	return out
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestFileWatcherOnlyReadsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("pre-existing line\n"), 0o644))

	src := record.SourceID{Service: "nginx", Category: "access", Filepath: path}
	sink := &captureSink{}
	w := New(src, "\n", nil, record.PolicyDrop, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sink.len())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("fresh line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"fresh line"}, sink.texts())
}

func TestFileWatcherDetectsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	src := record.SourceID{Service: "nginx", Category: "access", Filepath: path}
	sink := &captureSink{}
	w := New(src, "\n", nil, record.PolicyDrop, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(150 * time.Millisecond)

	rotated := filepath.Join(dir, "app.log.1")
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, os.WriteFile(path, []byte("after rotation\n"), 0o644))

	assert.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"after rotation"}, sink.texts())
}

func TestFileWatcherDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789\n"), 0o644))

	src := record.SourceID{Service: "nginx", Category: "access", Filepath: path}
	sink := &captureSink{}
	w := New(src, "\n", nil, record.PolicyDrop, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, os.Truncate(path, 0))
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return sink.len() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"new"}, sink.texts())
}

func TestFileWatcherMergesStaticLabelsAndMandatoryLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	src := record.SourceID{Service: "nginx", Category: "access", Filepath: path}
	sink := &captureSink{}
	w := New(src, "\n", map[string]string{"env": "prod"}, record.PolicyDrop, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(150 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 20*time.Millisecond)
	labels := sink.recs[0].Labels
	assert.Equal(t, "prod", labels["env"])
	assert.Equal(t, "nginx", labels["name"])
	assert.Equal(t, "sle", labels["job"])
}

func TestFileWatcherStampsConfiguredOverflowPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	src := record.SourceID{Service: "nginx", Category: "access", Filepath: path}
	sink := &captureSink{}
	w := New(src, "\n", nil, record.PolicyDisk, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(150 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, record.PolicyDisk, sink.recs[0].OverflowPolicy)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OPENING", StateOpening.String())
	assert.Equal(t, "READING", StateReading.String())
	assert.Equal(t, "ROTATED", StateRotated.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}
