// Package journal implements the systemd journal watcher. It streams the
// journal via a `journalctl` subprocess rather than binding libsystemd
// through cgo, following an exec+scan approach: `journalctl -o json
// --follow` is treated as a stream of one JSON object per entry, which
// is the shape this watcher parses.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/enrich"
	"github.com/LucienLassalle/SLE/internal/record"
)

// Sink is what the watcher hands admitted records to.
type Sink interface {
	Admit(r record.LogRecord)
}

// entry is the subset of journalctl's JSON export format this watcher
// reads. Field names follow journald's underscore-prefixed export
// convention.
type entry struct {
	Message             string `json:"MESSAGE"`
	SystemdUnit         string `json:"_SYSTEMD_UNIT"`
	SourceRealtimeUsec  string `json:"_SOURCE_REALTIME_TIMESTAMP"`
	RealtimeTimestamp   string `json:"__REALTIME_TIMESTAMP"`
}

// Watcher streams the journal from the present tail, emitting one
// LogRecord per entry. Backoff and retry on init/read failure mirror the
// file watcher's bounded backoff.
type Watcher struct {
	labels map[string]string
	sink   Sink
	logger *logrus.Entry

	// execJournalctl is overridable in tests.
	execJournalctl func(ctx context.Context) (io.ReadCloser, *exec.Cmd, error)
}

// New creates a journal watcher. labels come from the per-source
// JOURNALCTL_LABELS config.
func New(labels map[string]string, sink Sink, logger *logrus.Logger) *Watcher {
	w := &Watcher{
		labels: labels,
		sink:   sink,
		logger: logger.WithField("component", "journal_watcher"),
	}
	w.execJournalctl = w.startJournalctl
	return w
}

// Run drives the watcher until ctx is canceled, backing off identically
// to the file watcher on init/read failure.
func (w *Watcher) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		if err := w.streamOnce(ctx); err != nil {
			w.logger.WithError(err).Debug("journal_watcher: stream ended, retrying with backoff")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (w *Watcher) startJournalctl(ctx context.Context) (io.ReadCloser, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "journalctl", "-o", "json", "--follow", "--lines=0")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, cmd, nil
}

func (w *Watcher) streamOnce(ctx context.Context) error {
	stdout, cmd, err := w.execJournalctl(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = cmd.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.handleLine(scanner.Bytes())
	}
	return scanner.Err()
}

func (w *Watcher) handleLine(line []byte) {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		w.logger.WithError(err).Debug("journal_watcher: skipping malformed entry")
		return
	}
	if e.Message == "" {
		return
	}

	unit := unitWithoutSuffix(e.SystemdUnit)
	subname := strings.ToUpper(unit)
	filepath := "journald:" + unit

	res := enrich.Enrich(e.Message, time.Now())
	ts := res.Timestamp
	if t, ok := parseRealtime(e.RealtimeTimestamp); ok {
		ts = t
	}

	labels := record.MandatoryLabels("journald", subname, filepath)
	for k, v := range w.labels {
		labels[k] = v
	}
	if res.Level != "" {
		labels["level"] = res.Level
	}

	w.sink.Admit(record.LogRecord{
		Text:      res.Text,
		Timestamp: ts,
		Labels:    labels,
		SourceID:  record.SourceID{Service: "journald", Category: subname, Filepath: filepath},
	})
}

func unitWithoutSuffix(unit string) string {
	unit = strings.TrimSuffix(unit, ".service")
	if unit == "" {
		return "unknown"
	}
	return unit
}

// parseRealtime converts journald's microsecond-since-epoch
// __REALTIME_TIMESTAMP string into a time.Time.
func parseRealtime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMicro(usec), true
}
