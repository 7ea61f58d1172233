// Package wal implements the disk write-ahead log: a per-source,
// append-only store of one file per record under
// <root>/<service>/<category>/<seq>.rec, used to give DISK-policy sources
// at-least-once delivery across backend outages and process restarts.
//
// The one-segment-per-record layout is deliberately simpler than a
// design that packs many entries into large rotated files: a
// segment-per-record layout makes partial failures
// (a crash mid-write, a single corrupt record) trivially recoverable
// without a recovery-time log replay of a shared file.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/record"
)

// segmentMaxAge is how old an unread segment may be at startup sweep
// before it is deleted unread.
const segmentMaxAge = 24 * time.Hour

// encoded is the self-describing on-disk shape of one segment: the
// LogRecord plus an xxhash checksum of its JSON encoding, letting replay
// detect a segment that was only partially flushed before a crash.
type encoded struct {
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
	Service   string            `json:"service"`
	Category  string            `json:"category"`
	Filepath  string            `json:"filepath"`
	Policy    int               `json:"overflow_policy"`
	Checksum  uint64            `json:"checksum"`
}

func encode(r record.LogRecord) ([]byte, error) {
	e := encoded{
		Text:      r.Text,
		Timestamp: r.Timestamp,
		Labels:    r.Labels,
		Service:   r.SourceID.Service,
		Category:  r.SourceID.Category,
		Filepath:  r.SourceID.Filepath,
		Policy:    int(r.OverflowPolicy),
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	e.Checksum = xxhash.Sum64(body)
	return json.Marshal(e)
}

func decode(data []byte) (record.LogRecord, error) {
	var e encoded
	if err := json.Unmarshal(data, &e); err != nil {
		return record.LogRecord{}, fmt.Errorf("decode segment: %w", err)
	}
	want := e.Checksum
	e.Checksum = 0
	body, err := json.Marshal(e)
	if err != nil {
		return record.LogRecord{}, fmt.Errorf("decode segment: %w", err)
	}
	if xxhash.Sum64(body) != want {
		return record.LogRecord{}, fmt.Errorf("decode segment: checksum mismatch")
	}
	return record.LogRecord{
		Text:      e.Text,
		Timestamp: e.Timestamp,
		Labels:    e.Labels,
		SourceID: record.SourceID{
			Service:  e.Service,
			Category: e.Category,
			Filepath: e.Filepath,
		},
		OverflowPolicy: record.OverflowPolicy(e.Policy),
	}, nil
}

// Segment identifies one replayable file on disk.
type Segment struct {
	Service  string
	Category string
	Seq      uint64
	path     string
}

// WAL owns the on-disk layout rooted at Root.
type WAL struct {
	root   string
	logger *logrus.Logger

	mu   sync.Mutex
	next map[string]uint64 // "service/category" -> next sequence number
}

// New creates a WAL rooted at root, creating the directory if needed. It
// does not scan existing segments; call Sweep then Replay to do that.
func New(root string, logger *logrus.Logger) (*WAL, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create wal root %s: %w", root, err)
	}
	return &WAL{root: root, logger: logger, next: make(map[string]uint64)}, nil
}

func (w *WAL) dir(service, category string) string {
	return filepath.Join(w.root, sanitize(service), sanitize(category))
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	return s
}

// Write assigns the next sequence number for r's source, writes the
// encoded record to a temp file, flushes it to stable storage, then
// renames it into place. Only after the rename does the record count as
// durable. Write-failure is logged and the record is dropped; the WAL
// cannot itself buffer the record that failed to write.
func (w *WAL) Write(r record.LogRecord) error {
	dir := w.dir(r.SourceID.Service, r.SourceID.Category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: mkdir failed, dropping record")
		return err
	}

	seq := w.nextSeq(r.SourceID.Service, r.SourceID.Category, dir)

	data, err := encode(r)
	if err != nil {
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: encode failed, dropping record")
		return err
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%d-%d", seq, time.Now().UnixNano()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: open failed, dropping record")
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: write failed, dropping record")
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: fsync failed, dropping record")
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: close failed, dropping record")
		return err
	}

	final := filepath.Join(dir, fmt.Sprintf("%020d.rec", seq))
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		w.logger.WithError(err).WithField("source", r.SourceID).Error("wal: rename failed, dropping record")
		return err
	}
	return nil
}

func (w *WAL) nextSeq(service, category, dir string) uint64 {
	key := service + "/" + category
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq, ok := w.next[key]; ok {
		w.next[key] = seq + 1
		return seq
	}
	max, found := scanMaxSeq(dir)
	seq := uint64(0)
	if found {
		seq = max + 1
	}
	w.next[key] = seq + 1
	return seq
}

func scanMaxSeq(dir string) (max uint64, found bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rec") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".rec"), 10, 64)
		if err == nil && (!found || n > max) {
			max = n
			found = true
		}
	}
	return max, found
}

// Sweep deletes every unread segment older than 24h at startup. It must
// run before Replay.
func (w *WAL) Sweep() {
	cutoff := time.Now().Add(-segmentMaxAge)
	_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".rec") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			w.logger.WithField("path", path).Warn("wal: removing stale segment older than 24h")
			os.Remove(path)
		}
		return nil
	})
}

// Replay enumerates every (service, category) directory and returns the
// segments found, sorted by sequence within each source, ready to be
// re-injected ahead of any live traffic. A segment that fails to decode
// is quarantined by renaming it with a .bad suffix and is never retried.
func (w *WAL) Replay() ([]Segment, []record.LogRecord) {
	var segs []Segment
	var recs []record.LogRecord

	services, _ := os.ReadDir(w.root)
	for _, svc := range services {
		if !svc.IsDir() {
			continue
		}
		svcDir := filepath.Join(w.root, svc.Name())
		cats, _ := os.ReadDir(svcDir)
		for _, cat := range cats {
			if !cat.IsDir() {
				continue
			}
			catDir := filepath.Join(svcDir, cat.Name())
			bucket := w.replayDir(catDir)
			segs = append(segs, bucket.segs...)
			recs = append(recs, bucket.recs...)
		}
	}
	return segs, recs
}

type replayBucket struct {
	segs []Segment
	recs []record.LogRecord
}

func (w *WAL) replayDir(dir string) replayBucket {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return replayBucket{}
	}

	type pair struct {
		seq  uint64
		name string
	}
	var pairs []pair
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rec") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".rec"), 10, 64)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair{seq: seq, name: e.Name()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].seq < pairs[j].seq })

	var out replayBucket
	for _, p := range pairs {
		path := filepath.Join(dir, p.name)
		data, err := os.ReadFile(path)
		if err != nil {
			w.logger.WithError(err).WithField("path", path).Warn("wal: read failed during replay")
			continue
		}
		r, err := decode(data)
		if err != nil {
			w.quarantine(path)
			continue
		}
		out.segs = append(out.segs, Segment{Service: r.SourceID.Service, Category: r.SourceID.Category, Seq: p.seq, path: path})
		out.recs = append(out.recs, r)
	}
	return out
}

func (w *WAL) quarantine(path string) {
	bad := path + ".bad"
	if err := os.Rename(path, bad); err != nil {
		w.logger.WithError(err).WithField("path", path).Error("wal: failed to quarantine malformed segment")
		return
	}
	w.logger.WithField("path", bad).Warn("wal: quarantined malformed segment")
}

// Commit unlinks the segments of a successfully delivered replayed
// batch. Failure to delete is logged; the segment will be re-replayed
// on the next startup, which is at-least-once-safe.
func (w *WAL) Commit(segs []Segment) {
	for _, s := range segs {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			w.logger.WithError(err).WithField("path", s.path).Warn("wal: failed to remove committed segment")
		}
	}
}

