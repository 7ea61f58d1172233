// Package supervisor wires every SLE component together and owns the
// process lifecycle: a struct holding every component, a sequential
// Start, a sequential (reverse-ish) Stop, and a Run that blocks on
// SIGINT/SIGTERM. Each watcher runs under a crash-loop restart policy:
// three crashes inside 60s trigger a one-minute cooldown before the
// next restart, authored in logrus-fields-and-small-goroutine style
// rather than copied from any one file.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/batch"
	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/export"
	"github.com/LucienLassalle/SLE/internal/journal"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/internal/queue"
	"github.com/LucienLassalle/SLE/internal/ratelimit"
	"github.com/LucienLassalle/SLE/internal/record"
	"github.com/LucienLassalle/SLE/internal/tracing"
	"github.com/LucienLassalle/SLE/internal/wal"
	"github.com/LucienLassalle/SLE/internal/watch"
)

// Options configures a Supervisor beyond what comes from the config
// directory, e.g. flags or environment set by cmd/sle.
type Options struct {
	ConfigDir    string
	WALDir       string
	MetricsAddr  string
	TracingAddr  string
	TracingOn    bool
	KafkaTopic   string
}

// Supervisor owns every long-lived SLE component and coordinates
// startup, reload, and graceful shutdown.
type Supervisor struct {
	opts   Options
	logger *logrus.Logger

	cfg      *config.Config
	wal      *wal.WAL
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	batcher  *batch.Batcher
	exporter *export.Exporter
	tracer   *tracing.Manager
	metrics  *metrics.Server
	globs    *watch.GlobManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc // concrete path/unit -> cancel
}

// walCommitter adapts *wal.WAL to export.CommitSink.
type walCommitter struct{ w *wal.WAL }

func (c walCommitter) Commit(segs []wal.Segment) { c.w.Commit(segs) }

// New loads configuration and constructs every component. Apart from the
// batcher's time-based flush sweep, it does not start anything; call Run
// for that.
func New(opts Options, logger *logrus.Logger) (*Supervisor, error) {
	cfg, err := config.Load(opts.ConfigDir)
	if err != nil {
		return nil, err
	}

	w, err := wal.New(opts.WALDir, logger)
	if err != nil {
		return nil, err
	}

	qCapacity := cfg.QueueSize
	legacy := !cfg.QueueSizeSet
	if legacy {
		qCapacity = queue.DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	tracer, err := tracing.New(tracing.Config{
		Enabled:  opts.TracingOn,
		Endpoint: opts.TracingAddr,
	}, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Supervisor{
		opts:     opts,
		logger:   logger,
		cfg:      cfg,
		wal:      w,
		queue:    queue.New(qCapacity, legacy, logger),
		limiter:  ratelimit.New(logger),
		tracer:   tracer,
		ctx:      ctx,
		cancel:   cancel,
		watchers: map[string]context.CancelFunc{},
	}

	s.exporter = export.New(cfg.Backends, w, opts.KafkaTopic, tracer, logger)
	s.batcher = batch.New(logger, s.onFlush)
	s.metrics = metrics.NewServer(opts.MetricsAddr, opts.WALDir, logger)
	s.globs = watch.New(logger, s.spawnFileWatcher)

	return s, nil
}

// Run starts every component, replays the WAL, spawns watchers, and
// blocks until a SIGINT/SIGTERM is received, then shuts down gracefully.
func (s *Supervisor) Run() error {
	s.metrics.Start()
	s.wal.Sweep()
	s.replayWAL()

	s.wg.Add(1)
	go s.drainLoop()

	s.startSources()

	if s.cfg.JournalEnabled {
		s.spawnJournalWatcher()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.globs.Run(s.ctx, time.Duration(s.cfg.AutoReloadSeconds)*time.Second)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	s.logger.Info("supervisor: shutdown signal received")
	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	s.cancel()

	s.watchMu.Lock()
	for _, cancel := range s.watchers {
		cancel()
	}
	s.watchMu.Unlock()

	s.wg.Wait()
	s.batcher.Close()
	s.exporter.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.metrics.Stop(shutdownCtx)
	if err := s.tracer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("supervisor: tracing shutdown error")
	}

	s.logger.Info("supervisor: stopped")
	return nil
}

// replayWAL re-injects every segment left over from a previous run
// straight through the exporter, one record at a time so each segment
// commits independently of live traffic.
func (s *Supervisor) replayWAL() {
	segs, recs := s.wal.Replay()
	if len(recs) == 0 {
		return
	}
	s.logger.WithField("count", len(recs)).Info("supervisor: replaying WAL segments from previous run")
	committer := walCommitter{w: s.wal}
	for i, r := range recs {
		metrics.WALSegmentsReplayedTotal.Inc()
		s.exporter.Dispatch(s.ctx, r.SourceID, []record.LogRecord{r}, []wal.Segment{segs[i]}, committer)
	}
}

// onFlush is the batcher's FlushFunc: it hands a source's accumulated
// batch straight to the exporter. Live-path batches were never written
// to the WAL, so there is nothing to commit; total delivery failure is
// handled inside Dispatch via each record's OverflowPolicy.
func (s *Supervisor) onFlush(src record.SourceID, batch []record.LogRecord) {
	metrics.ExportBatchSize.Observe(float64(len(batch)))
	s.exporter.Dispatch(s.ctx, src, batch, nil, nil)
}

// sinkAdapter implements watch.Sink and journal.Sink, gating admission
// through the rate limiter and the bounded queue before a record ever
// reaches the batcher.
type sinkAdapter struct {
	s *Supervisor
}

func (a sinkAdapter) Admit(r record.LogRecord) {
	if !a.s.limiter.TryAcquire(r.SourceID) {
		metrics.RateLimitRejectedTotal.Inc()
		if r.OverflowPolicy == record.PolicyDisk {
			if err := a.s.wal.Write(r); err != nil {
				a.s.logger.WithError(err).Error("supervisor: failed to persist rate-limited record to WAL")
				return
			}
			metrics.WALSegmentsWrittenTotal.Inc()
		}
		return
	}

	outcome := a.s.queue.Offer(r)
	metrics.QueueDepth.Set(float64(a.s.queue.Depth()))
	if outcome == queue.Rejected {
		if r.OverflowPolicy == record.PolicyDisk {
			if err := a.s.wal.Write(r); err != nil {
				a.s.logger.WithError(err).Error("supervisor: failed to persist overflowed record to WAL")
				metrics.RecordsDroppedTotal.WithLabelValues("queue", "wal_write_failed").Inc()
				return
			}
			metrics.WALSegmentsWrittenTotal.Inc()
			return
		}
		metrics.RecordsDroppedTotal.WithLabelValues("queue", "overflow").Inc()
		return
	}

	metrics.RecordsAdmittedTotal.WithLabelValues(r.SourceID.Service, r.SourceID.Category).Inc()
}

// drainLoop pulls admitted records off the queue and feeds the batcher,
// one goroutine for the whole pipeline: ordering within a source is
// preserved end to end.
func (s *Supervisor) drainLoop() {
	defer s.wg.Done()
	for {
		r, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(s.queue.Depth()))
		s.batcher.Add(r)
	}
}

// startSources registers every configured source's rate limit and batch
// buffer size, routes glob patterns to the GlobManager, and spawns a
// supervised watcher directly for literal paths.
func (s *Supervisor) startSources() {
	for _, categories := range s.cfg.Services {
		for _, spec := range categories {
			s.batcher.Register(record.SourceID{Service: spec.Service, Category: spec.Category, Filepath: spec.Path}, spec.BufferSize)

			if spec.IsGlob() {
				s.globs.Register(spec)
				continue
			}

			src := record.SourceID{Service: spec.Service, Category: spec.Category, Filepath: spec.Path}
			s.limiter.Register(src, spec.RateLimit)
			cancel := s.spawnFileWatcher(src, spec)
			s.watchMu.Lock()
			s.watchers[spec.Path] = cancel
			s.watchMu.Unlock()
		}
	}
}

// spawnFileWatcher implements watch.WatcherFactory: it starts a
// supervised goroutine running one FileWatcher and returns its cancel
// func. Used both for literal sources and for files the GlobManager
// discovers.
func (s *Supervisor) spawnFileWatcher(src record.SourceID, spec config.SourceSpec) func() {
	s.limiter.Register(src, spec.RateLimit)
	s.batcher.Register(src, spec.BufferSize)

	watcherCtx, cancel := context.WithCancel(s.ctx)
	metrics.WatchersActive.WithLabelValues("file").Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.WatchersActive.WithLabelValues("file").Dec()
		supervise(watcherCtx, s.logger, "file_watcher:"+spec.Path, func(ctx context.Context) {
			policy := record.ParseOverflowPolicy(spec.OverflowPolicy)
			watch.New(src, spec.Delimiter, spec.Labels, policy, sinkAdapter{s: s}, s.logger).Run(ctx)
		})
	}()
	return func() {
		cancel()
		s.limiter.Forget(src)
	}
}

func (s *Supervisor) spawnJournalWatcher() {
	watcherCtx, cancel := context.WithCancel(s.ctx)
	metrics.WatchersActive.WithLabelValues("journal").Inc()

	s.watchMu.Lock()
	s.watchers["journald"] = cancel
	s.watchMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.WatchersActive.WithLabelValues("journal").Dec()
		supervise(watcherCtx, s.logger, "journal_watcher", func(ctx context.Context) {
			journal.New(s.cfg.JournalLabels, sinkAdapter{s: s}, s.logger).Run(ctx)
		})
	}()
}

// supervise runs fn in a loop, restarting it if it panics or returns
// early (before ctx is canceled). Three crashes inside a 60s window
// trigger a one-minute cooldown before the next restart; fewer than
// that, restarts are immediate.
func supervise(ctx context.Context, logger *logrus.Logger, name string, fn func(context.Context)) {
	var crashes []time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		runOnce(ctx, logger, name, fn)
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		crashes = append(crashes, now)
		cutoff := now.Add(-60 * time.Second)
		kept := crashes[:0]
		for _, t := range crashes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		crashes = kept

		if len(crashes) >= 3 {
			logger.WithField("component", name).Warn("supervisor: 3 crashes within 60s, cooling down for 1 minute")
			if !sleepCtx(ctx, time.Minute) {
				return
			}
			crashes = nil
		}
	}
}

func runOnce(ctx context.Context, logger *logrus.Logger, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("component", name).WithField("panic", r).Error("supervisor: component panicked, restarting")
		}
	}()
	fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
