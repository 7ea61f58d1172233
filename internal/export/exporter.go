package export

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/internal/record"
	"github.com/LucienLassalle/SLE/internal/tracing"
	"github.com/LucienLassalle/SLE/internal/wal"
	"github.com/LucienLassalle/SLE/internal/xerrors"
)

// CommitSink is what the exporter calls once a batch's segments no
// longer need to survive a restart. The supervisor wires this to the
// WAL's Commit: the exporter is what drives WAL cleanup.
type CommitSink interface {
	Commit(segs []wal.Segment)
}

// WALWriter is what the exporter writes DISK-policy records to on total
// delivery failure, so they survive to the next startup's Replay.
type WALWriter interface {
	Write(r record.LogRecord) error
}

// httpSender is implemented by lokiSender and genericSender.
type httpSender interface {
	send(ctx context.Context, endpoint string, body []byte) (statusCode int, err error)
}

// Exporter fans a flushed batch out to every configured backend
// concurrently. Within one backend kind, every endpoint is
// attempted concurrently too, and the kind is "delivered" as soon as any
// one endpoint accepts the batch (the HA semantics of one BackendSpec's
// endpoint list). A batch is only considered delivered overall once every
// configured backend kind has delivered it.
type Exporter struct {
	logger   *logrus.Logger
	backends []config.BackendSpec
	wal      WALWriter
	tracer   *tracing.Manager
	dropped  int64
	droppedMu sync.Mutex

	loki    *lokiSender
	generic *genericSender
	kafka   *kafkaSender
}

// New builds an Exporter for the given backend list. kafkaTopic may be
// empty, in which case "sle" is used: the config schema has no
// per-backend topic key, so SLE ships every Kafka batch to one topic.
// tracer may be nil, in which case Dispatch skips span creation.
func New(backends []config.BackendSpec, walWriter WALWriter, kafkaTopic string, tracer *tracing.Manager, logger *logrus.Logger) *Exporter {
	return &Exporter{
		logger:   logger,
		backends: backends,
		wal:      walWriter,
		tracer:   tracer,
		loki:     newLokiSender(),
		generic:  newGenericSender(),
		kafka:    newKafkaSender(kafkaTopic),
	}
}

// Dropped returns the count of records discarded after total delivery
// failure for sources with the DROP overflow policy.
func (e *Exporter) Dropped() int64 {
	e.droppedMu.Lock()
	defer e.droppedMu.Unlock()
	return e.dropped
}

// Close releases long-lived resources (Kafka producers).
func (e *Exporter) Close() {
	e.kafka.close()
}

// Dispatch ships one source's flushed batch to every configured backend
// and, once every backend has delivered it, commits segs via commit. On
// total failure of any backend, DISK-policy records in the batch are
// persisted to the WAL (so a restart retries them) and DROP-policy
// records are discarded and counted.
func (e *Exporter) Dispatch(ctx context.Context, src record.SourceID, batch []record.LogRecord, segs []wal.Segment, commit CommitSink) {
	if len(batch) == 0 {
		return
	}
	if len(e.backends) == 0 {
		// No backend configured: nothing to deliver, nothing to retry.
		// Commit immediately so the WAL doesn't accumulate segments for
		// records that will never be shipped.
		if commit != nil {
			commit.Commit(segs)
		}
		return
	}

	if e.tracer != nil {
		var span oteltrace.Span
		ctx, span = e.tracer.StartSpan(ctx, "sle.export.send")
		span.SetAttributes(
			attribute.String("sle.source", src.String()),
			attribute.Int("sle.batch_size", len(batch)),
		)
		defer span.End()
	}

	var wg sync.WaitGroup
	results := make([]bool, len(e.backends))
	for i, b := range e.backends {
		wg.Add(1)
		go func(i int, b config.BackendSpec) {
			defer wg.Done()
			results[i] = e.deliverToBackend(ctx, b, batch)
		}(i, b)
	}
	wg.Wait()

	allDelivered := true
	for _, ok := range results {
		if !ok {
			allDelivered = false
			break
		}
	}

	if allDelivered {
		if commit != nil {
			commit.Commit(segs)
		}
		return
	}

	e.logger.WithFields(logrus.Fields{
		"service":  src.Service,
		"category": src.Category,
		"count":    len(batch),
	}).Warn("export: batch not delivered to every backend, applying overflow policy")
	e.handleUndelivered(batch)
}

func (e *Exporter) handleUndelivered(batch []record.LogRecord) {
	var dropped int64
	for _, r := range batch {
		if r.OverflowPolicy == record.PolicyDisk {
			if err := e.wal.Write(r); err != nil {
				e.logger.WithError(err).Error("export: failed to persist undelivered record to WAL")
			}
			continue
		}
		dropped++
	}
	if dropped > 0 {
		e.droppedMu.Lock()
		e.dropped += dropped
		e.droppedMu.Unlock()
	}
}

// deliverToBackend serializes the batch once for this backend kind and
// fans the send out across its endpoints, retrying the whole endpoint set
// together on the shared backoff schedule until one succeeds or retries
// are exhausted.
func (e *Exporter) deliverToBackend(ctx context.Context, b config.BackendSpec, batch []record.LogRecord) bool {
	if b.Kind == "KAFKA" {
		return e.deliverKafka(b, batch)
	}

	sender, body, err := e.serializeFor(b.Kind, batch)
	if err != nil {
		e.logger.WithError(err).WithField("kind", b.Kind).Error("export: failed to serialize batch")
		return false
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoffFor(attempt-1)) {
				return false
			}
		}
		success, retryable := e.attemptEndpoints(ctx, sender, b.Endpoints, body)
		if success {
			metrics.ExportAttemptsTotal.WithLabelValues(b.Kind, "success").Inc()
			return true
		}
		if !retryable {
			// Every endpoint rejected the batch with a non-retryable 4xx:
			// retrying an unchanged request would just repeat the failure.
			metrics.ExportAttemptsTotal.WithLabelValues(b.Kind, "failure").Inc()
			return false
		}
	}
	metrics.ExportAttemptsTotal.WithLabelValues(b.Kind, "failure").Inc()
	return false
}

// attemptEndpoints issues one concurrent round of sends across every
// endpoint in a BackendSpec. It returns success as soon as any endpoint
// accepts the batch, and retryable=true if at least one failure looks
// transient (connection error, 429, or 5xx) and is worth a retry round.
func (e *Exporter) attemptEndpoints(ctx context.Context, sender httpSender, endpoints []string, body []byte) (success, retryable bool) {
	type outcome struct {
		ok     bool
		status int
		err    error
		ep     string
	}
	results := make(chan outcome, len(endpoints))
	for _, ep := range endpoints {
		go func(ep string) {
			status, err := sender.send(ctx, ep, body)
			results <- outcome{ok: err == nil, status: status, err: err, ep: ep}
		}(ep)
	}

	for range endpoints {
		o := <-results
		if o.ok {
			success = true
			continue
		}
		e.logger.WithError(o.err).WithField("endpoint", o.ep).Debug("export: endpoint attempt failed")
		if o.status == 0 || retryableStatus(o.status) {
			retryable = true
		}
	}
	return success, retryable
}

func (e *Exporter) serializeFor(kind string, batch []record.LogRecord) (httpSender, []byte, error) {
	if kind == "LOKI" {
		body, err := e.loki.serialize(batch)
		return e.loki, body, err
	}
	body, err := e.generic.serialize(batch)
	return e.generic, body, err
}

func (e *Exporter) deliverKafka(b config.BackendSpec, batch []record.LogRecord) bool {
	recs, err := e.kafka.serialize(batch)
	if err != nil {
		e.logger.WithError(err).Error("export: failed to serialize Kafka batch")
		return false
	}
	keys := make([]string, len(batch))
	for i, r := range batch {
		keys[i] = r.SourceID.Filepath
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffFor(attempt - 1))
		}
		if err := e.kafka.send(b.Endpoints, recs, keys); err != nil {
			e.logger.WithError(xerrors.New(xerrors.ClassTransient, "export.kafka", "send", err)).
				Debug("export: kafka send attempt failed")
			continue
		}
		metrics.ExportAttemptsTotal.WithLabelValues("KAFKA", "success").Inc()
		return true
	}
	metrics.ExportAttemptsTotal.WithLabelValues("KAFKA", "failure").Inc()
	return false
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
