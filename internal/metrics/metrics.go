// Package metrics exposes SLE's Prometheus metrics and a small
// gorilla/mux HTTP server serving /metrics and /healthz: one router,
// endpoints attached individually. Host CPU, RSS, open file descriptor,
// and WAL-volume free-space gauges are refreshed on a periodic sampling
// loop built on gopsutil.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	RecordsAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sle_records_admitted_total",
		Help: "Total records accepted into the queue, by service and category.",
	}, []string{"service", "category"})

	RecordsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sle_records_dropped_total",
		Help: "Total records discarded, by stage and reason.",
	}, []string{"stage", "reason"})

	RateLimitRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sle_rate_limit_rejected_total",
		Help: "Total records rejected by the per-source rate limiter.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_queue_depth",
		Help: "Current number of records held in the central queue.",
	})

	QueueClearedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sle_queue_cleared_total",
		Help: "Number of times the legacy clear-on-overflow queue was cleared.",
	})

	WALSegmentsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sle_wal_segments_written_total",
		Help: "Total WAL segments written to disk.",
	})

	WALSegmentsReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sle_wal_segments_replayed_total",
		Help: "Total WAL segments recovered at startup.",
	})

	ExportAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sle_export_attempts_total",
		Help: "Total export attempts, by backend kind and outcome.",
	}, []string{"kind", "outcome"})

	ExportBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sle_export_batch_size",
		Help:    "Size of batches handed to the exporter.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	WatchersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sle_watchers_active",
		Help: "Number of active file/journal watchers.",
	}, []string{"kind"})

	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_host_cpu_percent",
		Help: "Host CPU utilization percentage, sampled each collection tick.",
	})

	HostMemoryHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_host_memory_heap_bytes",
		Help: "Go runtime heap allocation in bytes.",
	})

	HostGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_host_goroutines",
		Help: "Current number of goroutines.",
	})

	HostRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_host_rss_bytes",
		Help: "Resident set size of the sle process in bytes.",
	})

	HostOpenFDs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_host_open_fds",
		Help: "Number of open file descriptors held by the sle process.",
	})

	WALDiskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sle_wal_disk_free_bytes",
		Help: "Free space on the filesystem backing the WAL directory.",
	})
)

// Server serves /metrics and /healthz and periodically samples host
// resource gauges.
type Server struct {
	logger   *logrus.Logger
	http     *http.Server
	walDir   string
	self     *process.Process
	lastCPU  cpu.TimesStat
	lastSeen time.Time
	stop     chan struct{}
}

// NewServer builds a metrics server bound to addr (e.g. ":9090"). It does
// not start listening until Start is called. walDir is sampled for free
// disk space on each collection tick; pass "" to skip that gauge.
func NewServer(addr, walDir string, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{logger: logger, walDir: walDir, stop: make(chan struct{})}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = proc
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start launches the HTTP server and the host-metrics sampling loop in
// background goroutines. It returns immediately.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics: server exited unexpectedly")
		}
	}()
	go s.sampleLoop()
}

// Stop shuts the HTTP server down and stops host-metrics sampling.
func (s *Server) Stop(ctx context.Context) {
	close(s.stop)
	_ = s.http.Shutdown(ctx)
}

func (s *Server) sampleLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Server) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	HostMemoryHeapBytes.Set(float64(m.HeapAlloc))
	HostGoroutines.Set(float64(runtime.NumGoroutine()))

	if s.self != nil {
		if mem, err := s.self.MemoryInfo(); err == nil && mem != nil {
			HostRSSBytes.Set(float64(mem.RSS))
		}
		if fds, err := s.self.NumFDs(); err == nil {
			HostOpenFDs.Set(float64(fds))
		}
	}

	if s.walDir != "" {
		if usage, err := disk.Usage(s.walDir); err == nil {
			WALDiskFreeBytes.Set(float64(usage.Free))
		}
	}

	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}
	if !s.lastSeen.IsZero() {
		total := times[0].Total() - s.lastCPU.Total()
		idle := times[0].Idle - s.lastCPU.Idle
		if total > 0 {
			HostCPUPercent.Set(100.0 * (total - idle) / total)
		}
	}
	s.lastCPU = times[0]
	s.lastSeen = time.Now()
}
