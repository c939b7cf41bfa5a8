package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "themis_nodes_total",
			Help: "Total number of known nodes by liveness status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "themis_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	BatchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "themis_batches_total",
			Help: "Total number of batches by status",
		},
		[]string{"status"},
	)

	// Liveness sweep metrics
	LivenessSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_liveness_sweep_duration_seconds",
			Help:    "Time taken for a cluster-coordinator liveness sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	LivenessSweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_liveness_sweep_cycles_total",
			Help: "Total number of cluster-coordinator main loop iterations completed",
		},
	)

	NodeDeathsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_node_deaths_total",
			Help: "Total number of keepalive-expiry node deaths detected",
		},
	)

	// Discovery / planning metrics
	DiscoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_discovery_duration_seconds",
			Help:    "Time taken to enumerate a job's input files across live nodes",
			Buckets: prometheus.DefBuckets,
		},
	)

	DiscoveryCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_discovery_circuit_open_total",
			Help: "Total number of times a per-host discovery circuit breaker tripped open",
		},
		[]string{"host"},
	)

	ReadRequestsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_read_requests_enqueued_total",
			Help: "Total number of read requests enqueued by phase",
		},
		[]string{"phase"},
	)

	ReadRequestQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "themis_read_request_queue_depth",
			Help: "Current depth of a (host, worker) read-request queue",
		},
		[]string{"host", "worker"},
	)

	// Batch dispatch / phase metrics
	BatchDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_batch_dispatch_duration_seconds",
			Help:    "Time taken to plan and dispatch a new batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "themis_phase_duration_seconds",
			Help:    "Elapsed wall time of a batch phase, from dispatch to quorum completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"phase"},
	)

	BatchesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_batches_completed_total",
			Help: "Total number of batches finalized successfully",
		},
	)

	BatchesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_batches_failed_total",
			Help: "Total number of batches that failed",
		},
	)

	// Job throughput metrics
	JobThroughputMBps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_job_throughput_mbps",
			Help:    "Completed job throughput in megabytes per second",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	JobRuntimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "themis_job_runtime_seconds",
			Help:    "Completed job wall-clock runtime in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// Recovery metrics
	RecoveryPlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_recovery_plans_total",
			Help: "Total number of recovery plans computed, by trigger",
		},
		[]string{"trigger"}, // "node" or "disk"
	)

	RecoveryPartitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_recovery_partitions_total",
			Help: "Total number of logical partitions registered for recovery",
		},
	)

	// Node coordinator metrics
	SubprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "themis_dataplane_subprocess_duration_seconds",
			Help:    "Time taken by a data-plane subprocess invocation",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"phase"},
	)

	SubprocessFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_dataplane_subprocess_failures_total",
			Help: "Total number of non-zero data-plane subprocess exits, by phase",
		},
		[]string{"phase"},
	)

	KeepaliveRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_keepalive_refresh_total",
			Help: "Total number of keepalive refreshes written by this node coordinator",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(LivenessSweepDuration)
	prometheus.MustRegister(LivenessSweepCyclesTotal)
	prometheus.MustRegister(NodeDeathsTotal)
	prometheus.MustRegister(DiscoveryDuration)
	prometheus.MustRegister(DiscoveryCircuitOpenTotal)
	prometheus.MustRegister(ReadRequestsEnqueuedTotal)
	prometheus.MustRegister(ReadRequestQueueDepth)
	prometheus.MustRegister(BatchDispatchDuration)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(BatchesCompletedTotal)
	prometheus.MustRegister(BatchesFailedTotal)
	prometheus.MustRegister(JobThroughputMBps)
	prometheus.MustRegister(JobRuntimeSeconds)
	prometheus.MustRegister(RecoveryPlansTotal)
	prometheus.MustRegister(RecoveryPartitionsTotal)
	prometheus.MustRegister(SubprocessDuration)
	prometheus.MustRegister(SubprocessFailuresTotal)
	prometheus.MustRegister(KeepaliveRefreshTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
