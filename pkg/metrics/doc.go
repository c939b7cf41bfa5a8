/*
Package metrics provides Prometheus metrics collection and exposition for
Themis.

The metrics package defines and registers every Themis metric using the
Prometheus client library, giving observability into node liveness, job
and batch progress, phase latency, discovery and recovery, and the
data-plane subprocess contract. Metrics are exposed over HTTP for
scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: instant values (nodes_total)        │          │
	│  │  Counter: monotonic increases (deaths_total)│          │
	│  │  Histogram: distributions (phase_duration)  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Groups                     │          │
	│  │                                              │          │
	│  │  Cluster: nodes/jobs/batches by status      │          │
	│  │  Liveness: sweep duration, node deaths      │          │
	│  │  Discovery/planning: scan duration, circuit │          │
	│  │    breaker trips, read-request queue depth  │          │
	│  │  Batch/phase: dispatch and phase duration,  │          │
	│  │    completions, failures                    │          │
	│  │  Job throughput: MB/s, runtime              │          │
	│  │  Recovery: plans computed, partitions queued│          │
	│  │  Node coordinator: subprocess duration and  │          │
	│  │    failures, keepalive refreshes            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Exposition                    │          │
	│  │  - metrics.Handler() → promhttp.Handler()   │          │
	│  │  - Mounted by cmd/themisctl's               │          │
	│  │    cluster-coordinator at --metrics-addr    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics

Cluster state (gauges, labeled by status):

  - themis_nodes_total: known nodes by liveness status
  - themis_jobs_total: jobs by status
  - themis_batches_total: batches by status

Liveness sweeps:

  - themis_liveness_sweep_duration_seconds: one main-loop liveness sweep
  - themis_liveness_sweep_cycles_total: main loop iterations completed
  - themis_node_deaths_total: keepalive-expiry deaths detected

Discovery and planning:

  - themis_discovery_duration_seconds: one job's file-discovery pass
  - themis_discovery_circuit_open_total{host}: per-host breaker trips
  - themis_read_requests_enqueued_total{phase}: read requests enqueued
  - themis_read_request_queue_depth{host,worker}: queue depth

Batch dispatch and phase execution:

  - themis_batch_dispatch_duration_seconds: plan-and-dispatch latency
  - themis_phase_duration_seconds{phase}: dispatch-to-quorum latency
  - themis_batches_completed_total / themis_batches_failed_total

Job throughput:

  - themis_job_throughput_mbps: completed job throughput
  - themis_job_runtime_seconds: completed job wall-clock runtime

Recovery:

  - themis_recovery_plans_total{trigger}: plans computed ("node" or "disk")
  - themis_recovery_partitions_total: partitions queued for recovery

Node coordinator / data plane:

  - themis_dataplane_subprocess_duration_seconds{phase}
  - themis_dataplane_subprocess_failures_total{phase}
  - themis_keepalive_refresh_total

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	err := runBatch(ctx)
	timer.ObserveDurationVec(metrics.PhaseDuration, string(phase))

Updating a gauge:

	metrics.NodesTotal.WithLabelValues("live").Set(float64(liveCount))
	metrics.NodesTotal.WithLabelValues("dead").Set(float64(deadCount))

Mounting the HTTP endpoint:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

# Integration Points

  - pkg/clustercoord: liveness sweep, node death, batch dispatch, phase
    completion, recovery planning, job throughput
  - pkg/nodecoord: keepalive refresh, data-plane subprocess duration and
    failures
  - pkg/discovery: discovery duration, circuit breaker trips
  - pkg/planner: read requests enqueued (ReadRequestQueueDepth is
    registered, but no package sets it)
  - cmd/themisctl: mounts metrics.Handler() (and the health handlers in
    health.go) on the cluster coordinator's metrics HTTP server

# Health Checks

health.go provides a small, separate component-health tracker
(RegisterComponent, GetHealth, GetReadiness) exposed via HealthHandler,
ReadyHandler, and LivenessHandler. The only component every Themis
process needs healthy to be ready is "store" — the coordination store
connection — registered by cmd/themisctl once it opens the store.
*/
package metrics
