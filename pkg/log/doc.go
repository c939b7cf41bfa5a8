/*
Package log provides structured logging for Themis using zerolog.

The log package wraps zerolog to give every coordinator process JSON or
console-formatted logs with component-specific child loggers, a
configurable level, and a small set of package-level helpers for the
common case of logging without a logger in scope.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("nodecoord")               │          │
	│  │  - WithNodeID("node7")                      │          │
	│  │  - WithJobID(42)                            │          │
	│  │  - WithBatchID(7)                           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "clustercoord",             │          │
	│  │    "job_id": 42,                            │          │
	│  │    "time": "2026-07-30T10:30:00Z",          │          │
	│  │    "message": "batch dispatched"            │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-30T10:30:00Z INF batch dispatched component=clustercoord job_id=42 │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), typically in cmd/themisctl's
    cobra.OnInitialize hook
  - Accessible from every Themis package without being passed around

Log Levels:
  - Debug: per-phase parameter dumps, shell-out argument lists
  - Info: lifecycle events (node up/down, batch dispatched, job completed)
  - Warn: recoverable conditions (keepalive miss, disk-count mismatch)
  - Error: operation failures (phase run failed, store write failed)
  - Fatal: unrecoverable startup errors (store unreachable at boot)

Context Loggers:
  - WithComponent: tags every log line with the owning package
    ("nodecoord", "clustercoord", "discovery", "dataplane")
  - WithNodeID: tags logs with the originating hostname
  - WithJobID: tags logs with the job these phases belong to
  - WithBatchID: tags logs with the batch a phase run belongs to

# Usage

Initializing the logger:

	import "github.com/cuemby/themis/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Simple logging:

	log.Info("cluster coordinator running")
	log.Debug("checking node liveness")
	log.Warn("keepalive refresh missed deadline")
	log.Error("phase one subprocess failed")

Structured logging:

	log.Logger.Info().
		Int64("job_id", job.ID).
		Int64("batch_id", batch.ID).
		Msg("batch dispatched")

	log.Logger.Error().
		Err(err).
		Str("hostname", hostname).
		Msg("data-plane subprocess failed")

Context loggers:

	nodeLog := log.WithNodeID(hostname)
	nodeLog.Info().Msg("node registered")

	jobLog := log.WithJobID(job.ID).With().Int64("batch_id", batch.ID).Logger()
	jobLog.Info().Msg("phase one starting")
	jobLog.Error().Err(err).Msg("phase one failed")

# Integration Points

This package is used throughout:

  - pkg/nodecoord: logs keepalive refreshes, phase execution, and
    failure reports, tagged with WithComponent("nodecoord") and a host field
  - pkg/clustercoord: logs node liveness sweeps, batch dispatch, phase
    completion, recovery planning, tagged with WithComponent("clustercoord"),
    and with WithBatchID during batch dispatch
  - pkg/discovery: logs per-host file discovery outcomes
  - pkg/dataplane: logs subprocess start/exit and core-file capture
  - cmd/themisctl: calls log.Init once at startup from every subcommand

# Log Output Examples

JSON Format (production):

	{"level":"info","component":"clustercoord","job_id":42,"batch_id":7,"time":"2026-07-30T10:30:00Z","message":"batch dispatched"}
	{"level":"warn","component":"nodecoord","node_id":"node7","time":"2026-07-30T10:30:01Z","message":"keepalive refresh missed deadline"}
	{"level":"error","component":"nodecoord","node_id":"node7","job_id":42,"error":"disk failed","time":"2026-07-30T10:30:02Z","message":"phase one subprocess failed"}

Console Format (development):

	2026-07-30T10:30:00Z INF batch dispatched component=clustercoord job_id=42 batch_id=7
	2026-07-30T10:30:01Z WRN keepalive refresh missed deadline component=nodecoord node_id=node7
	2026-07-30T10:30:02Z ERR phase one subprocess failed component=nodecoord node_id=node7 job_id=42 error="disk failed"

# Best Practices

Do:
  - Use Info level in production, Debug only while troubleshooting
  - Tag logs with WithJobID/WithBatchID/WithNodeID wherever one is in scope
  - Log errors with .Err() so the error is structured, not interpolated

Don't:
  - Log the contents of job input/output data
  - Concatenate strings into the message; use typed fields instead
*/
package log
