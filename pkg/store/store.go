// Package store wraps the coordination store (spec.md §4.1, C1) behind an
// interface named after the domain operations every other component needs,
// keeping the underlying Redis key schema private to this package (per
// spec.md §9's design note).
package store

import (
	"context"
	"time"

	"github.com/cuemby/themis/pkg/types"
)

// Store is the coordination store's domain-operation interface. The sole
// implementation is RedisStore; tests may run it against miniredis.
type Store interface {
	// Node membership and disk topology.
	RegisterNode(ctx context.Context, node types.Node) error
	Nodes(ctx context.Context) ([]string, error)
	LiveNodes(ctx context.Context) ([]string, error)
	DeadNodes(ctx context.Context) ([]string, error)
	IPv4Address(ctx context.Context, hostname string) (string, error)
	HostnameForIP(ctx context.Context, ip string) (string, error)
	Interfaces(ctx context.Context, hostname string) ([]string, error)
	InputDisks(ctx context.Context, hostname string) ([]string, error)
	IntermediateDisks(ctx context.Context, hostname string) ([]string, error)
	FailedDisks(ctx context.Context, hostname string) ([]string, error)
	MarkDiskFailed(ctx context.Context, hostname, disk string) error

	// Keepalive.
	CreateKeepalive(ctx context.Context, hostname string, pid int, timeout time.Duration) error
	RefreshKeepalive(ctx context.Context, hostname string, timeout time.Duration) error
	IsLive(ctx context.Context, hostname string) (bool, error)

	// Job queue and job info.
	NextJobID(ctx context.Context) (int64, error)
	NextBatchID(ctx context.Context) (int64, error)
	PushJobGroup(ctx context.Context, specs []types.JobSpec) error
	BlockingPopJobGroup(ctx context.Context, timeout time.Duration) ([]types.JobSpec, bool, error)
	ClearJobQueue(ctx context.Context) error
	SetJobInfo(ctx context.Context, job types.Job) error
	GetJobInfo(ctx context.Context, id int64) (types.Job, error)
	LookupJobIDByName(ctx context.Context, name string) (int64, bool, error)
	SetJobParams(ctx context.Context, id int64, params map[string]any) error
	GetJobParams(ctx context.Context, id int64) (map[string]any, error)
	SetRecoveryInfo(ctx context.Context, jobID, recoveringJobID int64) error
	GetRecoveryInfo(ctx context.Context, jobID int64) (int64, bool, error)
	UpdateJobStatus(ctx context.Context, id int64, preStatus, postStatus types.JobStatus, mutate func(*types.Job)) error
	SetBoundaryListFile(ctx context.Context, jobID int64, path string) error
	GetBoundaryListFile(ctx context.Context, jobID int64) (string, bool, error)
	SetLogicalDiskCountsFile(ctx context.Context, jobID int64, hostname, path string) error
	GetLogicalDiskCountsFile(ctx context.Context, jobID int64, hostname string) (string, bool, error)

	// Batch lifecycle.
	AddJobsToBatch(ctx context.Context, batchID int64, jobIDs []int64) error
	GetBatchJobs(ctx context.Context, batchID int64) ([]int64, error)
	MarkBatchIncomplete(ctx context.Context, batchID int64) error
	MarkBatchFailed(ctx context.Context, batchID int64) error
	MarkBatchComplete(ctx context.Context, batchID int64) error
	IncompleteBatches(ctx context.Context) ([]int64, error)
	FailedBatches(ctx context.Context) ([]int64, error)
	SetBatchRemaining(ctx context.Context, batchID int64, hostnames []string) error
	RemoveBatchRemaining(ctx context.Context, batchID int64, hostname string) error
	BatchRemaining(ctx context.Context, batchID int64) ([]string, error)
	PushBatchQueue(ctx context.Context, hostname string, batchID int64) error
	BlockingPopBatchQueue(ctx context.Context, hostname string, timeout time.Duration) (int64, bool, error)
	ClearBatchQueue(ctx context.Context, hostname string) error

	// Phase completion and barriers.
	PhaseCompleted(ctx context.Context, batchID int64, hostIP string, phase types.Phase) error
	DrainPhaseCompletions(ctx context.Context, batchID int64, phase types.Phase) ([]string, error)
	CreateBarrier(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64, members []string, ttl time.Duration) error
	RemoveBarrierMember(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64, hostname string) error
	BarrierMembers(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64) ([]string, error)

	// Read-request queues.
	AddReadRequests(ctx context.Context, hostIP string, workerID int, requests []types.ReadRequest) error
	BlockingPopReadRequest(ctx context.Context, hostIP string, workerID int, timeout time.Duration) (types.ReadRequest, bool, error)
	ReadRequestQueueNames(ctx context.Context, hostIP string) ([]string, error)
	ReadRequestQueueLength(ctx context.Context, hostIP string, workerID int) (int64, error)
	FlushReadRequestQueue(ctx context.Context, hostIP string, workerID int) error

	// Failure reports.
	ReportFailure(ctx context.Context, report types.FailureReport) error
	DrainFailureReports(ctx context.Context) ([]types.FailureReport, error)

	// Ping/liveness round trip (§4.4 step 1).
	PushPingRequest(ctx context.Context, hostname string) error
	BlockingWaitForPingRequest(ctx context.Context, hostname string, timeout time.Duration) (bool, error)
	PushPingReply(ctx context.Context, hostname string, unreachable []string) error
	BlockingPopPingReply(ctx context.Context, hostname string, timeout time.Duration) ([]string, bool, error)

	// KeepalivePID reads back the pid a node coordinator registered with
	// CreateKeepalive, used to signal it during teardown.
	KeepalivePID(ctx context.Context, hostname string) (int, error)

	// Recovery.
	AddRecoveryPartitionRange(ctx context.Context, jobID int64, r types.RecoveryPartitionRange) error
	RecoveringPartitions(ctx context.Context, jobID int64) ([]types.RecoveryPartitionRange, error)

	Close() error
}
