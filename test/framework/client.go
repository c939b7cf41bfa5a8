package framework

import (
	"context"
	"fmt"

	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/types"
)

// Client wraps a cluster's store with the job-submission and inspection
// helpers a test needs, the same role cmd/themisctl's job subcommands play
// for an operator.
type Client struct {
	store store.Store
}

// NewClient wraps st for test use.
func NewClient(st store.Store) *Client {
	return &Client{store: st}
}

// SubmitJob pushes a single job spec onto the job queue and returns the
// name that cluster-coordinator ingest admits it under.
func (c *Client) SubmitJob(ctx context.Context, spec types.JobSpec) error {
	return c.SubmitJobs(ctx, []types.JobSpec{spec})
}

// SubmitJobs pushes every spec as one atomic submission (§6.1): the cluster
// coordinator admits or rejects the whole group together.
func (c *Client) SubmitJobs(ctx context.Context, specs []types.JobSpec) error {
	return c.store.PushJobGroup(ctx, specs)
}

// JobIDByName resolves a submitted job's name to the id the coordinator
// assigned it at admission, failing if ingest hasn't run yet.
func (c *Client) JobIDByName(ctx context.Context, name string) (int64, error) {
	id, ok, err := c.store.LookupJobIDByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("looking up job %q: %w", name, err)
	}
	if !ok {
		return 0, fmt.Errorf("no job named %q has been admitted yet", name)
	}
	return id, nil
}

// Job fetches the current record for a job by name.
func (c *Client) Job(ctx context.Context, name string) (types.Job, error) {
	id, err := c.JobIDByName(ctx, name)
	if err != nil {
		return types.Job{}, err
	}
	return c.store.GetJobInfo(ctx, id)
}

// NodeFailedDisks returns the disks the cluster coordinator has permanently
// marked failed on hostname.
func (c *Client) NodeFailedDisks(ctx context.Context, hostname string) ([]string, error) {
	return c.store.FailedDisks(ctx, hostname)
}

// RecoveringPartitions returns the partition ranges queued for a job's
// recovery, written by clustercoord's disk/node recovery planning.
func (c *Client) RecoveringPartitions(ctx context.Context, jobID int64) ([]types.RecoveryPartitionRange, error) {
	return c.store.RecoveringPartitions(ctx, jobID)
}
