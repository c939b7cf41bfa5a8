package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/dataplane"
	"github.com/cuemby/themis/pkg/types"
	"github.com/cuemby/themis/test/framework"
)

// blockingAfterZeroRunner behaves like diskCountsRunner for every phase
// except blockPhase, where it hangs until its context is cancelled —
// standing in for a node whose data-plane subprocess never returns because
// the host died partway through that phase.
type blockingAfterZeroRunner struct {
	*diskCountsRunner
	blockPhase string
}

func (r *blockingAfterZeroRunner) run(ctx context.Context, inv dataplane.Invocation) error {
	if inv.Phase == r.blockPhase {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.diskCountsRunner.run(ctx, inv)
}

// TestS3NodeDeathMidBatchPlansRecovery covers scenario S3: a node that dies
// after completing phase zero but before finishing phase one leaves its
// batch incomplete; the cluster coordinator detects the death, fails the
// batch, and plans recovery partitions for the dead node's share of work.
func TestS3NodeDeathMidBatchPlansRecovery(t *testing.T) {
	cl, err := framework.NewCluster(t, framework.ClusterConfig{
		NumNodes:     2,
		DisksPerNode: 1,
		Config: config.Cluster{
			KeepaliveTimeout: 300 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	ips := nodeIPs(cl)
	node1, err := cl.NodeByHostname("node1")
	require.NoError(t, err)
	node2, err := cl.NodeByHostname("node2")
	require.NoError(t, err)

	node1.Coordinator.WithDataPlaneRunner((&diskCountsRunner{nodeIPs: ips, disksPerNode: 1}).run)
	dyingRunner := &blockingAfterZeroRunner{
		diskCountsRunner: &diskCountsRunner{nodeIPs: ips, disksPerNode: 1},
		blockPhase:       string(types.PhaseOne),
	}
	node2.Coordinator.WithDataPlaneRunner(dyingRunner.run)

	ctx := startCluster(t, cl)
	writeJobInput(t, cl, "job1-input", "part-00000", []byte("payload\n"))

	client := cl.Client()
	require.NoError(t, client.SubmitJob(ctx, types.JobSpec{
		JobName:               "job1",
		InputDirectory:        "job1-input",
		OutputDirectory:       "job1-output",
		IntermediateDirectory: "job1-intermediate",
		MapFunction:           "identity_map",
		ReduceFunction:        "identity_reduce",
		PartitionFunction:     "default_partition",
	}))

	waiter := newWaiter()
	require.NoError(t, waiter.WaitForJobBatchAssigned(ctx, client, "job1"))
	jobID, err := client.JobIDByName(ctx, "job1")
	require.NoError(t, err)

	// Wait for node2 to have registered its phase-zero logical disk counts
	// file before treating it as dead: planNodeRecovery needs that artifact
	// to exist for the host being recovered.
	require.NoError(t, waiter.WaitFor(ctx, func() bool {
		_, ok, err := cl.Store.GetLogicalDiskCountsFile(ctx, jobID, "node2")
		return err == nil && ok
	}, "node2 to register its phase-zero logical disk counts file"))

	node2.Coordinator.Stop()

	require.NoError(t, waiter.WaitForJobFailed(ctx, client, "job1"))

	assertions := framework.NewAssertions(t)
	assertions.JobFailed(ctx, client, "job1", "")
	require.NoError(t, waiter.WaitForRecoveringPartitions(ctx, client, jobID, 1))

	ranges, err := client.RecoveringPartitions(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, ranges, "node2's share of the partition space must be queued for recovery")
}

// TestS4DiskFailureExcludesDiskFromFutureBatches covers scenario S4: a
// data-plane subprocess reporting a disk failure fails the batch, plans
// recovery for that disk's partitions, and permanently marks the disk
// failed so later batches are dispatched without it.
func TestS4DiskFailureExcludesDiskFromFutureBatches(t *testing.T) {
	cl, err := framework.NewCluster(t, framework.ClusterConfig{
		NumNodes:     2,
		DisksPerNode: 1,
	})
	require.NoError(t, err)

	ips := nodeIPs(cl)
	node1, err := cl.NodeByHostname("node1")
	require.NoError(t, err)
	node2, err := cl.NodeByHostname("node2")
	require.NoError(t, err)

	failedDisk := node1.IntermediateDisks[0]
	runner1 := &diskCountsRunner{
		nodeIPs:      ips,
		disksPerNode: 1,
		failDisk:     map[string]string{"node1:" + string(types.PhaseOne): failedDisk},
	}
	node1.Coordinator.WithDataPlaneRunner(runner1.run)
	node2.Coordinator.WithDataPlaneRunner((&diskCountsRunner{nodeIPs: ips, disksPerNode: 1}).run)

	ctx := startCluster(t, cl)
	writeJobInput(t, cl, "job1-input", "part-00000", []byte("payload\n"))

	client := cl.Client()
	require.NoError(t, client.SubmitJob(ctx, types.JobSpec{
		JobName:               "job1",
		InputDirectory:        "job1-input",
		OutputDirectory:       "job1-output",
		IntermediateDirectory: "job1-intermediate",
		MapFunction:           "identity_map",
		ReduceFunction:        "identity_reduce",
		PartitionFunction:     "default_partition",
	}))

	waiter := newWaiter()
	require.NoError(t, waiter.WaitForJobBatchAssigned(ctx, client, "job1"))
	jobID, err := client.JobIDByName(ctx, "job1")
	require.NoError(t, err)
	require.NoError(t, waiter.WaitForJobFailed(ctx, client, "job1"))
	// Recovery planning and the disk mark follow the job's failure; the mark
	// comes last, so wait for it before asserting on either.
	require.NoError(t, waiter.WaitForDiskFailed(ctx, client, "node1", failedDisk))

	assertions := framework.NewAssertions(t)
	assertions.JobFailed(ctx, client, "job1", "")
	assertions.DiskFailed(ctx, client, "node1", failedDisk)

	ranges, err := client.RecoveringPartitions(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, ranges, "the failed disk's partitions must be queued for recovery")
}
