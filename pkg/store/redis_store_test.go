package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	s, _ := newTestStoreWithMiniredis(t)
	return s
}

// newTestStoreWithMiniredis also returns the miniredis server, whose TTLs
// only advance through FastForward, never with wall-clock time.
func newTestStoreWithMiniredis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestKeepaliveLivenessExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStoreWithMiniredis(t)

	require.NoError(t, s.CreateKeepalive(ctx, "node-a", 123, 50*time.Millisecond))

	live, err := s.IsLive(ctx, "node-a")
	require.NoError(t, err)
	require.True(t, live)

	mr.FastForward(75 * time.Millisecond)

	live, err = s.IsLive(ctx, "node-a")
	require.NoError(t, err)
	require.False(t, live)

	err = s.RefreshKeepalive(ctx, "node-a", time.Second)
	require.ErrorIs(t, err, themiserr.ErrNodeDead)
}

func TestKeepaliveRefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStoreWithMiniredis(t)

	require.NoError(t, s.CreateKeepalive(ctx, "node-a", 1, 50*time.Millisecond))
	require.NoError(t, s.RefreshKeepalive(ctx, "node-a", 200*time.Millisecond))

	mr.FastForward(75 * time.Millisecond)
	live, err := s.IsLive(ctx, "node-a")
	require.NoError(t, err)
	require.True(t, live, "refreshed keepalive should outlive the original timeout")
}

func TestNodesLiveAndDead(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStoreWithMiniredis(t)

	require.NoError(t, s.CreateKeepalive(ctx, "node-a", 1, time.Minute))
	require.NoError(t, s.CreateKeepalive(ctx, "node-b", 1, 10*time.Millisecond))
	mr.FastForward(25 * time.Millisecond)

	live, err := s.LiveNodes(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"node-a"}, live)

	dead, err := s.DeadNodes(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"node-b"}, dead)
}

func TestUpdateJobStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := types.Job{ID: 1, Name: "sort-job", Status: types.JobStatusInProgress}
	require.NoError(t, s.SetJobInfo(ctx, job))

	err := s.UpdateJobStatus(ctx, 1, types.JobStatusInProgress, types.JobStatusComplete, func(j *types.Job) {
		j.ThroughputMBps = 42.5
	})
	require.NoError(t, err)

	got, err := s.GetJobInfo(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusComplete, got.Status)
	require.Equal(t, 42.5, got.ThroughputMBps)

	// A second transition away from In Progress must reject: the job is
	// already terminal.
	err = s.UpdateJobStatus(ctx, 1, types.JobStatusInProgress, types.JobStatusFailed, nil)
	require.ErrorIs(t, err, themiserr.ErrTerminalStatus)

	id, ok, err := s.LookupJobIDByName(ctx, "sort-job")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), id)
}

func TestBlockingPopJobGroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	specs := []types.JobSpec{{JobName: "a"}, {JobName: "b"}}
	require.NoError(t, s.PushJobGroup(ctx, specs))

	got, ok, err := s.BlockingPopJobGroup(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, specs, got)

	_, ok, err = s.BlockingPopJobGroup(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchRemainingSetAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetBatchRemaining(ctx, 7, []string{"a", "b", "c"}))
	require.NoError(t, s.RemoveBatchRemaining(ctx, 7, "b"))

	remaining, err := s.BatchRemaining(ctx, 7)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, remaining)
}

func TestBatchQueueBlockingPop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PushBatchQueue(ctx, "node-a", 9))

	id, ok, err := s.BlockingPopBatchQueue(ctx, "node-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(9), id)
}

func TestIntermediateDisksExcludesFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterNode(ctx, types.Node{
		Hostname:          "node-a",
		IPv4Address:       "10.0.0.1",
		IntermediateDisks: []string{"/disk0", "/disk1", "/disk2"},
	}))
	require.NoError(t, s.MarkDiskFailed(ctx, "node-a", "/disk1"))

	disks, err := s.IntermediateDisks(ctx, "node-a")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/disk0", "/disk2"}, disks)

	failed, err := s.FailedDisks(ctx, "node-a")
	require.NoError(t, err)
	require.Equal(t, []string{"/disk1"}, failed)
}

func TestPhaseCompletionDrain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PhaseCompleted(ctx, 3, "10.0.0.1", types.PhaseZero))
	require.NoError(t, s.PhaseCompleted(ctx, 3, "10.0.0.2", types.PhaseZero))

	hosts, err := s.DrainPhaseCompletions(ctx, 3, types.PhaseZero)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, hosts)

	again, err := s.DrainPhaseCompletions(ctx, 3, types.PhaseZero)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestBarrierMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateBarrier(ctx, "phase_one_done", types.PhaseOne, 1, 1, []string{"a", "b"}, time.Minute))
	require.NoError(t, s.RemoveBarrierMember(ctx, "phase_one_done", types.PhaseOne, 1, 1, "a"))

	members, err := s.BarrierMembers(ctx, "phase_one_done", types.PhaseOne, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestReadRequestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	reqs := []types.ReadRequest{{Type: types.RequestTypeRead, JobIDs: []int64{1}, Path: "/a", Length: 10}}
	require.NoError(t, s.AddReadRequests(ctx, "10.0.0.1", 0, reqs))

	names, err := s.ReadRequestQueueNames(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, names, 1)

	n, err := s.ReadRequestQueueLength(ctx, "10.0.0.1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, ok, err := s.BlockingPopReadRequest(ctx, "10.0.0.1", 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reqs[0], got)

	require.NoError(t, s.FlushReadRequestQueue(ctx, "10.0.0.1", 0))
	names, err = s.ReadRequestQueueNames(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestFailureReportDrain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReportFailure(ctx, types.FailureReport{Hostname: "node-a", BatchID: 1, Disk: "/disk0"}))
	require.NoError(t, s.ReportFailure(ctx, types.FailureReport{Hostname: "node-b", BatchID: 1, Message: "timeout"}))

	reports, err := s.DrainFailureReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "node-a", reports[0].Hostname)
	require.Equal(t, "node-b", reports[1].Hostname)
}

func TestPingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PushPingRequest(ctx, "node-a"))
	got, err := s.BlockingWaitForPingRequest(ctx, "node-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, s.PushPingReply(ctx, "node-a", []string{"node-c"}))
}

func TestRecoveringPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddRecoveryPartitionRange(ctx, 5, types.RecoveryPartitionRange{Start: 0, Stop: 100}))
	require.NoError(t, s.AddRecoveryPartitionRange(ctx, 5, types.RecoveryPartitionRange{Start: 100, Stop: 200}))

	ranges, err := s.RecoveringPartitions(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []types.RecoveryPartitionRange{{Start: 0, Stop: 100}, {Start: 100, Stop: 200}}, ranges)
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddJobsToBatch(ctx, 1, []int64{10, 11}))
	jobs, err := s.GetBatchJobs(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11}, jobs)

	require.NoError(t, s.MarkBatchIncomplete(ctx, 1))
	incomplete, err := s.IncompleteBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, incomplete)

	require.NoError(t, s.MarkBatchFailed(ctx, 1))
	incomplete, err = s.IncompleteBatches(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)
	failed, err := s.FailedBatches(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, failed)
}
