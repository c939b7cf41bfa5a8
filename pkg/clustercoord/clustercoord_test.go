package clustercoord

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, _ := newTestStoreWithMiniredis(t)
	return st
}

func newTestStoreWithMiniredis(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStoreFromClient(client), mr
}

func registerNode(t *testing.T, st store.Store, hostname, ip string, intermediateDisks []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.RegisterNode(ctx, types.Node{
		Hostname:          hostname,
		IPv4Address:       ip,
		InterfaceIPs:      []string{ip},
		InputDisks:        []string{"/input0"},
		IntermediateDisks: intermediateDisks,
	}))
	require.NoError(t, st.CreateKeepalive(ctx, hostname, 1, time.Minute))
}

func testConfig(t *testing.T) config.Cluster {
	t.Helper()
	cfg := config.Default()
	cfg.LogDirectory = t.TempDir()
	cfg.MainLoopInterval = 10 * time.Millisecond
	cfg.KeepaliveTimeout = time.Second
	return cfg
}

type fakeDiscoverer struct {
	perHost   map[string]types.WorkerInputs
	totalSize int64
	err       error
}

func (f *fakeDiscoverer) ListInputs(ctx context.Context, inputDir string, cap int) (map[string]types.WorkerInputs, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.perHost, f.totalSize, nil
}

type fakeLauncher struct {
	started, stopped []string
}

func (f *fakeLauncher) Start(ctx context.Context, hostname string) error {
	f.started = append(f.started, hostname)
	return nil
}

func (f *fakeLauncher) Stop(ctx context.Context, hostname string, pid int) error {
	f.stopped = append(f.stopped, hostname)
	return nil
}

func newCoordinator(t *testing.T, st store.Store, discoverer Discoverer) *Coordinator {
	t.Helper()
	return New(st, testConfig(t), discoverer).WithLauncher(&fakeLauncher{})
}

func TestCheckNodeLivenessPlansRecoveryAndEnqueuesFailureOnDeath(t *testing.T) {
	st, mr := newTestStoreWithMiniredis(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})
	registerNode(t, st, "node2", "10.0.0.2", []string{"/mnt/a"})

	c := newCoordinator(t, st, &fakeDiscoverer{})

	require.NoError(t, c.checkNodeLiveness(ctx))
	require.True(t, c.presumedAlive["node1"])
	require.True(t, c.presumedAlive["node2"])

	require.NoError(t, st.AddJobsToBatch(ctx, 1, []int64{1}))
	require.NoError(t, st.SetBatchRemaining(ctx, 1, []string{"10.0.0.1", "10.0.0.2"}))
	require.NoError(t, st.MarkBatchIncomplete(ctx, 1))

	counts := types.LogicalDiskCounts{
		OrderedNodeList: []string{"10.0.0.1", "10.0.0.2"},
		PerNodeDisks: map[string][]int64{
			"10.0.0.1": {5},
			"10.0.0.2": {7},
		},
	}
	data, err := json.Marshal(counts)
	require.NoError(t, err)
	countsPath := filepath.Join(t.TempDir(), "logical_disk_counts.1")
	require.NoError(t, os.WriteFile(countsPath, data, 0o644))
	require.NoError(t, st.SetLogicalDiskCountsFile(ctx, 1, "node2", countsPath))

	// node2 goes silent: its keepalive key expires with no further refresh.
	mr.FastForward(2 * time.Minute)
	// node1 stays alive: its keepalive is written again after the fast-forward.
	require.NoError(t, st.CreateKeepalive(ctx, "node1", 1, time.Minute))

	require.NoError(t, c.checkNodeLiveness(ctx))

	reports, err := st.DrainFailureReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "node2", reports[0].Hostname)
	require.Contains(t, reports[0].Message, themiserr.ErrNodeDead.Error())

	ranges, err := st.RecoveringPartitions(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []types.RecoveryPartitionRange{{Start: 5, Stop: 11}}, ranges)
}

func TestHandleFailureReportsFailsBatchAndJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	c := newCoordinator(t, st, &fakeDiscoverer{})

	require.NoError(t, st.SetJobInfo(ctx, types.Job{ID: 1, Name: "job1", Status: types.JobStatusInProgress, BatchID: 9}))
	require.NoError(t, st.AddJobsToBatch(ctx, 9, []int64{1}))
	require.NoError(t, st.MarkBatchIncomplete(ctx, 9))

	require.NoError(t, st.ReportFailure(ctx, types.FailureReport{
		Hostname: "node1",
		BatchID:  9,
		Message:  "subprocess exploded",
		Disk:     "/mnt/a",
	}))

	require.NoError(t, c.handleFailureReports(ctx))

	job, err := st.GetJobInfo(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, job.Status)
	require.Equal(t, "subprocess exploded", job.FailMessage)

	failed, err := st.FailedBatches(ctx)
	require.NoError(t, err)
	require.Contains(t, failed, int64(9))

	disks, err := st.FailedDisks(ctx, "node1")
	require.NoError(t, err)
	require.Contains(t, disks, "/mnt/a")
}

func TestCheckPhaseCompletionAdvancesAndShrinksRemainingOnLastPhase(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	c := newCoordinator(t, st, &fakeDiscoverer{})
	require.NoError(t, st.AddJobsToBatch(ctx, 1, []int64{1}))
	require.NoError(t, st.SetJobInfo(ctx, types.Job{ID: 1, Name: "job1", Status: types.JobStatusInProgress}))
	require.NoError(t, st.SetBatchRemaining(ctx, 1, []string{"10.0.0.1"}))
	require.NoError(t, st.MarkBatchIncomplete(ctx, 1))

	c.batches[1] = &batchProgress{
		phases:        []types.Phase{types.PhaseZero},
		liveNodeCount: 1,
		startTime:     time.Now(),
		phaseStart:    time.Now(),
	}

	require.NoError(t, st.PhaseCompleted(ctx, 1, "10.0.0.1", types.PhaseZero))
	require.NoError(t, c.checkPhaseCompletion(ctx))

	remaining, err := st.BatchRemaining(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, remaining)

	require.Equal(t, 1, c.batches[1].currentIdx)

	job, err := st.GetJobInfo(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, job.PhaseElapsed, string(types.PhaseZero))
	require.Equal(t, types.JobStatusInProgress, job.Status)
}

func TestIngestJobsFailsEmptyInput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	c := newCoordinator(t, st, &fakeDiscoverer{totalSize: 0, perHost: map[string]types.WorkerInputs{}})

	require.NoError(t, st.PushJobGroup(ctx, []types.JobSpec{{JobName: "empty", InputDirectory: "/none"}}))

	admitted, inputs, err := c.ingestJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, admitted)
	require.Empty(t, inputs)

	id, ok, err := st.LookupJobIDByName(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	job, err := st.GetJobInfo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, job.Status)
	require.Contains(t, job.FailMessage, themiserr.ErrEmptyInput.Error())
}

func TestIngestJobsRejectsSkipMismatchAcrossBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	c := newCoordinator(t, st, &fakeDiscoverer{})

	require.NoError(t, st.PushJobGroup(ctx, []types.JobSpec{
		{JobName: "job-a", Params: map[string]any{"SKIP_PHASE_TWO": true}},
		{JobName: "job-b", Params: map[string]any{"SKIP_PHASE_TWO": false}},
	}))

	admitted, _, err := c.ingestJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, admitted)

	for _, name := range []string{"job-a", "job-b"} {
		id, ok, err := st.LookupJobIDByName(ctx, name)
		require.NoError(t, err)
		require.True(t, ok)
		job, err := st.GetJobInfo(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.JobStatusFailed, job.Status)
		require.Contains(t, job.FailMessage, themiserr.ErrSkipMismatch.Error())
	}
}

func TestIngestJobsAdmitsJobWithDiscoveredInputs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	perHost := map[string]types.WorkerInputs{
		"node1": {0: {{URL: "/mnt/a/f1", Length: 1024}}},
	}
	c := newCoordinator(t, st, &fakeDiscoverer{perHost: perHost, totalSize: 1024})

	require.NoError(t, st.PushJobGroup(ctx, []types.JobSpec{{JobName: "job1", InputDirectory: "/mnt/a"}}))

	admitted, inputs, err := c.ingestJobs(ctx)
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	require.Equal(t, perHost, inputs[admitted[0]])

	job, err := st.GetJobInfo(ctx, admitted[0])
	require.NoError(t, err)
	require.Equal(t, types.JobStatusInProgress, job.Status)
	require.Equal(t, int64(1024), job.TotalInputSizeBytes)
}

func TestDispatchBatchCreatesBarriersAndPushesQueues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})
	registerNode(t, st, "node2", "10.0.0.2", []string{"/mnt/a"})

	cfg := testConfig(t)
	cfg.SampleRate = 0.5
	c := New(st, cfg, &fakeDiscoverer{}).WithLauncher(&fakeLauncher{})

	require.NoError(t, c.checkNodeLiveness(ctx))

	jobID := int64(1)
	require.NoError(t, st.SetJobInfo(ctx, types.Job{
		ID:     jobID,
		Name:   "job1",
		Status: types.JobStatusInProgress,
		Spec:   types.JobSpec{JobName: "job1"},
	}))
	inputs := map[int64]map[string]types.WorkerInputs{
		jobID: {
			"node1": {0: {{URL: "/mnt/a/f1", Length: 100}}},
			"node2": {0: {{URL: "/mnt/a/f2", Length: 100}}},
		},
	}

	require.NoError(t, c.dispatchBatch(ctx, []int64{jobID}, inputs))

	remaining, err := st.BatchRemaining(ctx, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, remaining)

	members, err := st.BarrierMembers(ctx, "phase_start", types.PhaseZero, 1, jobID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, members)

	members, err = st.BarrierMembers(ctx, "phase_start", types.PhaseOne, 1, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, members)

	// phase two/three skipped by default (OutputReplicationLevel == 0).
	members, err = st.BarrierMembers(ctx, "phase_start", types.PhaseTwo, 1, 0)
	require.NoError(t, err)
	require.Empty(t, members)

	bid, ok, err := st.BlockingPopBatchQueue(ctx, "node1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), bid)

	job, err := st.GetJobInfo(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, int64(1), job.BatchID)

	require.Contains(t, c.batches, int64(1))
	require.Equal(t, 2, c.batches[1].liveNodeCount)
}

func TestRunOnceReturnsErrNoLiveNodesAndFailsIncompleteBatches(t *testing.T) {
	st, mr := newTestStoreWithMiniredis(t)
	ctx := context.Background()
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})
	// Expire keepalive immediately so the only node is dead from the start.
	mr.FastForward(2 * time.Minute)

	c := newCoordinator(t, st, &fakeDiscoverer{})

	require.NoError(t, st.SetJobInfo(ctx, types.Job{ID: 1, Status: types.JobStatusInProgress}))
	require.NoError(t, st.AddJobsToBatch(ctx, 5, []int64{1}))
	require.NoError(t, st.MarkBatchIncomplete(ctx, 5))

	err := c.runOnce(ctx)
	require.ErrorIs(t, err, ErrNoLiveNodes)

	job, err := st.GetJobInfo(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusFailed, job.Status)
}

func TestRecoveryRangesMergesContiguousOwnership(t *testing.T) {
	counts := types.LogicalDiskCounts{
		OrderedNodeList: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		PerNodeDisks: map[string][]int64{
			"10.0.0.1": {3, 2},
			"10.0.0.2": {4},
			"10.0.0.3": {1},
		},
	}

	ranges := recoveryRanges(counts, "10.0.0.1", -1, true)
	require.Equal(t, []types.RecoveryPartitionRange{{Start: 0, Stop: 4}}, ranges)

	ranges = recoveryRanges(counts, "10.0.0.1", 1, false)
	require.Equal(t, []types.RecoveryPartitionRange{{Start: 3, Stop: 4}}, ranges)

	ranges = recoveryRanges(counts, "10.0.0.2", -1, true)
	require.Equal(t, []types.RecoveryPartitionRange{{Start: 5, Stop: 8}}, ranges)
}

func TestValidateSkipAgreementAllowsUnsetParamsAndAgreement(t *testing.T) {
	require.NoError(t, validateSkipAgreement([]types.JobSpec{
		{Params: map[string]any{"SKIP_PHASE_ONE": true}},
		{Params: nil},
		{Params: map[string]any{"SKIP_PHASE_ONE": true}},
	}))

	err := validateSkipAgreement([]types.JobSpec{
		{Params: map[string]any{"SKIP_PHASE_ONE": true}},
		{Params: map[string]any{"SKIP_PHASE_ONE": false}},
	})
	require.ErrorIs(t, err, themiserr.ErrSkipMismatch)
}
