package nodecoord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/dataplane"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	st, _ := newTestStoreWithClient(t)
	return st
}

// newTestStoreWithClient also returns the raw redis client, which the
// ping-reply test uses to read the reply list's raw JSON entry directly.
func newTestStoreWithClient(t *testing.T) (store.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStoreFromClient(client), client
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

func testConfig() config.Cluster {
	cfg := config.Default()
	cfg.DataPlaneBinary = "/usr/bin/themis-dataplane"
	cfg.DefaultConfig = "/etc/themis/default.conf"
	cfg.MainLoopInterval = 10 * time.Millisecond
	cfg.KeepaliveRefresh = 20 * time.Millisecond
	cfg.KeepaliveTimeout = time.Second
	cfg.LogDirectory = "/tmp"
	return cfg
}

func pushJob(t *testing.T, st store.Store, name string, params map[string]any) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.NextJobID(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetJobInfo(ctx, types.Job{
		ID:     id,
		Name:   name,
		Status: types.JobStatusInProgress,
		Spec:   types.JobSpec{JobName: name, Params: params},
	}))
	return id
}

type fakeRunner struct {
	calls []dataplane.Invocation
	fail  map[string]bool // phase -> force failure
}

func (f *fakeRunner) run(ctx context.Context, inv dataplane.Invocation) error {
	f.calls = append(f.calls, inv)
	if f.fail[inv.Phase] {
		return errFakeSubprocess
	}
	return nil
}

var errFakeSubprocess = &fakeErr{"fake subprocess failure"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestRunBatchSkipsConfiguredPhasesButAlwaysMarksCompletion(t *testing.T) {
	st := newTestStore(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	cfg := testConfig()
	cfg.SkipPhaseTwo = true
	cfg.SkipPhaseThree = true
	cfg.OutputReplicationLevel = 1 // phase two/three already off via replication<=1

	jobID := pushJob(t, st, "job1", nil)
	batchID, err := st.NextBatchID(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.AddJobsToBatch(context.Background(), batchID, []int64{jobID}))

	runner := &fakeRunner{}
	c := New(st, cfg, "node1").WithDataPlaneRunner(runner.run)

	require.NoError(t, c.runBatch(context.Background(), batchID))

	for _, phase := range types.AllPhases {
		names, err := st.DrainPhaseCompletions(context.Background(), batchID, phase)
		require.NoError(t, err)
		require.Equal(t, []string{"10.0.0.1"}, names, "phase %s must be marked complete even when skipped", phase)
	}

	// Phase zero and phase one ran (not skipped); phase two/three did not.
	ran := map[string]bool{}
	for _, call := range runner.calls {
		ran[call.Phase] = true
	}
	require.True(t, ran[string(types.PhaseZero)])
	require.True(t, ran[string(types.PhaseOne)])
	require.False(t, ran[string(types.PhaseTwo)])
	require.False(t, ran[string(types.PhaseThree)])
}

func TestRunBatchDaytonaMinutesortForcesPhaseZeroOnly(t *testing.T) {
	st := newTestStore(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	cfg := testConfig()
	cfg.OutputReplicationLevel = 2 // would otherwise enable phase two/three

	jobID := pushJob(t, st, "job1", map[string]any{"DAYTONA_MINUTESORT": true})
	batchID, err := st.NextBatchID(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.AddJobsToBatch(context.Background(), batchID, []int64{jobID}))

	runner := &fakeRunner{}
	c := New(st, cfg, "node1").WithDataPlaneRunner(runner.run)

	require.NoError(t, c.runBatch(context.Background(), batchID))

	ran := map[string]bool{}
	for _, call := range runner.calls {
		ran[call.Phase] = true
	}
	require.True(t, ran[string(types.PhaseZero)])
	require.False(t, ran[string(types.PhaseOne)])
	require.False(t, ran[string(types.PhaseTwo)])
	require.False(t, ran[string(types.PhaseThree)])
}

func TestRunBatchClusterShapeMismatchReportsFailureWithoutRunning(t *testing.T) {
	st := newTestStore(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})
	registerNode(t, st, "node2", "10.0.0.2", []string{"/mnt/a", "/mnt/b"})

	cfg := testConfig()
	jobID := pushJob(t, st, "job1", nil)
	batchID, err := st.NextBatchID(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.AddJobsToBatch(context.Background(), batchID, []int64{jobID}))

	runner := &fakeRunner{}
	c := New(st, cfg, "node1").WithDataPlaneRunner(runner.run)

	require.NoError(t, c.runBatch(context.Background(), batchID))
	require.Empty(t, runner.calls, "no subprocess should run on a shape mismatch")

	reports, err := st.DrainFailureReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "node1", reports[0].Hostname)
	require.Equal(t, batchID, reports[0].BatchID)
}

func TestRunBatchStopsRemainingPhasesAfterFailureButStillMarksCompletion(t *testing.T) {
	st := newTestStore(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	cfg := testConfig()
	cfg.OutputReplicationLevel = 2

	jobID := pushJob(t, st, "job1", nil)
	batchID, err := st.NextBatchID(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.AddJobsToBatch(context.Background(), batchID, []int64{jobID}))

	runner := &fakeRunner{fail: map[string]bool{string(types.PhaseZero): true}}
	c := New(st, cfg, "node1").WithDataPlaneRunner(runner.run)

	require.NoError(t, c.runBatch(context.Background(), batchID))

	// Phase zero ran and failed; one and two must never have been invoked.
	ran := map[string]bool{}
	for _, call := range runner.calls {
		ran[call.Phase] = true
	}
	require.True(t, ran[string(types.PhaseZero)])
	require.False(t, ran[string(types.PhaseOne)])
	require.False(t, ran[string(types.PhaseTwo)])

	// But every phase still gets its completion write.
	for _, phase := range types.AllPhases {
		names, err := st.DrainPhaseCompletions(context.Background(), batchID, phase)
		require.NoError(t, err)
		require.Equal(t, []string{"10.0.0.1"}, names)
	}

	reports, err := st.DrainFailureReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestRunBatchUnrecoverableBoundaryListSkipsJobPhaseZero(t *testing.T) {
	st := newTestStore(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})

	cfg := testConfig()
	recovering := int64(999) // never registered a boundary list
	jobID := pushJob(t, st, "job1", nil)
	require.NoError(t, st.SetJobInfo(context.Background(), types.Job{
		ID:     jobID,
		Name:   "job1",
		Status: types.JobStatusInProgress,
		Spec:   types.JobSpec{JobName: "job1", Recovering: &recovering},
	}))

	batchID, err := st.NextBatchID(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.AddJobsToBatch(context.Background(), batchID, []int64{jobID}))

	runner := &fakeRunner{}
	c := New(st, cfg, "node1").WithDataPlaneRunner(runner.run)

	require.NoError(t, c.runBatch(context.Background(), batchID))
	require.Empty(t, runner.calls, "unrecoverable job must not run any phase")

	reports, err := st.DrainFailureReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

type fakePinger struct {
	unreachable map[string]bool
}

func (p *fakePinger) Ping(ctx context.Context, host string) error {
	if p.unreachable[host] {
		return &fakeErr{"unreachable"}
	}
	return nil
}

func TestBootRespondsToPingRequestWithUnreachableSet(t *testing.T) {
	st, client := newTestStoreWithClient(t)
	registerNode(t, st, "node1", "10.0.0.1", []string{"/mnt/a"})
	registerNode(t, st, "node2", "10.0.0.2", []string{"/mnt/a"})

	cfg := testConfig()
	c := New(st, cfg, "node1").WithPinger(&fakePinger{unreachable: map[string]bool{"node2": true}})

	require.NoError(t, st.PushPingRequest(context.Background(), "node1"))

	require.NoError(t, c.boot(context.Background()))

	raw, err := client.LPop(context.Background(), "ping_reply:node1").Result()
	require.NoError(t, err)
	require.JSONEq(t, `["node2"]`, raw)
}
