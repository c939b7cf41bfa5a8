package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

func oneHostJob(jobID int64, files ...types.FileInfo) JobInput {
	return JobInput{
		JobID: jobID,
		PerHost: map[string]types.WorkerInputs{
			"node1": {0: files},
		},
	}
}

func TestPlanPhaseZeroSamplesEachJobIndependently(t *testing.T) {
	jobs := []JobInput{
		oneHostJob(1, types.FileInfo{URL: "local://node1/disk0/a", Length: 1000}),
	}
	cfg := Config{SampleRate: 0.5, SamplePointsPerFile: 1}

	plan, err := Plan(jobs, cfg, []types.Phase{types.PhaseZero})
	require.NoError(t, err)

	hw := HostWorker{Host: "node1", Worker: 0}
	reqs := plan[hw]
	require.Len(t, reqs, 2) // one sample + one halt

	require.Equal(t, types.RequestTypeRead, reqs[0].Type)
	require.Equal(t, []int64{1}, reqs[0].JobIDs)
	require.Equal(t, int64(500), reqs[0].Length)
	require.Equal(t, int64(0), reqs[0].Offset)

	require.True(t, reqs[1].IsHalt())
	require.Equal(t, []int64{1}, reqs[1].JobIDs)
}

func TestPlanPhaseZeroMultiPointRequiresTupleOffset(t *testing.T) {
	jobs := []JobInput{
		oneHostJob(1, types.FileInfo{URL: "local://node1/disk0/a", Length: 1000}),
	}
	cfg := Config{SampleRate: 0.5, SamplePointsPerFile: 4}

	_, err := Plan(jobs, cfg, []types.Phase{types.PhaseZero})
	require.ErrorIs(t, err, themiserr.ErrSampleConfigInvalid)
}

func TestPlanPhaseZeroMultiPointWithTupleOffset(t *testing.T) {
	jobs := []JobInput{
		oneHostJob(1, types.FileInfo{URL: "local://node1/disk0/a", Length: 4000}),
	}
	cfg := Config{SampleRate: 0.5, SamplePointsPerFile: 4, TupleStartOffset: 100}

	plan, err := Plan(jobs, cfg, []types.Phase{types.PhaseZero})
	require.NoError(t, err)

	hw := HostWorker{Host: "node1", Worker: 0}
	reqs := plan[hw]
	require.Len(t, reqs, 5) // 4 samples + 1 halt

	stride := int64(4000) / 4
	for i := 0; i < 4; i++ {
		require.Equal(t, int64(i)*stride, reqs[i].Offset)
		require.True(t, reqs[i].Length%100 == 0)
		require.True(t, reqs[i].Length <= stride)
	}
}

func TestPlanPhaseZeroRejectsZeroLengthSample(t *testing.T) {
	jobs := []JobInput{
		oneHostJob(1, types.FileInfo{URL: "local://node1/disk0/a", Length: 10}),
	}
	cfg := Config{SampleRate: 0.01, SamplePointsPerFile: 1, TupleStartOffset: 1000}

	_, err := Plan(jobs, cfg, []types.Phase{types.PhaseZero})
	require.ErrorIs(t, err, themiserr.ErrZeroLengthSample)
}

func TestPlanPhaseOneScanSharesAcrossJobs(t *testing.T) {
	shared := types.FileInfo{URL: "local://node1/disk0/shared", Length: 4096}
	jobs := []JobInput{
		oneHostJob(1, shared),
		oneHostJob(2, shared),
	}

	plan, err := Plan(jobs, Config{}, []types.Phase{types.PhaseOne})
	require.NoError(t, err)

	hw := HostWorker{Host: "node1", Worker: 0}
	reqs := plan[hw]
	require.Len(t, reqs, 2) // one shared read + one batch halt

	require.Equal(t, types.RequestTypeRead, reqs[0].Type)
	require.ElementsMatch(t, []int64{1, 2}, reqs[0].JobIDs)
	require.Equal(t, int64(0), reqs[0].Offset)
	require.Equal(t, int64(4096), reqs[0].Length)

	require.True(t, reqs[1].IsHalt())
	require.ElementsMatch(t, []int64{1, 2}, reqs[1].JobIDs)
}

func TestPlanPhaseOnePermutationVariesByWorker(t *testing.T) {
	files := []types.FileInfo{
		{URL: "local://node1/disk0/a", Length: 10},
		{URL: "local://node1/disk0/b", Length: 10},
		{URL: "local://node1/disk0/c", Length: 10},
		{URL: "local://node1/disk0/d", Length: 10},
	}
	jobs := []JobInput{
		{JobID: 1, PerHost: map[string]types.WorkerInputs{
			"node1": {0: files, 1: files},
		}},
	}

	plan, err := Plan(jobs, Config{}, []types.Phase{types.PhaseOne})
	require.NoError(t, err)

	w0 := plan[HostWorker{Host: "node1", Worker: 0}]
	w1 := plan[HostWorker{Host: "node1", Worker: 1}]

	order0 := make([]string, 0, 4)
	for _, r := range w0[:4] {
		order0 = append(order0, r.Path)
	}
	order1 := make([]string, 0, 4)
	for _, r := range w1[:4] {
		order1 = append(order1, r.Path)
	}
	require.NotEqual(t, order0, order1, "permutation seed must vary per worker")
}

func TestPlanCrossPhaseOrdering(t *testing.T) {
	jobs := []JobInput{
		oneHostJob(1, types.FileInfo{URL: "local://node1/disk0/a", Length: 1000}),
	}
	cfg := Config{SampleRate: 0.5, SamplePointsPerFile: 1}

	plan, err := Plan(jobs, cfg, []types.Phase{types.PhaseOne, types.PhaseZero})
	require.NoError(t, err)

	hw := HostWorker{Host: "node1", Worker: 0}
	reqs := plan[hw]
	// phase zero: 1 sample + 1 halt; phase one: 1 read + 1 halt
	require.Len(t, reqs, 4)
	require.Equal(t, []int64{1}, reqs[0].JobIDs)
	require.True(t, reqs[1].IsHalt())
	require.ElementsMatch(t, []int64{1}, reqs[2].JobIDs)
	require.True(t, reqs[3].IsHalt())
}
