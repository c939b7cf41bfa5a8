// Package planner implements C3: given a batch's jobs and each job's
// per-(host, disk) input file list from C2, it produces ordered
// read-request queues keyed by (host, worker index), grounded on
// original_source/input_file_utils.py's generate_read_requests.
package planner

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/cuemby/themis/pkg/metrics"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

// HostWorker identifies one per-worker read-request queue: a live host and
// the disk index the worker pulling from it is assigned to.
type HostWorker struct {
	Host   string
	Worker int
}

// JobInput is one job's discovered input set, as returned by
// pkg/discovery.ListInputs for every live host.
type JobInput struct {
	JobID   int64
	PerHost map[string]types.WorkerInputs
}

// Config carries the phase-zero sampling tunables. One Config applies to
// every job in a planned batch; job params do not override it.
type Config struct {
	SampleRate          float64
	SamplePointsPerFile int
	TupleStartOffset    int64
}

type fileEntry struct {
	file types.FileInfo
	jobs []int64
}

// Plan produces the per-(host, worker) read-request queues for the given
// phases, in the cross-phase order spec.md §4.3 requires: phase zero's
// contents first, then phase one's, appended to the same queue.
func Plan(jobs []JobInput, cfg Config, phases []types.Phase) (map[HostWorker][]types.ReadRequest, error) {
	order, scanShared := buildScanShared(jobs)

	out := make(map[HostWorker][]types.ReadRequest, len(order))
	for _, hw := range order {
		out[hw] = nil
	}

	for _, phase := range orderedPhases(phases) {
		switch phase {
		case types.PhaseZero:
			if err := planPhaseZero(jobs, order, scanShared, cfg, out); err != nil {
				return nil, err
			}
		case types.PhaseOne:
			planPhaseOne(jobs, order, scanShared, out)
		}
	}

	return out, nil
}

// LoadPlan pushes a generated plan into the coordination store, one
// AddReadRequests call per (host, worker) queue.
func LoadPlan(ctx context.Context, st store.Store, plan map[HostWorker][]types.ReadRequest) error {
	for hw, reqs := range plan {
		ip, err := st.IPv4Address(ctx, hw.Host)
		if err != nil {
			return fmt.Errorf("resolving ip for %s: %w", hw.Host, err)
		}
		if err := st.AddReadRequests(ctx, ip, hw.Worker, reqs); err != nil {
			return fmt.Errorf("loading read requests for %s worker %d: %w", hw.Host, hw.Worker, err)
		}
	}
	return nil
}

func orderedPhases(phases []types.Phase) []types.Phase {
	rank := func(p types.Phase) int {
		for i, ap := range types.AllPhases {
			if ap == p {
				return i
			}
		}
		return len(types.AllPhases)
	}
	sorted := append([]types.Phase(nil), phases...)
	sort.Slice(sorted, func(i, j int) bool { return rank(sorted[i]) < rank(sorted[j]) })
	return sorted
}

// buildScanShared computes, for every (host, worker) pair any job reads
// from, the ordered list of distinct files and which jobs share each one.
// Iteration order follows submission order for jobs, then a stable
// alphabetic/numeric order for hosts and disk indices within a job, so a
// file's position reflects "the order supplied by C2" (spec.md §4.3 tie-break)
// for whichever job first referenced it.
func buildScanShared(jobs []JobInput) ([]HostWorker, map[HostWorker][]fileEntry) {
	var order []HostWorker
	seenHW := make(map[HostWorker]bool)
	scanShared := make(map[HostWorker][]fileEntry)
	fileIdx := make(map[HostWorker]map[types.FileInfo]int)

	for _, job := range jobs {
		hosts := make([]string, 0, len(job.PerHost))
		for h := range job.PerHost {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)

		for _, host := range hosts {
			workerInputs := job.PerHost[host]
			workers := make([]int, 0, len(workerInputs))
			for w := range workerInputs {
				workers = append(workers, w)
			}
			sort.Ints(workers)

			for _, worker := range workers {
				hw := HostWorker{Host: host, Worker: worker}
				if !seenHW[hw] {
					seenHW[hw] = true
					order = append(order, hw)
					fileIdx[hw] = make(map[types.FileInfo]int)
				}

				for _, file := range workerInputs[worker] {
					if idx, ok := fileIdx[hw][file]; ok {
						entries := scanShared[hw]
						if !containsJobID(entries[idx].jobs, job.JobID) {
							entries[idx].jobs = append(entries[idx].jobs, job.JobID)
						}
						continue
					}
					fileIdx[hw][file] = len(scanShared[hw])
					scanShared[hw] = append(scanShared[hw], fileEntry{file: file, jobs: []int64{job.JobID}})
				}
			}
		}
	}

	return order, scanShared
}

func containsJobID(jobIDs []int64, id int64) bool {
	for _, j := range jobIDs {
		if j == id {
			return true
		}
	}
	return false
}

func haltRequest(jobIDs []int64) types.ReadRequest {
	return types.ReadRequest{Type: types.RequestTypeHalt, JobIDs: append([]int64(nil), jobIDs...)}
}

// planPhaseZero emits, per job and in submission order, one sample-window
// Read per sub-window per file across every (host, worker) the batch reads
// from, followed by a single Halt scoped to that job.
func planPhaseZero(jobs []JobInput, order []HostWorker, scanShared map[HostWorker][]fileEntry, cfg Config, out map[HostWorker][]types.ReadRequest) error {
	if cfg.SampleRate > 1.0 {
		return fmt.Errorf("sample rate %f exceeds 1.0: %w", cfg.SampleRate, themiserr.ErrSampleConfigInvalid)
	}

	for _, job := range jobs {
		for _, hw := range order {
			for _, fe := range scanShared[hw] {
				if !containsJobID(fe.jobs, job.JobID) {
					continue
				}
				reqs, err := sampleRequests(fe.file, job.JobID, cfg)
				if err != nil {
					return err
				}
				out[hw] = append(out[hw], reqs...)
				metrics.ReadRequestsEnqueuedTotal.WithLabelValues(string(types.PhaseZero)).Add(float64(len(reqs)))
			}
			out[hw] = append(out[hw], haltRequest([]int64{job.JobID}))
		}
	}
	return nil
}

// sampleRequests computes a job's phase-zero sample windows for one file per
// spec.md §4.3: sample_length = floor(file_length * sample_rate), split into
// N equal sub-windows at stride file_length/N, both rounded down to
// tuple_start_offset multiples when positive.
func sampleRequests(file types.FileInfo, jobID int64, cfg Config) ([]types.ReadRequest, error) {
	n := cfg.SamplePointsPerFile
	if n <= 0 {
		n = 1
	}
	if n > 1 && cfg.TupleStartOffset <= 0 {
		return nil, fmt.Errorf("job %d: multi-point sampling requires a positive tuple_start_offset: %w",
			jobID, themiserr.ErrSampleConfigInvalid)
	}

	sampleLength := int64(float64(file.Length) * cfg.SampleRate)
	stride := file.Length / int64(n)
	perPoint := sampleLength / int64(n)

	if cfg.TupleStartOffset > 0 {
		perPoint -= perPoint % cfg.TupleStartOffset
		stride -= stride % cfg.TupleStartOffset
	}

	if perPoint <= 0 {
		return nil, fmt.Errorf("job %d file %s: %w", jobID, file.URL, themiserr.ErrZeroLengthSample)
	}

	reqs := make([]types.ReadRequest, n)
	for i := 0; i < n; i++ {
		reqs[i] = types.ReadRequest{
			Type:   types.RequestTypeRead,
			JobIDs: []int64{jobID},
			Path:   file.URL,
			Offset: int64(i) * stride,
			Length: perPoint,
		}
	}
	return reqs, nil
}

// planPhaseOne emits the batch-global scan-shared Reads, randomly permuted
// per (host, worker) with a seed that's deterministic for a given worker but
// varies across workers, then a single Halt scoped to the whole batch.
func planPhaseOne(jobs []JobInput, order []HostWorker, scanShared map[HostWorker][]fileEntry, out map[HostWorker][]types.ReadRequest) {
	allJobIDs := make([]int64, len(jobs))
	for i, j := range jobs {
		allJobIDs[i] = j.JobID
	}

	for _, hw := range order {
		entries := scanShared[hw]
		reqs := make([]types.ReadRequest, len(entries))
		for i, fe := range entries {
			reqs[i] = types.ReadRequest{
				Type:   types.RequestTypeRead,
				JobIDs: append([]int64(nil), fe.jobs...),
				Path:   fe.file.URL,
				Offset: 0,
				Length: fe.file.Length,
			}
		}

		rng := rand.New(rand.NewSource(workerSeed(hw)))
		rng.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })

		out[hw] = append(out[hw], reqs...)
		metrics.ReadRequestsEnqueuedTotal.WithLabelValues(string(types.PhaseOne)).Add(float64(len(reqs)))
		out[hw] = append(out[hw], haltRequest(allJobIDs))
	}
}

// workerSeed derives a permutation seed that's stable for a given (host,
// worker) but varies across workers, so concurrent peers don't all read the
// same disk at the same moment (spec.md §4.3 tie-break note).
func workerSeed(hw HostWorker) int64 {
	h := fnv.New64a()
	h.Write([]byte(hw.Host))
	h.Write([]byte{0})
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(hw.Worker))
	h.Write(buf[:])
	return int64(h.Sum64())
}
