// Package clustercoord implements C5, the singleton driver that sweeps node
// liveness, drains failure reports, advances batches through their phases,
// finalizes completed batches, ingests submitted jobs, and dispatches new
// batches. Grounded on original_source/cluster_coordinator.py, with the
// ticker/goroutine-lifecycle shape borrowed from cuemby-warren/pkg/reconciler
// and pkg/scheduler.
package clustercoord

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/events"
	"github.com/cuemby/themis/pkg/log"
	"github.com/cuemby/themis/pkg/metrics"
	"github.com/cuemby/themis/pkg/planner"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

// ErrNoLiveNodes is returned by Run when a liveness sweep finds zero live
// nodes left in the cluster; every incomplete batch is failed first.
var ErrNoLiveNodes = errors.New("no live nodes remain in the cluster")

// jobIngestPollTimeout bounds how long ingestJobs waits on the job queue
// each main-loop iteration; short enough that the loop still polls at
// roughly its configured cadence (spec.md §4.5, "a fixed 0.5s sleep").
const jobIngestPollTimeout = 50 * time.Millisecond

// barrierTTL is generous; barriers are cleared implicitly once their batch
// finalizes and nothing reads them again.
const barrierTTL = 24 * time.Hour

// Discoverer lists a job's discovered input files across live hosts. The
// concrete implementation is pkg/discovery.Discoverer; tests supply a fake.
type Discoverer interface {
	ListInputs(ctx context.Context, inputDir string, cap int) (map[string]types.WorkerInputs, int64, error)
}

// NodeLauncher starts and stops a node coordinator process on a remote host.
// The default implementation shells out over ssh; tests supply a fake.
type NodeLauncher interface {
	Start(ctx context.Context, hostname string) error
	Stop(ctx context.Context, hostname string, pid int) error
}

// batchProgress is the in-process bookkeeping the phase-progress drain and
// the interactive keyboard commands both read: which phase a batch is on,
// how many live nodes have finished it, and where its log artifacts live.
type batchProgress struct {
	phases        []types.Phase
	currentIdx    int
	completed     int
	liveNodeCount int
	startTime     time.Time
	phaseStart    time.Time
	logDir        string
}

// Coordinator is C5's in-process state.
type Coordinator struct {
	store      store.Store
	cfg        config.Cluster
	discoverer Discoverer
	launcher   NodeLauncher
	broker     *events.Broker
	logger     zerolog.Logger

	cmdCh chan string

	mu            sync.Mutex
	presumedAlive map[string]bool
	batches       map[int64]*batchProgress

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a cluster coordinator. Nodes must already be registered in the
// store (RegisterNode) before Run is called.
func New(st store.Store, cfg config.Cluster, discoverer Discoverer) *Coordinator {
	return &Coordinator{
		store:         st,
		cfg:           cfg,
		discoverer:    discoverer,
		launcher:      newSSHLauncher(cfg),
		logger:        log.WithComponent("clustercoord"),
		presumedAlive: make(map[string]bool),
		batches:       make(map[int64]*batchProgress),
		stopCh:        make(chan struct{}),
	}
}

// WithLauncher overrides the node-coordinator launcher; used by tests.
func (c *Coordinator) WithLauncher(l NodeLauncher) *Coordinator {
	c.launcher = l
	return c
}

// WithEventBroker attaches an event broker; cluster lifecycle events are
// published to it when set. Optional — nil means no events are published.
func (c *Coordinator) WithEventBroker(b *events.Broker) *Coordinator {
	c.broker = b
	return c
}

// WithStdin enables the interactive keyboard commands (supplement C.1),
// reading newline-terminated commands from r in the background so the main
// loop's check of them is non-blocking.
func (c *Coordinator) WithStdin(r io.Reader) *Coordinator {
	c.cmdCh = make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			c.cmdCh <- strings.TrimSpace(scanner.Text())
		}
	}()
	return c
}

// Stop signals Run to exit after its current iteration. Safe to call more
// than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run starts every registered node's node coordinator, clears a stale job
// queue, performs the boot-time liveness and all-cluster ping sanity checks,
// then runs the main loop until ctx is cancelled, Stop is called, or the
// cluster loses every live node.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.startNodeCoordinators(ctx); err != nil {
		return fmt.Errorf("starting node coordinators: %w", err)
	}
	if err := c.store.ClearJobQueue(ctx); err != nil {
		return fmt.Errorf("clearing job queue: %w", err)
	}
	if err := c.checkNodeLiveness(ctx); err != nil {
		return fmt.Errorf("initial liveness sweep: %w", err)
	}
	if err := c.allClusterPingCheck(ctx); err != nil {
		return fmt.Errorf("cluster ping sanity check: %w", err)
	}

	c.logger.Info().Msg("main loop starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		timer := metrics.NewTimer()
		err := c.runOnce(ctx)
		timer.ObserveDuration(metrics.LivenessSweepDuration)
		metrics.LivenessSweepCyclesTotal.Inc()

		if errors.Is(err, ErrNoLiveNodes) {
			c.logger.Error().Msg("no live nodes remain; shutting down")
			return err
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("main loop iteration failed")
		}

		select {
		case <-time.After(c.cfg.MainLoopInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		}
	}
}

// runOnce implements the seven steps of spec.md §4.5's main loop iteration.
func (c *Coordinator) runOnce(ctx context.Context) error {
	if err := c.checkNodeLiveness(ctx); err != nil {
		return fmt.Errorf("liveness sweep: %w", err)
	}

	live, err := c.store.LiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing live nodes: %w", err)
	}
	if len(live) == 0 {
		c.failAllIncompleteBatches(ctx, "no live nodes remain")
		return ErrNoLiveNodes
	}

	if err := c.handleFailureReports(ctx); err != nil {
		c.logger.Error().Err(err).Msg("handling failure reports")
	}
	if err := c.checkPhaseCompletion(ctx); err != nil {
		c.logger.Error().Err(err).Msg("checking phase completion")
	}
	c.checkKeyboardInput(ctx)
	if err := c.finalizeCompletedBatches(ctx); err != nil {
		c.logger.Error().Err(err).Msg("finalizing batches")
	}

	admitted, inputs, err := c.ingestJobs(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("ingesting jobs")
	}
	if len(admitted) > 0 {
		if err := c.dispatchBatch(ctx, admitted, inputs); err != nil {
			c.logger.Error().Err(err).Msg("dispatching batch")
		}
	}

	return nil
}

// --- Step 1: liveness sweep ---

// checkNodeLiveness detects keepalive-presence transitions (not just current
// state), declaring nodes alive or dead only on a flip from the last sweep.
// A newly-dead node gets an internal_report failure for every incomplete
// batch it belongs to, and node-level recovery planning, right here — the
// failure-report drain step later only fails the batch/job for that report,
// never re-planning recovery for it (that would double-register ranges).
func (c *Coordinator) checkNodeLiveness(ctx context.Context) error {
	nodes, err := c.store.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, host := range nodes {
		alive, err := c.store.IsLive(ctx, host)
		if err != nil {
			return fmt.Errorf("checking liveness of %s: %w", host, err)
		}
		wasAlive := c.presumedAlive[host]

		switch {
		case alive && !wasAlive:
			c.logger.Info().Str("host", host).Msg("node is now alive")
			c.publish(events.EventNodeUp, host, fmt.Sprintf("%s is alive", host))
		case !alive && wasAlive:
			c.logger.Warn().Str("host", host).Msg("node is now dead")
			metrics.NodeDeathsTotal.Inc()
			c.publish(events.EventNodeDown, host, fmt.Sprintf("%s is dead", host))
			if err := c.handleNodeDeath(ctx, host); err != nil {
				c.logger.Error().Err(err).Str("host", host).Msg("handling node death")
			}
		}
		c.presumedAlive[host] = alive
	}
	return nil
}

func (c *Coordinator) handleNodeDeath(ctx context.Context, host string) error {
	incomplete, err := c.store.IncompleteBatches(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete batches: %w", err)
	}

	for _, batchID := range incomplete {
		remaining, err := c.store.BatchRemaining(ctx, batchID)
		if err != nil {
			return fmt.Errorf("reading batch %d remaining set: %w", batchID, err)
		}
		ip, ipErr := c.store.IPv4Address(ctx, host)
		if ipErr == nil && !containsString(remaining, ip) {
			continue
		}

		if err := c.store.ReportFailure(ctx, types.FailureReport{
			Hostname: host,
			BatchID:  batchID,
			Message:  fmt.Sprintf("node %s: %s", host, themiserr.ErrNodeDead),
		}); err != nil {
			return fmt.Errorf("enqueuing failure report for batch %d: %w", batchID, err)
		}

		if err := c.planNodeRecovery(ctx, batchID, host); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", batchID).Str("host", host).Msg("planning node recovery")
		}
	}
	return nil
}

// --- Step 2: failure-report drain ---

func (c *Coordinator) handleFailureReports(ctx context.Context) error {
	reports, err := c.store.DrainFailureReports(ctx)
	if err != nil {
		return fmt.Errorf("draining failure reports: %w", err)
	}

	for _, r := range reports {
		if err := c.failBatch(ctx, r.BatchID, r.Message); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", r.BatchID).Msg("failing batch")
			continue
		}

		if r.Disk == "" {
			continue
		}
		// Resolve the disk's index and plan its recovery before marking it
		// failed: IntermediateDisks diffs out failed disks, so planning
		// after the mark would make the failing disk unresolvable.
		if err := c.planDiskRecovery(ctx, r.BatchID, r.Hostname, r.Disk); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", r.BatchID).Str("host", r.Hostname).Msg("planning disk recovery")
		}
		if err := c.store.MarkDiskFailed(ctx, r.Hostname, r.Disk); err != nil {
			c.logger.Error().Err(err).Str("host", r.Hostname).Str("disk", r.Disk).Msg("marking disk failed")
		}
	}
	return nil
}

func (c *Coordinator) failBatch(ctx context.Context, batchID int64, message string) error {
	if err := c.store.MarkBatchFailed(ctx, batchID); err != nil {
		return fmt.Errorf("marking batch %d failed: %w", batchID, err)
	}
	metrics.BatchesFailedTotal.Inc()
	c.publish(events.EventBatchFailed, "", fmt.Sprintf("batch %d failed: %s", batchID, message))

	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("listing batch %d jobs: %w", batchID, err)
	}
	stop := time.Now()
	for _, jobID := range jobIDs {
		err := c.store.UpdateJobStatus(ctx, jobID, types.JobStatusInProgress, types.JobStatusFailed, func(j *types.Job) {
			j.FailMessage = message
			j.StopTime = stop
		})
		if err != nil && !errors.Is(err, themiserr.ErrTerminalStatus) {
			c.logger.Error().Err(err).Int64("job_id", jobID).Msg("failing job")
			continue
		}
		if err == nil {
			c.publish(events.EventJobFailed, "", message)
		}
	}

	c.mu.Lock()
	delete(c.batches, batchID)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) failAllIncompleteBatches(ctx context.Context, message string) {
	incomplete, err := c.store.IncompleteBatches(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("listing incomplete batches")
		return
	}
	for _, batchID := range incomplete {
		if err := c.failBatch(ctx, batchID, message); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", batchID).Msg("failing batch")
		}
	}
}

// --- Step 3: phase-progress drain ---

// checkPhaseCompletion drains each incomplete batch's current-phase
// completion list. Once the drained count reaches the live-node count
// recorded at dispatch, the phase-elapsed stat is written into every job in
// the batch and the batch advances to its next non-skipped phase. A host
// completing the batch's resolved last phase has its batch_remaining entry
// removed right here — nothing else in this module shrinks that set.
func (c *Coordinator) checkPhaseCompletion(ctx context.Context) error {
	incomplete, err := c.store.IncompleteBatches(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete batches: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, batchID := range incomplete {
		bp, ok := c.batches[batchID]
		if !ok || bp.currentIdx >= len(bp.phases) {
			continue
		}
		phase := bp.phases[bp.currentIdx]

		completedHosts, err := c.store.DrainPhaseCompletions(ctx, batchID, phase)
		if err != nil {
			return fmt.Errorf("draining phase %s completions for batch %d: %w", phase, batchID, err)
		}
		if len(completedHosts) == 0 {
			continue
		}

		if bp.currentIdx == len(bp.phases)-1 {
			for _, host := range completedHosts {
				if err := c.store.RemoveBatchRemaining(ctx, batchID, host); err != nil {
					c.logger.Error().Err(err).Int64("batch_id", batchID).Str("host", host).Msg("removing batch remaining entry")
				}
			}
		}

		bp.completed += len(completedHosts)
		if bp.completed < bp.liveNodeCount {
			continue
		}

		elapsed := time.Since(bp.phaseStart)
		metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
		if err := c.recordPhaseElapsed(ctx, batchID, phase, elapsed); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", batchID).Msg("recording phase elapsed stat")
		}
		c.publish(events.EventBatchPhase, "", fmt.Sprintf("batch %d completed %s in %s", batchID, phase, elapsed))

		bp.currentIdx++
		bp.completed = 0
		bp.phaseStart = time.Now()
	}
	return nil
}

func (c *Coordinator) recordPhaseElapsed(ctx context.Context, batchID int64, phase types.Phase, elapsed time.Duration) error {
	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("listing batch %d jobs: %w", batchID, err)
	}
	for _, jobID := range jobIDs {
		// Phase completion is only tracked for batches still in flight, so
		// every job here is still In Progress; postStatus re-applies that
		// same status since UpdateJobStatus always writes postStatus.
		err := c.store.UpdateJobStatus(ctx, jobID, "", types.JobStatusInProgress, func(j *types.Job) {
			if j.PhaseElapsed == nil {
				j.PhaseElapsed = make(map[string]time.Duration)
			}
			j.PhaseElapsed[string(phase)] = elapsed
		})
		if err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Msg("writing phase elapsed stat")
		}
	}
	return nil
}

// --- Step 4: keyboard inspection ---

func (c *Coordinator) checkKeyboardInput(ctx context.Context) {
	if c.cmdCh == nil {
		return
	}
	select {
	case cmd := <-c.cmdCh:
		c.handleKeyboardCommand(ctx, cmd)
	default:
	}
}

func (c *Coordinator) handleKeyboardCommand(ctx context.Context, cmd string) {
	switch cmd {
	case "r":
		c.printRunningNodes()
	case "b":
		c.printBarrierWaiters(ctx)
	case "t":
		c.printPhaseElapsed()
	case "h":
		c.printHelp()
	default:
		c.logger.Info().Str("command", cmd).Msg("unrecognized command; press h for help")
	}
}

func (c *Coordinator) printHelp() {
	c.logger.Info().Msg("commands: r=running nodes per phase, b=barrier waiters, t=phase elapsed time, h=help")
}

func (c *Coordinator) printRunningNodes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for batchID, bp := range c.batches {
		if bp.currentIdx >= len(bp.phases) {
			continue
		}
		c.logger.Info().
			Int64("batch_id", batchID).
			Str("phase", string(bp.phases[bp.currentIdx])).
			Int("completed", bp.completed).
			Int("live_nodes", bp.liveNodeCount).
			Msg("phase progress")
	}
}

func (c *Coordinator) printPhaseElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for batchID, bp := range c.batches {
		c.logger.Info().Int64("batch_id", batchID).Dur("elapsed", time.Since(bp.phaseStart)).Msg("current phase elapsed time")
	}
}

func (c *Coordinator) printBarrierWaiters(ctx context.Context) {
	c.mu.Lock()
	snapshot := make(map[int64]types.Phase, len(c.batches))
	for id, bp := range c.batches {
		if bp.currentIdx < len(bp.phases) {
			snapshot[id] = bp.phases[bp.currentIdx]
		}
	}
	c.mu.Unlock()

	for batchID, phase := range snapshot {
		jobID := int64(0)
		if phase == types.PhaseZero || phase == types.PhaseThree {
			jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
			if err != nil || len(jobIDs) == 0 {
				continue
			}
			jobID = jobIDs[0]
		}
		members, err := c.store.BarrierMembers(ctx, "phase_start", phase, batchID, jobID)
		if err != nil {
			continue
		}
		c.logger.Info().Int64("batch_id", batchID).Str("phase", string(phase)).Strs("waiting", members).Msg("barrier waiters")
	}
}

// --- Step 5: batch finalization ---

func (c *Coordinator) finalizeCompletedBatches(ctx context.Context) error {
	incomplete, err := c.store.IncompleteBatches(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete batches: %w", err)
	}
	for _, batchID := range incomplete {
		remaining, err := c.store.BatchRemaining(ctx, batchID)
		if err != nil {
			return fmt.Errorf("reading batch %d remaining set: %w", batchID, err)
		}
		if len(remaining) > 0 {
			continue
		}
		if err := c.finalizeBatch(ctx, batchID); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", batchID).Msg("finalizing batch")
		}
	}
	return nil
}

func (c *Coordinator) finalizeBatch(ctx context.Context, batchID int64) error {
	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("listing batch %d jobs: %w", batchID, err)
	}

	c.mu.Lock()
	bp := c.batches[batchID]
	delete(c.batches, batchID)
	c.mu.Unlock()

	for _, jobID := range jobIDs {
		job, err := c.store.GetJobInfo(ctx, jobID)
		if err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Msg("reading job for finalization")
			continue
		}
		if job.Status != types.JobStatusInProgress {
			continue
		}

		stop := time.Now()
		elapsed := stop.Sub(job.StartTime).Seconds()
		mbps, mbpsNode, tbpm := throughput(job.TotalInputSizeBytes, elapsed, liveNodeCountOf(bp))

		err = c.store.UpdateJobStatus(ctx, jobID, types.JobStatusInProgress, types.JobStatusComplete, func(j *types.Job) {
			j.StopTime = stop
			j.ThroughputMBps = mbps
			j.ThroughputMBpsNode = mbpsNode
			j.ThroughputTBpm = tbpm
		})
		if err != nil {
			if !errors.Is(err, themiserr.ErrTerminalStatus) {
				c.logger.Error().Err(err).Int64("job_id", jobID).Msg("completing job")
			}
			continue
		}

		metrics.JobThroughputMBps.Observe(mbps)
		metrics.JobRuntimeSeconds.Observe(elapsed)
		c.publish(events.EventJobCompleted, "", job.Name)

		if bp != nil {
			c.dumpJobArtifacts(ctx, bp.logDir, jobID)
		}
	}

	if err := c.store.MarkBatchComplete(ctx, batchID); err != nil {
		return fmt.Errorf("marking batch %d complete: %w", batchID, err)
	}
	metrics.BatchesCompletedTotal.Inc()
	c.publish(events.EventBatchComplete, "", fmt.Sprintf("batch %d finalized", batchID))
	return nil
}

func liveNodeCountOf(bp *batchProgress) int {
	if bp == nil {
		return 0
	}
	return bp.liveNodeCount
}

// throughput computes MB/s, MB/s/node, and TB/minute for a completed job,
// matching the original's results.job_<id> summary fields.
func throughput(totalBytes int64, elapsedSeconds float64, liveNodes int) (mbps, mbpsNode, tbpm float64) {
	if elapsedSeconds <= 0 {
		return 0, 0, 0
	}
	mb := float64(totalBytes) / (1024 * 1024)
	mbps = mb / elapsedSeconds
	if liveNodes > 0 {
		mbpsNode = mbps / float64(liveNodes)
	}
	tbpm = (mb / 1024 / 1024) / (elapsedSeconds / 60)
	return mbps, mbpsNode, tbpm
}

// dumpJobArtifacts writes the post-mortem files the original coordinator
// leaves behind for every finalized job (supplement C.2).
func (c *Coordinator) dumpJobArtifacts(ctx context.Context, logDir string, jobID int64) {
	if logDir == "" {
		return
	}
	job, err := c.store.GetJobInfo(ctx, jobID)
	if err != nil {
		c.logger.Error().Err(err).Int64("job_id", jobID).Msg("reading job for artifact dump")
		return
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err == nil {
		if err := os.WriteFile(filepath.Join(logDir, fmt.Sprintf("job_info_%d.json", jobID)), data, 0o644); err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Msg("writing job_info artifact")
		}
	}

	results := fmt.Sprintf(
		"job %d (%s)\nstatus: %s\nstart: %s\nstop: %s\nthroughput: %.2f MB/s (%.2f MB/s/node, %.4f TB/min)\ntotal input bytes: %d\n",
		job.ID, job.Name, job.Status, job.StartTime.Format(time.RFC3339), job.StopTime.Format(time.RFC3339),
		job.ThroughputMBps, job.ThroughputMBpsNode, job.ThroughputTBpm, job.TotalInputSizeBytes)
	if err := os.WriteFile(filepath.Join(logDir, fmt.Sprintf("results.job_%d", jobID)), []byte(results), 0o644); err != nil {
		c.logger.Error().Err(err).Int64("job_id", jobID).Msg("writing results artifact")
	}

	if cpuinfo, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		_ = os.WriteFile(filepath.Join(logDir, "cpuinfo"), cpuinfo, 0o644)
	}
	if out, err := exec.CommandContext(ctx, "uname", "-a").Output(); err == nil {
		_ = os.WriteFile(filepath.Join(logDir, "uname"), out, 0o644)
	}
}

// --- Step 6: job ingest ---

// ingestJobs pops at most one atomically-submitted group from the job
// queue, allocates an id and discovers inputs for each spec, failing a job
// immediately if its input set is empty, per spec.md §4.5 step 6. It
// returns the admitted job ids alongside each one's discovered inputs, for
// dispatchBatch to plan reads from without listing inputs a second time.
func (c *Coordinator) ingestJobs(ctx context.Context) ([]int64, map[int64]map[string]types.WorkerInputs, error) {
	specs, ok, err := c.store.BlockingPopJobGroup(ctx, jobIngestPollTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("popping job queue: %w", err)
	}
	if !ok {
		return nil, nil, nil
	}

	if err := validateSkipAgreement(specs); err != nil {
		for _, spec := range specs {
			jobID, ierr := c.store.NextJobID(ctx)
			if ierr != nil {
				return nil, nil, fmt.Errorf("allocating job id: %w", ierr)
			}
			c.failJobAtIngest(ctx, jobID, spec, err.Error())
		}
		return nil, nil, nil
	}

	var admitted []int64
	inputs := make(map[int64]map[string]types.WorkerInputs)

	for _, spec := range specs {
		jobID, err := c.store.NextJobID(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("allocating job id: %w", err)
		}

		job := types.Job{
			ID:        jobID,
			Name:      spec.JobName,
			Spec:      spec,
			Status:    types.JobStatusInProgress,
			StartTime: time.Now(),
		}
		if err := c.store.SetJobInfo(ctx, job); err != nil {
			return nil, nil, fmt.Errorf("writing job info for %d: %w", jobID, err)
		}
		if spec.Recovering != nil {
			if err := c.store.SetRecoveryInfo(ctx, jobID, *spec.Recovering); err != nil {
				c.logger.Error().Err(err).Int64("job_id", jobID).Msg("recording recovery info")
			}
		}

		perHost, totalSize, err := c.discoverer.ListInputs(ctx, spec.InputDirectory, maxFilesOr(spec.MaxInputFilesPerDisk))
		if err != nil {
			c.failJob(ctx, jobID, err.Error())
			c.publish(events.EventJobFailed, "", err.Error())
			continue
		}
		if totalSize == 0 || len(perHost) == 0 {
			msg := fmt.Sprintf("input directory %q: %s", spec.InputDirectory, themiserr.ErrEmptyInput)
			c.failJob(ctx, jobID, msg)
			c.publish(events.EventJobFailed, "", msg)
			continue
		}

		job.TotalInputSizeBytes = totalSize
		if err := c.store.SetJobInfo(ctx, job); err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Msg("recording input size")
		}

		inputs[jobID] = perHost
		admitted = append(admitted, jobID)
		c.publish(events.EventJobAdmitted, "", spec.JobName)
	}

	return admitted, inputs, nil
}

func (c *Coordinator) failJob(ctx context.Context, jobID int64, message string) {
	err := c.store.UpdateJobStatus(ctx, jobID, types.JobStatusInProgress, types.JobStatusFailed, func(j *types.Job) {
		j.FailMessage = message
		j.StopTime = time.Now()
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("job_id", jobID).Msg("failing job")
	}
}

func (c *Coordinator) failJobAtIngest(ctx context.Context, jobID int64, spec types.JobSpec, message string) {
	now := time.Now()
	job := types.Job{
		ID:          jobID,
		Name:        spec.JobName,
		Spec:        spec,
		Status:      types.JobStatusFailed,
		FailMessage: message,
		StartTime:   now,
		StopTime:    now,
	}
	if err := c.store.SetJobInfo(ctx, job); err != nil {
		c.logger.Error().Err(err).Int64("job_id", jobID).Msg("writing failed job info")
	}
	c.publish(events.EventJobFailed, "", message)
}

// validateSkipAgreement enforces spec.md §6.1's constraint that every job in
// one atomic submission must agree on SKIP_PHASE_* (scenario S5).
func validateSkipAgreement(specs []types.JobSpec) error {
	keys := []string{"SKIP_PHASE_ZERO", "SKIP_PHASE_ONE", "SKIP_PHASE_TWO", "SKIP_PHASE_THREE"}
	for _, key := range keys {
		var want bool
		var seen bool
		for _, spec := range specs {
			v, ok := paramBool(spec.Params, key)
			if !ok {
				continue
			}
			if !seen {
				want, seen = v, true
				continue
			}
			if v != want {
				return fmt.Errorf("%s: %w", key, themiserr.ErrSkipMismatch)
			}
		}
	}
	return nil
}

func paramBool(params map[string]any, key string) (value bool, present bool) {
	v, ok := params[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case int:
		return t != 0, true
	case float64:
		return t != 0, true
	case string:
		if parsed, err := strconv.ParseBool(t); err == nil {
			return parsed, true
		}
	}
	return false, false
}

func maxFilesOr(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// --- Step 7: batch dispatch ---

// dispatchBatch allocates a batch id, resolves its phase set, copies the
// active config into a fresh batch log directory, creates barriers, plans
// and loads read requests, then pushes the batch onto every live node's
// queue (spec.md §4.5 step 7).
func (c *Coordinator) dispatchBatch(ctx context.Context, admitted []int64, inputs map[int64]map[string]types.WorkerInputs) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BatchDispatchDuration)

	liveNodes, err := c.store.LiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing live nodes: %w", err)
	}
	sort.Strings(liveNodes)
	if len(liveNodes) == 0 {
		return fmt.Errorf("no live nodes to dispatch batch to")
	}

	liveIPs := make([]string, 0, len(liveNodes))
	for _, host := range liveNodes {
		ip, err := c.store.IPv4Address(ctx, host)
		if err != nil {
			return fmt.Errorf("resolving ip for %s: %w", host, err)
		}
		liveIPs = append(liveIPs, ip)
	}

	jobs := make([]types.Job, 0, len(admitted))
	for _, jobID := range admitted {
		job, err := c.store.GetJobInfo(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reading job %d: %w", jobID, err)
		}
		jobs = append(jobs, job)
	}

	batchID, err := c.store.NextBatchID(ctx)
	if err != nil {
		return fmt.Errorf("allocating batch id: %w", err)
	}
	logBatch := log.WithBatchID(batchID)

	skipZero, skipOne, skipTwo, skipThree := c.resolveSkips(jobs)
	skipped := map[types.Phase]bool{
		types.PhaseZero:  skipZero,
		types.PhaseOne:   skipOne,
		types.PhaseTwo:   skipTwo,
		types.PhaseThree: skipThree,
	}
	var phases []types.Phase
	for _, p := range types.AllPhases {
		if !skipped[p] {
			phases = append(phases, p)
		}
	}

	nonce := uuid.NewString()
	logDir := filepath.Join(c.cfg.LogDirectory, fmt.Sprintf("batch_%d", batchID), nonce)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating batch log directory: %w", err)
	}
	c.copyActiveConfig(logDir)

	if err := c.createBarriers(ctx, batchID, jobs, liveIPs, skipped); err != nil {
		return fmt.Errorf("creating barriers for batch %d: %w", batchID, err)
	}

	planCfg := planner.Config{
		SampleRate:          c.cfg.SampleRate,
		SamplePointsPerFile: c.cfg.SamplesPerFile,
		TupleStartOffset:    c.cfg.TupleStartOffset,
	}
	jobInputs := make([]planner.JobInput, 0, len(jobs))
	for _, job := range jobs {
		jobInputs = append(jobInputs, planner.JobInput{JobID: job.ID, PerHost: inputs[job.ID]})
	}
	plan, err := planner.Plan(jobInputs, planCfg, phases)
	if err != nil {
		for _, job := range jobs {
			c.failJob(ctx, job.ID, err.Error())
		}
		return fmt.Errorf("planning reads for batch %d: %w", batchID, err)
	}
	if err := planner.LoadPlan(ctx, c.store, plan); err != nil {
		return fmt.Errorf("loading plan for batch %d: %w", batchID, err)
	}

	jobIDs := make([]int64, len(jobs))
	start := time.Now()
	for i, job := range jobs {
		jobIDs[i] = job.ID
		if err := c.store.UpdateJobStatus(ctx, job.ID, types.JobStatusInProgress, types.JobStatusInProgress, func(j *types.Job) {
			j.StartTime = start
			j.BatchID = batchID
		}); err != nil {
			logBatch.Error().Err(err).Int64("job_id", job.ID).Msg("recording job start time")
		}
	}

	if err := c.store.AddJobsToBatch(ctx, batchID, jobIDs); err != nil {
		return fmt.Errorf("adding jobs to batch %d: %w", batchID, err)
	}
	if err := c.store.SetBatchRemaining(ctx, batchID, liveIPs); err != nil {
		return fmt.Errorf("setting batch %d remaining: %w", batchID, err)
	}
	if err := c.store.MarkBatchIncomplete(ctx, batchID); err != nil {
		return fmt.Errorf("marking batch %d incomplete: %w", batchID, err)
	}
	for _, host := range liveNodes {
		if err := c.store.PushBatchQueue(ctx, host, batchID); err != nil {
			logBatch.Error().Err(err).Str("host", host).Msg("pushing batch onto node queue")
		}
	}

	c.mu.Lock()
	c.batches[batchID] = &batchProgress{
		phases:        phases,
		liveNodeCount: len(liveIPs),
		startTime:     start,
		phaseStart:    start,
		logDir:        logDir,
	}
	c.mu.Unlock()

	metrics.BatchesTotal.WithLabelValues(string(types.BatchStatusRunning)).Inc()
	c.publish(events.EventBatchDispatch, "", fmt.Sprintf("batch %d dispatched with %d jobs across %d nodes", batchID, len(jobIDs), len(liveIPs)))
	logBatch.Info().Int("jobs", len(jobIDs)).Int("live_nodes", len(liveIPs)).Msg("batch dispatched")
	return nil
}

// resolveSkips mirrors pkg/nodecoord's skip resolution exactly: the first
// job's params are authoritative (ingest already enforced batch-wide
// agreement), and DAYTONA_MINUTESORT overrides every other decision.
func (c *Coordinator) resolveSkips(jobs []types.Job) (zero, one, two, three bool) {
	var params map[string]any
	if len(jobs) > 0 {
		params = jobs[0].Spec.Params
	}
	if config.DaytonaMinutesort(params) {
		return false, true, true, true
	}
	return c.cfg.SkippedPhaseZero(params), c.cfg.SkippedPhaseOne(params),
		c.cfg.SkippedPhaseTwo(params), c.cfg.SkippedPhaseThree(params)
}

func (c *Coordinator) copyActiveConfig(logDir string) {
	if c.cfg.DefaultConfig == "" {
		return
	}
	data, err := os.ReadFile(c.cfg.DefaultConfig)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", c.cfg.DefaultConfig).Msg("reading active config for batch log directory")
		return
	}
	dest := filepath.Join(logDir, filepath.Base(c.cfg.DefaultConfig))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		c.logger.Warn().Err(err).Str("path", dest).Msg("copying active config into batch log directory")
	}
}

// createBarriers implements spec.md §4.5.2: phase_start and
// sockets_connected barriers, one batch-global pair for phases one/two, one
// pair per job for phases zero/three, every live node inserted as a member.
func (c *Coordinator) createBarriers(ctx context.Context, batchID int64, jobs []types.Job, liveIPs []string, skipped map[types.Phase]bool) error {
	for _, phase := range types.AllPhases {
		if skipped[phase] {
			continue
		}
		switch phase {
		case types.PhaseOne, types.PhaseTwo:
			if err := c.createBarrierPair(ctx, phase, batchID, 0, liveIPs); err != nil {
				return err
			}
		case types.PhaseZero, types.PhaseThree:
			for _, job := range jobs {
				if err := c.createBarrierPair(ctx, phase, batchID, job.ID, liveIPs); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) createBarrierPair(ctx context.Context, phase types.Phase, batchID, jobID int64, members []string) error {
	if err := c.store.CreateBarrier(ctx, "phase_start", phase, batchID, jobID, members, barrierTTL); err != nil {
		return fmt.Errorf("creating phase_start barrier: %w", err)
	}
	if err := c.store.CreateBarrier(ctx, "sockets_connected", phase, batchID, jobID, members, barrierTTL); err != nil {
		return fmt.Errorf("creating sockets_connected barrier: %w", err)
	}
	return nil
}

// --- §4.5.1 recovery planning ---

func (c *Coordinator) planNodeRecovery(ctx context.Context, batchID int64, host string) error {
	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("listing batch %d jobs: %w", batchID, err)
	}
	ip, err := c.store.IPv4Address(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving ip for %s: %w", host, err)
	}

	for _, jobID := range jobIDs {
		if err := c.planRecoveryForJob(ctx, jobID, host, ip, ""); err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Str("host", host).Msg("planning node recovery")
		}
	}
	metrics.RecoveryPlansTotal.WithLabelValues("node").Inc()
	c.publish(events.EventRecoveryPlan, host, fmt.Sprintf("node recovery planned for batch %d", batchID))
	return nil
}

func (c *Coordinator) planDiskRecovery(ctx context.Context, batchID int64, host, disk string) error {
	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("listing batch %d jobs: %w", batchID, err)
	}
	ip, err := c.store.IPv4Address(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving ip for %s: %w", host, err)
	}

	for _, jobID := range jobIDs {
		if err := c.planRecoveryForJob(ctx, jobID, host, ip, disk); err != nil {
			c.logger.Error().Err(err).Int64("job_id", jobID).Str("host", host).Str("disk", disk).Msg("planning disk recovery")
		}
	}
	metrics.RecoveryPlansTotal.WithLabelValues("disk").Inc()
	c.publish(events.EventRecoveryPlan, host, fmt.Sprintf("disk %s recovery planned for batch %d", disk, batchID))
	return nil
}

// planRecoveryForJob reads the phase-zero logical_disk_counts artifact for
// (job, host), walks it in ordered_node_list order accumulating a running
// partition offset, and records the contiguous [start,end] ranges owned by
// (ip, disk) — or every disk on ip, when disk is empty — as partitions to
// recover (spec.md §4.5.1).
func (c *Coordinator) planRecoveryForJob(ctx context.Context, jobID int64, host, ip, disk string) error {
	path, ok, err := c.store.GetLogicalDiskCountsFile(ctx, jobID, host)
	if err != nil {
		return fmt.Errorf("looking up logical disk counts file: %w", err)
	}
	if !ok {
		return fmt.Errorf("no logical disk counts file registered for job %d on %s", jobID, host)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading logical disk counts file %q: %w", path, err)
	}
	var counts types.LogicalDiskCounts
	if err := json.Unmarshal(data, &counts); err != nil {
		return fmt.Errorf("decoding logical disk counts file %q: %w", path, err)
	}

	allDisks := disk == ""
	diskIndex := -1
	if !allDisks {
		disks, err := c.store.IntermediateDisks(ctx, host)
		if err != nil {
			return fmt.Errorf("reading intermediate disks for %s: %w", host, err)
		}
		diskIndex = indexOfString(disks, disk)
		if diskIndex < 0 {
			return fmt.Errorf("disk %q not found among %s's intermediate disks", disk, host)
		}
	}

	for _, r := range recoveryRanges(counts, ip, diskIndex, allDisks) {
		if err := c.store.AddRecoveryPartitionRange(ctx, jobID, r); err != nil {
			return fmt.Errorf("recording recovery range for job %d: %w", jobID, err)
		}
		metrics.RecoveryPartitionsTotal.Inc()
	}
	return nil
}

// recoveryRanges walks counts.OrderedNodeList in order, accumulating a
// running partition offset across every node's every disk, and collects the
// contiguous intervals owned by (ip, diskIndex) — every disk on ip when
// allDisks is true.
func recoveryRanges(counts types.LogicalDiskCounts, ip string, diskIndex int, allDisks bool) []types.RecoveryPartitionRange {
	var ranges []types.RecoveryPartitionRange
	var current int64
	start := int64(-1)

	flush := func(end int64) {
		if start >= 0 {
			ranges = append(ranges, types.RecoveryPartitionRange{Start: start, Stop: end - 1})
			start = -1
		}
	}

	for _, nodeIP := range counts.OrderedNodeList {
		for i, count := range counts.PerNodeDisks[nodeIP] {
			owned := nodeIP == ip && (allDisks || i == diskIndex)
			if owned {
				if start < 0 {
					start = current
				}
			} else {
				flush(current)
			}
			current += count
		}
	}
	flush(current)
	return ranges
}

func indexOfString(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func containsString(ss []string, s string) bool {
	return indexOfString(ss, s) >= 0
}

// --- ssh-based node-coordinator lifecycle (supplement C.4) ---

func (c *Coordinator) startNodeCoordinators(ctx context.Context) error {
	nodes, err := c.store.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	for _, host := range nodes {
		if err := c.launcher.Start(ctx, host); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("starting node coordinator")
		}
	}
	return nil
}

// StopNodeCoordinators tears down every live node's node coordinator with
// SIGUSR1, as spec.md §5 describes for a clean SIGINT shutdown of C5.
func (c *Coordinator) StopNodeCoordinators(ctx context.Context) {
	live, err := c.store.LiveNodes(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("listing live nodes for teardown")
		return
	}
	for _, host := range live {
		pid, err := c.store.KeepalivePID(ctx, host)
		if err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("reading keepalive pid for teardown")
			continue
		}
		if err := c.launcher.Stop(ctx, host, pid); err != nil {
			c.logger.Error().Err(err).Str("host", host).Msg("stopping node coordinator")
		}
	}
}

// allClusterPingCheck implements the boot-time sanity check the original
// run() performs before entering its main loop: every node must answer the
// ping/reply round trip (§4.4 step 1) reporting every peer reachable.
func (c *Coordinator) allClusterPingCheck(ctx context.Context) error {
	nodes, err := c.store.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	for _, host := range nodes {
		if err := c.store.PushPingRequest(ctx, host); err != nil {
			return fmt.Errorf("pushing ping request to %s: %w", host, err)
		}
	}
	for _, host := range nodes {
		unreachable, ok, err := c.store.BlockingPopPingReply(ctx, host, c.cfg.KeepaliveTimeout)
		if err != nil {
			return fmt.Errorf("waiting for ping reply from %s: %w", host, err)
		}
		if !ok {
			return fmt.Errorf("no ping reply from %s within %s", host, c.cfg.KeepaliveTimeout)
		}
		if len(unreachable) > 0 {
			return fmt.Errorf("%s reports unreachable peers: %s", host, strings.Join(unreachable, ","))
		}
	}
	return nil
}

func (c *Coordinator) publish(t events.EventType, host, message string) {
	if c.broker == nil {
		return
	}
	meta := map[string]string{}
	if host != "" {
		meta["host"] = host
	}
	c.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     t,
		Message:  message,
		Metadata: meta,
	})
}

// sshLauncher is the default NodeLauncher: it spawns the node-coordinator
// binary over ssh, detached from the ssh session, and tears it down with
// SIGUSR1 delivered the same way.
type sshLauncher struct {
	sshCommand string
	cfg        config.Cluster
}

func newSSHLauncher(cfg config.Cluster) *sshLauncher {
	return &sshLauncher{sshCommand: cfg.SSHCommand, cfg: cfg}
}

func (l *sshLauncher) Start(ctx context.Context, hostname string) error {
	logFile := filepath.Join(l.cfg.LogDirectory, fmt.Sprintf("nodecoord-%s.log", hostname))
	remote := fmt.Sprintf(
		"nohup %s -redis-addr %s -redis-db %d -hostname %s -log-dir %s > %s 2>&1 < /dev/null & disown",
		shellQuote(l.cfg.NodeCoordinatorBinary), shellQuote(l.cfg.RedisAddr), l.cfg.RedisDB,
		shellQuote(hostname), shellQuote(l.cfg.LogDirectory), shellQuote(logFile),
	)
	cmd := exec.CommandContext(ctx, l.sshCommand, hostname, remote)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh start on %s: %w: %s", hostname, err, out)
	}
	return nil
}

func (l *sshLauncher) Stop(ctx context.Context, hostname string, pid int) error {
	remote := fmt.Sprintf("kill -USR1 %d", pid)
	cmd := exec.CommandContext(ctx, l.sshCommand, hostname, remote)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh stop on %s: %w: %s", hostname, err, out)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
