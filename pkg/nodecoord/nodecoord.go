// Package nodecoord implements C4, the per-node process spawned by the
// cluster coordinator over ssh: it drains its batch queue, runs the
// data-plane subprocess once per non-skipped phase, and reports whatever
// went wrong back through the store. Grounded on
// original_source/node_coordinator.py, with the goroutine-lifecycle shape
// (constructor, Run/Stop, a ticker-driven side loop) borrowed from
// cuemby-warren/pkg/worker.
package nodecoord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/dataplane"
	"github.com/cuemby/themis/pkg/log"
	"github.com/cuemby/themis/pkg/metrics"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

// Pinger checks whether a host answers a liveness probe. The default
// implementation shells out to the system ping; tests supply a fake.
type Pinger interface {
	Ping(ctx context.Context, host string) error
}

type execPinger struct{}

// Ping runs a single, short-timeout ping. Any non-zero exit is treated as
// unreachable; the caller does not distinguish the reason.
func (execPinger) Ping(ctx context.Context, host string) error {
	return exec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", host).Run()
}

// maxPeerIDRetries bounds how many times the batch loop retries finding
// itself in the live-node list before giving up on a batch as
// cluster-shape-inconsistent; a node can have popped a batch from its
// batch_queue but be momentarily absent from LiveNodes if its own keepalive refresh raced the
// cluster coordinator's liveness sweep.
const maxPeerIDRetries = 3

// Coordinator is one node coordinator's in-process state.
type Coordinator struct {
	store    store.Store
	cfg      config.Cluster
	hostname string
	pid      int

	pinger       Pinger
	runDataPlane func(ctx context.Context, inv dataplane.Invocation) error

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a node coordinator for the given host. hostname must already
// be registered in the store (RegisterNode) before Run is called.
func New(st store.Store, cfg config.Cluster, hostname string) *Coordinator {
	return &Coordinator{
		store:        st,
		cfg:          cfg,
		hostname:     hostname,
		pid:          os.Getpid(),
		pinger:       execPinger{},
		runDataPlane: dataplane.Run,
		stopCh:       make(chan struct{}),
	}
}

// WithPinger overrides the liveness pinger; used by tests.
func (c *Coordinator) WithPinger(p Pinger) *Coordinator {
	c.pinger = p
	return c
}

// WithDataPlaneRunner overrides the subprocess invocation; used by tests.
func (c *Coordinator) WithDataPlaneRunner(fn func(ctx context.Context, inv dataplane.Invocation) error) *Coordinator {
	c.runDataPlane = fn
	return c
}

// Stop signals Run to exit its batch loop and stop the keepalive thread.
// Safe to call more than once, and from any goroutine.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Run executes the boot sequence, starts the keepalive-refresh goroutine,
// then blocks running batches until ctx is cancelled or Stop is called.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.boot(ctx); err != nil {
		return fmt.Errorf("node coordinator boot on %s: %w", c.hostname, err)
	}

	c.wg.Add(1)
	go c.keepaliveLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		batchID, ok, err := c.store.BlockingPopBatchQueue(ctx, c.hostname, c.cfg.MainLoopInterval)
		if err != nil {
			log.WithComponent("nodecoord").Error().Err(err).Str("host", c.hostname).Msg("popping batch queue")
			continue
		}
		if !ok {
			continue
		}

		if err := c.runBatch(ctx, batchID); err != nil {
			log.WithComponent("nodecoord").Error().Err(err).Str("host", c.hostname).Int64("batch_id", batchID).Msg("batch run failed")
		}
	}
}

// boot writes the keepalive entry, drains a stale batch queue left over from
// a prior run on this host, and completes the all-cluster ping/reply round
// trip (spec.md §4.4 step 1).
func (c *Coordinator) boot(ctx context.Context) error {
	// The node's hostname/ip/interfaces/disk topology are registered once by
	// cluster bootstrap (ssh-provisioning, outside this package's scope);
	// the node coordinator only ever reads that record, never rewrites it.
	if err := c.store.CreateKeepalive(ctx, c.hostname, c.pid, c.cfg.KeepaliveTimeout); err != nil {
		return fmt.Errorf("creating keepalive: %w", err)
	}
	if err := c.store.ClearBatchQueue(ctx, c.hostname); err != nil {
		return fmt.Errorf("clearing stale batch queue: %w", err)
	}

	waited, err := c.store.BlockingWaitForPingRequest(ctx, c.hostname, c.cfg.KeepaliveTimeout)
	if err != nil {
		return fmt.Errorf("waiting for ping request: %w", err)
	}
	if !waited {
		return nil
	}

	nodes, err := c.store.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes for ping sweep: %w", err)
	}

	var unreachable []string
	for _, n := range nodes {
		if n == c.hostname {
			continue
		}
		if err := c.pinger.Ping(ctx, n); err != nil {
			unreachable = append(unreachable, n)
		}
	}
	sort.Strings(unreachable)

	return c.store.PushPingReply(ctx, c.hostname, unreachable)
}

// keepaliveLoop refreshes this node's liveness TTL on a fixed period until
// stopped. It is the second of the two threads spec.md §4.4 describes: "a
// single control thread drives the batch loop; a second thread owns
// keepalive refresh."
func (c *Coordinator) keepaliveLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepaliveRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.store.RefreshKeepalive(ctx, c.hostname, c.cfg.KeepaliveTimeout); err != nil {
				log.WithComponent("nodecoord").Error().Err(err).Str("host", c.hostname).Msg("keepalive refresh failed")
				continue
			}
			metrics.KeepaliveRefreshTotal.Inc()
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// batchState carries the per-batch derived facts the phase loop needs,
// computed once at the top of runBatch.
type batchState struct {
	batchID           int64
	myPeerID          int
	myIP              string
	peerIPs           []string
	interfaceCount    int
	inputDiskCount    int
	intermediateDisks []string
	outputDisks       []string
	logDir            string
	jobs              []types.Job
	jobIDs            []int64
	ownBoundaryList   map[int64]string
	recoveringList    map[int64]string
	unrecoverable     map[int64]bool
	skips             map[types.Phase]bool
}

// runBatch implements spec.md §4.4 steps 2-4 and 6: cluster-shape check,
// boundary-list wiring, and the phase execution loop.
func (c *Coordinator) runBatch(ctx context.Context, batchID int64) error {
	state, err := c.prepareBatch(ctx, batchID)
	if err != nil {
		if themiserrIsShapeMismatch(err) {
			c.reportFailure(ctx, batchID, "", err.Error())
			if myIP, ipErr := c.store.IPv4Address(ctx, c.hostname); ipErr == nil {
				done := &batchState{batchID: batchID, myIP: myIP}
				for _, phase := range types.AllPhases {
					c.markPhaseCompleted(ctx, done, phase)
				}
			}
			return nil // "report failure and complete the batch (no work done)"
		}
		return err
	}

	skipZero, skipOne, skipTwo, skipThree := c.resolveSkips(state.jobs)
	state.skips = map[types.Phase]bool{
		types.PhaseZero:  skipZero,
		types.PhaseOne:   skipOne,
		types.PhaseTwo:   skipTwo,
		types.PhaseThree: skipThree,
	}

	continueBatch := true

	for _, phase := range types.AllPhases {
		if state.skips[phase] || !continueBatch {
			c.markPhaseCompleted(ctx, state, phase)
			continue
		}

		var err error
		switch phase {
		case types.PhaseZero, types.PhaseThree:
			err = c.runPerJobPhase(ctx, state, phase)
		case types.PhaseOne, types.PhaseTwo:
			err = c.runBatchGlobalPhase(ctx, state, phase)
		}

		if err != nil {
			continueBatch = false
			c.reportFailure(ctx, batchID, diskFromError(err), err.Error())
		}

		c.markPhaseCompleted(ctx, state, phase)
	}

	return nil
}

type shapeMismatchError struct{ err error }

func (e shapeMismatchError) Error() string { return e.err.Error() }
func (e shapeMismatchError) Unwrap() error { return e.err }

func themiserrIsShapeMismatch(err error) bool {
	_, ok := err.(shapeMismatchError)
	return ok
}

// prepareBatch derives myPeerID, verifies every live node agrees on
// intermediate-disk count, gathers topology, and wires boundary lists.
func (c *Coordinator) prepareBatch(ctx context.Context, batchID int64) (*batchState, error) {
	var liveNodes []string
	var myPeerID int
	var err error

	for attempt := 0; attempt < maxPeerIDRetries; attempt++ {
		liveNodes, err = c.store.LiveNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing live nodes: %w", err)
		}
		sort.Strings(liveNodes)

		idx := indexOf(liveNodes, c.hostname)
		if idx >= 0 {
			myPeerID = idx
			break
		}
		if attempt == maxPeerIDRetries-1 {
			return nil, shapeMismatchError{fmt.Errorf("%s not found in live-node list after %d attempts: %w",
				c.hostname, maxPeerIDRetries, themiserr.ErrClusterShapeInconsistent)}
		}
		time.Sleep(50 * time.Millisecond)
	}

	ownIntermediate, err := c.store.IntermediateDisks(ctx, c.hostname)
	if err != nil {
		return nil, fmt.Errorf("reading own intermediate disks: %w", err)
	}
	for _, node := range liveNodes {
		disks, err := c.store.IntermediateDisks(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("reading intermediate disks for %s: %w", node, err)
		}
		if len(disks) != len(ownIntermediate) {
			return nil, shapeMismatchError{fmt.Errorf("%s reports %d intermediate disks, %s reports %d: %w",
				c.hostname, len(ownIntermediate), node, len(disks), themiserr.ErrClusterShapeInconsistent)}
		}
	}

	myIP, err := c.store.IPv4Address(ctx, c.hostname)
	if err != nil {
		return nil, fmt.Errorf("resolving own ip: %w", err)
	}

	peerIPs := make([]string, 0, len(liveNodes))
	for _, node := range liveNodes {
		ip, err := c.store.IPv4Address(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("resolving ip for peer %s: %w", node, err)
		}
		peerIPs = append(peerIPs, ip)
	}

	interfaces, err := c.store.Interfaces(ctx, c.hostname)
	if err != nil {
		return nil, fmt.Errorf("reading interfaces: %w", err)
	}

	inputDisks, err := c.store.InputDisks(ctx, c.hostname)
	if err != nil {
		return nil, fmt.Errorf("reading input disks: %w", err)
	}

	jobIDs, err := c.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("reading batch jobs: %w", err)
	}

	jobs := make([]types.Job, 0, len(jobIDs))
	for _, id := range jobIDs {
		job, err := c.store.GetJobInfo(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading job info for %d: %w", id, err)
		}
		jobs = append(jobs, job)
	}

	nonce := uuid.NewString()
	logDir := filepath.Join(c.cfg.LogDirectory, fmt.Sprintf("batch_%d", batchID), nonce)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating batch log directory: %w", err)
	}

	ownPaths, recoveringPaths, unrecoverable := c.wireBoundaryLists(ctx, batchID, logDir, jobs)

	return &batchState{
		batchID:           batchID,
		myPeerID:          myPeerID,
		myIP:              myIP,
		peerIPs:           peerIPs,
		interfaceCount:    len(interfaces),
		inputDiskCount:    len(inputDisks),
		intermediateDisks: ownIntermediate,
		outputDisks:       ownIntermediate,
		logDir:            logDir,
		jobs:              jobs,
		jobIDs:            jobIDs,
		ownBoundaryList:   ownPaths,
		recoveringList:    recoveringPaths,
		unrecoverable:     unrecoverable,
	}, nil
}

// wireBoundaryLists implements spec.md §4.4 step 4: every job gets its own
// boundary-list path registered for future recoveries; a job recovering an
// earlier one must find that job's path already on disk, or it cannot run.
func (c *Coordinator) wireBoundaryLists(ctx context.Context, batchID int64, logDir string, jobs []types.Job) (own, recovering map[int64]string, unrecoverable map[int64]bool) {
	own = make(map[int64]string, len(jobs))
	recovering = make(map[int64]string)
	unrecoverable = make(map[int64]bool)

	for _, job := range jobs {
		path := filepath.Join(logDir, fmt.Sprintf("boundary_list.%d", job.ID))
		own[job.ID] = path
		if err := c.store.SetBoundaryListFile(ctx, job.ID, path); err != nil {
			log.WithComponent("nodecoord").Error().Err(err).Int64("job_id", job.ID).Msg("registering boundary list path")
		}

		if job.Spec.Recovering == nil {
			continue
		}
		recoveredJobID := *job.Spec.Recovering

		recPath, ok, err := c.store.GetBoundaryListFile(ctx, recoveredJobID)
		if err != nil || !ok {
			unrecoverable[job.ID] = true
			c.reportFailure(ctx, batchID, "",
				fmt.Sprintf("job %d: %s", job.ID, themiserr.ErrUnrecoverable))
			continue
		}
		if _, err := os.Stat(recPath); err != nil {
			unrecoverable[job.ID] = true
			c.reportFailure(ctx, batchID, "",
				fmt.Sprintf("job %d: boundary list %q for recovered job %d missing on disk: %s",
					job.ID, recPath, recoveredJobID, themiserr.ErrUnrecoverable))
			continue
		}
		recovering[job.ID] = recPath
	}
	return own, recovering, unrecoverable
}

// resolveSkips decides the four phase-skip booleans for the batch. All jobs
// in one submission agree on SKIP_PHASE_* (enforced at ingest by C5), so the
// first job's params are authoritative; DAYTONA_MINUTESORT overrides every
// other skip decision (spec.md §4.4 step 5).
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

func (c *Coordinator) markPhaseCompleted(ctx context.Context, state *batchState, phase types.Phase) {
	if err := c.store.PhaseCompleted(ctx, state.batchID, state.myIP, phase); err != nil {
		log.WithComponent("nodecoord").Error().Err(err).
			Int64("batch_id", state.batchID).Str("phase", string(phase)).Msg("writing phase completion")
	}
}

func (c *Coordinator) reportFailure(ctx context.Context, batchID int64, disk, message string) {
	if err := c.store.ReportFailure(ctx, types.FailureReport{
		Hostname: c.hostname,
		BatchID:  batchID,
		Message:  message,
		Disk:     disk,
	}); err != nil {
		log.WithComponent("nodecoord").Error().Err(err).Str("host", c.hostname).Msg("reporting failure")
	}
}

// diskFromError recovers the disk a data-plane subprocess reported as
// failed, when err wraps themiserr.DiskError. Most phase failures don't
// carry one, in which case the batch failure is host-wide, not disk-scoped.
func diskFromError(err error) string {
	var de *themiserr.DiskError
	if errors.As(err, &de) {
		return de.Disk
	}
	return ""
}

// runPerJobPhase runs phase zero or phase three once per job, in batch-job
// order, stopping at the first non-zero exit (spec.md §4.4 step 3).
func (c *Coordinator) runPerJobPhase(ctx context.Context, state *batchState, phase types.Phase) error {
	for _, job := range state.jobs {
		if state.unrecoverable[job.ID] {
			continue
		}

		params := c.commonParams(state, phase, []int64{job.ID})
		if phase == types.PhaseZero {
			countsPath := filepath.Join(state.logDir, fmt.Sprintf("logical_disk_counts.%d", job.ID))
			params["LOGICAL_DISK_COUNTS_FILE"] = countsPath
			if err := c.store.SetLogicalDiskCountsFile(ctx, job.ID, c.hostname, countsPath); err != nil {
				log.WithComponent("nodecoord").Error().Err(err).Int64("job_id", job.ID).Msg("registering logical disk counts path")
			}
			params["BOUNDARY_LIST_FILE"] = state.ownBoundaryList[job.ID]
			if recPath, ok := state.recoveringList[job.ID]; ok {
				params[fmt.Sprintf("DISK_BACKED_BOUNDARY_LIST.%d", job.ID)] = recPath
			}
		}

		inv := dataplane.Invocation{
			Binary:     c.cfg.DataPlaneBinary,
			Params:     params,
			LogDir:     state.logDir,
			Hostname:   c.hostname,
			Phase:      string(phase),
			DumpCore:   c.cfg.DumpCore,
			CoreRunDir: firstOr(state.intermediateDisks, ""),
			BatchID:    state.batchID,
		}

		if err := c.runDataPlane(ctx, inv); err != nil {
			return fmt.Errorf("job %d phase %s: %w", job.ID, phase, err)
		}
	}
	return nil
}

// runBatchGlobalPhase runs phase one or phase two once for the whole batch,
// over every job not marked unrecoverable; with none left it runs nothing.
func (c *Coordinator) runBatchGlobalPhase(ctx context.Context, state *batchState, phase types.Phase) error {
	var jobs []types.Job
	var jobIDs []int64
	for _, job := range state.jobs {
		if !state.unrecoverable[job.ID] {
			jobs = append(jobs, job)
			jobIDs = append(jobIDs, job.ID)
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	params := c.commonParams(state, phase, jobIDs)

	for _, job := range jobs {
		params[fmt.Sprintf("LOGICAL_DISK_COUNTS_FILE.%d", job.ID)] = filepath.Join(state.logDir, fmt.Sprintf("logical_disk_counts.%d", job.ID))
		params[fmt.Sprintf("BOUNDARY_LIST_FILE.%d", job.ID)] = state.ownBoundaryList[job.ID]
		if recPath, ok := state.recoveringList[job.ID]; ok {
			params[fmt.Sprintf("DISK_BACKED_BOUNDARY_LIST.%d", job.ID)] = recPath
		}
	}

	inv := dataplane.Invocation{
		Binary:     c.cfg.DataPlaneBinary,
		Params:     params,
		LogDir:     state.logDir,
		Hostname:   c.hostname,
		Phase:      string(phase),
		DumpCore:   c.cfg.DumpCore,
		CoreRunDir: firstOr(state.intermediateDisks, ""),
		BatchID:    state.batchID,
	}

	if err := c.runDataPlane(ctx, inv); err != nil {
		return fmt.Errorf("batch %d phase %s: %w", state.batchID, phase, err)
	}
	return nil
}

// commonParams builds the parameter set every phase invocation shares
// (spec.md §6.2), with skip flags for every phase except the one currently
// running — "exactly one of the four unset per invocation".
func (c *Coordinator) commonParams(state *batchState, phase types.Phase, jobIDs []int64) map[string]string {
	redisHost, redisPort := splitHostPort(c.cfg.RedisAddr)

	params := map[string]string{
		"OUTPUT_DISK_LIST":       strings.Join(state.outputDisks, ","),
		"INTERMEDIATE_DISK_LIST": strings.Join(state.intermediateDisks, ","),
		"MYPEERID":               strconv.Itoa(state.myPeerID),
		"MY_IP_ADDRESS":          state.myIP,
		"PEER_LIST":              strings.Join(state.peerIPs, ","),
		"NUM_INTERFACES":         strconv.Itoa(state.interfaceCount),
		"NUM_INPUT_DISKS":        strconv.Itoa(state.inputDiskCount),
		"CONFIG":                 c.cfg.DefaultConfig,
		"DEFAULT_CONFIG":         c.cfg.DefaultConfig,
		"LOG_DIR":                state.logDir,
		"BATCH_ID":               strconv.FormatInt(state.batchID, 10),
		"COORDINATOR.HOSTNAME":   redisHost,
		"COORDINATOR.PORT":       redisPort,
		"COORDINATOR.DB":         strconv.Itoa(c.cfg.RedisDB),
		"JOB_IDS":                joinInt64(jobIDs),
	}

	skips := map[types.Phase]string{
		types.PhaseZero:  "SKIP_PHASE_ZERO",
		types.PhaseOne:   "SKIP_PHASE_ONE",
		types.PhaseTwo:   "SKIP_PHASE_TWO",
		types.PhaseThree: "SKIP_PHASE_THREE",
	}
	for p, key := range skips {
		if p == phase {
			continue
		}
		params[key] = strconv.FormatBool(state.skips[p])
	}

	return params
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func firstOr(ss []string, fallback string) string {
	if len(ss) == 0 {
		return fallback
	}
	return ss[0]
}

func joinInt64(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitHostPort(addr string) (host, port string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}
