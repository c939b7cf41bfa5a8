// Package discovery implements C2: given a job's input URL, it enumerates
// files on every live node's input disks and returns a per-(host, disk)
// list of (url, length), grounded on
// original_source/input_file_utils.py's gather_local_file_paths.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/themis/pkg/log"
	"github.com/cuemby/themis/pkg/metrics"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

// missingDirMarker is emitted by the remote listing command in place of a
// disk's file listing when the job's input directory doesn't exist there.
const missingDirMarker = "THEMIS_INPUT_DIR_MISSING"

// Runner executes a listing command on a remote host and returns its
// stdout. The production Runner shells out over ssh; tests substitute a
// fake so discovery logic can run without a real cluster.
type Runner interface {
	Run(ctx context.Context, host, command string) ([]byte, error)
}

type sshRunner struct {
	sshCommand string
}

func (r sshRunner) Run(ctx context.Context, host, command string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, r.sshCommand, host, command).Output()
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", host, err)
	}
	return out, nil
}

// Discoverer lists a job's input files across the live cluster in parallel,
// one ssh connection per host, each guarded by its own circuit breaker so a
// single flapping node can't stall the whole discovery pass.
type Discoverer struct {
	store   store.Store
	runner  Runner
	timeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New returns a Discoverer that lists files over ssh using sshCommand,
// bounding each host's listing command to timeout.
func New(st store.Store, sshCommand string, timeout time.Duration) *Discoverer {
	return &Discoverer{
		store:    st,
		runner:   sshRunner{sshCommand: sshCommand},
		timeout:  timeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// WithRunner overrides the Runner, for tests.
func (d *Discoverer) WithRunner(r Runner) *Discoverer {
	d.runner = r
	return d
}

func (d *Discoverer) breakerFor(host string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "discovery:" + host,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.DiscoveryCircuitOpenTotal.WithLabelValues(host).Inc()
			}
			log.WithComponent("discovery").Warn().
				Str("host", host).Str("from", from.String()).Str("to", to.String()).
				Msg("discovery circuit breaker state change")
		},
	})
	d.breakers[host] = b
	return b
}

// ListInputs enumerates inputDir on every live node's input disks in
// parallel. cap, if positive, truncates each per-disk list to its first cap
// entries after a stable ordering by path. A missing input directory on any
// live host fails the call with themiserr.ErrInputNotFound; a zero-byte
// result fails it with themiserr.ErrEmptyInput.
func (d *Discoverer) ListInputs(ctx context.Context, inputDir string, cap int) (map[string]types.WorkerInputs, int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DiscoveryDuration)

	hosts, err := d.store.LiveNodes(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("listing live nodes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(map[string]types.WorkerInputs, len(hosts))
	var mu sync.Mutex
	var totalSize int64

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			disks, err := d.store.InputDisks(gctx, host)
			if err != nil {
				return fmt.Errorf("listing input disks for %s: %w", host, err)
			}
			sort.Strings(disks)

			inputs, size, err := d.listHost(gctx, host, disks, inputDir, cap)
			if err != nil {
				return err
			}

			mu.Lock()
			results[host] = inputs
			totalSize += size
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	if totalSize == 0 {
		return nil, 0, themiserr.ErrEmptyInput
	}

	return results, totalSize, nil
}

func (d *Discoverer) listHost(ctx context.Context, host string, disks []string, inputDir string, cap int) (types.WorkerInputs, int64, error) {
	var sb strings.Builder
	for i, disk := range disks {
		dir := path.Join(disk, inputDir)
		fmt.Fprintf(&sb, "echo ###DISK_%d###; if [ -d '%s' ]; then find '%s' -type f -printf '%%s %%p\\n'; else echo %s; fi; ",
			i, dir, dir, missingDirMarker)
	}

	raw, err := d.breakerFor(host).Execute(func() (any, error) {
		runCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		return d.runner.Run(runCtx, host, sb.String())
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing input files on %s: %w", host, err)
	}

	inputs := make(types.WorkerInputs)
	currentDisk := -1

	scanner := bufio.NewScanner(strings.NewReader(string(raw.([]byte))))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "###DISK_"):
			idxStr := strings.TrimSuffix(strings.TrimPrefix(line, "###DISK_"), "###")
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, 0, fmt.Errorf("parsing disk marker %q from %s: %w", line, host, err)
			}
			currentDisk = idx
			inputs[currentDisk] = nil
		case line == missingDirMarker:
			return nil, 0, fmt.Errorf("input directory %q missing on %s disk %d: %w",
				inputDir, host, currentDisk, themiserr.ErrInputNotFound)
		default:
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			size, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				continue
			}
			inputs[currentDisk] = append(inputs[currentDisk], types.FileInfo{
				URL:    fmt.Sprintf("local://%s%s", host, parts[1]),
				Length: size,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading file listing from %s: %w", host, err)
	}

	var totalSize int64
	for diskIdx, files := range inputs {
		if cap > 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].URL < files[j].URL })
			if len(files) > cap {
				files = files[:cap]
			}
			inputs[diskIdx] = files
		}
		for _, f := range files {
			totalSize += f.Length
		}
	}

	return inputs, totalSize, nil
}
