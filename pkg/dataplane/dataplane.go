// Package dataplane wraps the §6.2 subprocess-invocation contract: the node
// coordinator never talks to the data-plane binary except by spawning it
// with a flat parameter list and waiting for it to exit, grounded on
// original_source/node_coordinator.py's _run_themis.
package dataplane

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/themis/pkg/log"
	"github.com/cuemby/themis/pkg/metrics"
	"github.com/cuemby/themis/pkg/themiserr"
)

// DiskFailureReportParam is the invocation parameter telling the data-plane
// binary where to write the failed disk's path if it detects one, the same
// well-known-file convention LOGICAL_DISK_COUNTS_FILE and BOUNDARY_LIST_FILE
// already use for passing structured facts back out of the subprocess.
const DiskFailureReportParam = "DISK_FAILURE_REPORT_FILE"

// Invocation describes one data-plane subprocess run.
type Invocation struct {
	Binary   string
	Params   map[string]string
	LogDir   string
	Hostname string
	Phase    string // "phase_zero", "phase_one", "phase_two", "phase_three"

	DumpCore   bool
	CoreRunDir string // first intermediate disk; where a crash's core file lands
	BatchID    int64
}

// Run executes the data-plane binary, streaming its stdout/stderr straight
// to per-host log files instead of buffering them in memory, and reports
// success purely by exit code — a non-zero exit becomes
// themiserr.ErrSubprocessFailed, never a panic.
func Run(ctx context.Context, inv Invocation) error {
	if err := os.MkdirAll(inv.LogDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %q: %w", inv.LogDir, err)
	}

	diskReportPath := filepath.Join(inv.LogDir, fmt.Sprintf("disk_failure-%s", inv.Hostname))
	_ = os.Remove(diskReportPath) // stale report from an earlier invocation must not leak in
	if inv.Params == nil {
		inv.Params = map[string]string{}
	}
	inv.Params[DiskFailureReportParam] = diskReportPath

	args := flattenParams(inv.Params)
	cmd := exec.CommandContext(ctx, inv.Binary, args...)

	stdoutPath := filepath.Join(inv.LogDir, fmt.Sprintf("stdout-%s.log", inv.Hostname))
	stderrPath := filepath.Join(inv.LogDir, fmt.Sprintf("stderr-%s.log", inv.Hostname))

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return fmt.Errorf("creating stdout log %q: %w", stdoutPath, err)
	}
	defer stdoutFile.Close()

	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return fmt.Errorf("creating stderr log %q: %w", stderrPath, err)
	}
	defer stderrFile.Close()

	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	cmdLogPath := filepath.Join(inv.LogDir, fmt.Sprintf("%s.cmd", inv.Hostname))
	_ = os.WriteFile(cmdLogPath, []byte(fmt.Sprintf("%s %v", inv.Binary, args)), 0o644)

	timer := metrics.NewTimer()
	runErr := cmd.Run()
	timer.ObserveDurationVec(metrics.SubprocessDuration, inv.Phase)

	if runErr != nil {
		metrics.SubprocessFailuresTotal.WithLabelValues(inv.Phase).Inc()

		if inv.DumpCore {
			relocateCoreDump(inv)
		}

		tail, _ := tailFile(stderrPath, 4096)
		log.WithComponent("dataplane").Error().
			Str("binary", inv.Binary).Str("host", inv.Hostname).Str("phase", inv.Phase).
			Err(runErr).Msg("data-plane subprocess exited non-zero")

		if disk, ok := readDiskFailureReport(diskReportPath); ok {
			log.WithComponent("dataplane").Error().
				Str("host", inv.Hostname).Str("disk", disk).Msg("subprocess reported a failed disk")
			return fmt.Errorf("%s phase %s on %s: %s: %w", inv.Binary, inv.Phase, inv.Hostname, tail, &themiserr.DiskError{Disk: disk})
		}

		return fmt.Errorf("%s phase %s on %s: %s: %w", inv.Binary, inv.Phase, inv.Hostname, tail, themiserr.ErrSubprocessFailed)
	}

	return nil
}

func flattenParams(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, "-"+k, params[k])
	}
	return args
}

// readDiskFailureReport reads the disk path a subprocess wrote to its
// DISK_FAILURE_REPORT_FILE, if any. A missing or empty file just means the
// subprocess failed for some other reason.
func readDiskFailureReport(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	disk := strings.TrimSpace(string(data))
	if disk == "" {
		return "", false
	}
	return disk, true
}

func tailFile(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return string(data), nil
}

// relocateCoreDump moves a crash's core file, identified by the kernel's
// core_pattern, to a batch-tagged name so a following subprocess's crash
// doesn't overwrite it. Best-effort: failures are logged, not returned, since
// core capture is diagnostic, not load-bearing.
func relocateCoreDump(inv Invocation) {
	pattern, err := os.ReadFile("/proc/sys/kernel/core_pattern")
	if err != nil {
		log.WithComponent("dataplane").Warn().Err(err).Msg("could not read core_pattern")
		return
	}

	runDir := inv.CoreRunDir
	if runDir == "" {
		runDir = os.TempDir()
	}

	corePath := filepath.Join(runDir, string(bytes.TrimSpace(pattern)))
	if _, err := os.Stat(corePath); err != nil {
		return
	}

	dest := filepath.Join(filepath.Dir(corePath), fmt.Sprintf("core.batch_%d", inv.BatchID))
	if err := os.Rename(corePath, dest); err != nil {
		log.WithComponent("dataplane").Warn().Err(err).Str("core", corePath).Msg("could not relocate core dump")
	}
}
