// Package e2e runs spec.md §8's scenarios (S1-S6) against a real, fully
// in-process Themis deployment: framework.NewCluster wires one
// miniredis-backed store, a real clustercoord.Coordinator, and one real
// nodecoord.Coordinator per simulated host, all driven by the actual
// coordination-store protocol rather than mocks.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/dataplane"
	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
	"github.com/cuemby/themis/test/framework"
)

// defaultTestTimeout bounds how long a scenario waits for the cluster to
// reach the state it asserts on; generous relative to the millisecond-scale
// polling intervals framework.withTestDefaults configures.
const defaultTestTimeout = 20 * time.Second

func newWaiter() *framework.Waiter {
	return framework.NewWaiter(defaultTestTimeout, 20*time.Millisecond)
}

// diskCountsRunner is a fake dataplane.Run substitute, installed on every
// node coordinator in a test cluster. It accepts every invocation (so a
// batch runs every non-skipped phase to completion) except those named in
// failDisk/failHost, and for phase zero it writes a real
// logical_disk_counts artifact to the path the node coordinator registered
// — the one production input clustercoord's recovery planning needs that a
// real data-plane binary would otherwise supply.
type diskCountsRunner struct {
	nodeIPs      []string
	disksPerNode int

	// failDisk maps "hostname:phase" to the disk a synthetic DiskError
	// should report failed for that invocation.
	failDisk map[string]string
	// failHost maps "hostname:phase" to a plain failure message, for
	// failures that aren't disk-scoped.
	failHost map[string]string
}

func (r *diskCountsRunner) run(ctx context.Context, inv dataplane.Invocation) error {
	key := inv.Hostname + ":" + inv.Phase

	if disk, ok := r.failDisk[key]; ok {
		return fmt.Errorf("synthetic data-plane failure on %s: %w", inv.Hostname, &themiserr.DiskError{Disk: disk})
	}
	if msg, ok := r.failHost[key]; ok {
		return fmt.Errorf("synthetic data-plane failure on %s: %s", inv.Hostname, msg)
	}

	if inv.Phase == string(types.PhaseZero) {
		if err := r.writeLogicalDiskCounts(inv); err != nil {
			return err
		}
	}
	return nil
}

func (r *diskCountsRunner) writeLogicalDiskCounts(inv dataplane.Invocation) error {
	path := inv.Params["LOGICAL_DISK_COUNTS_FILE"]
	if path == "" {
		return nil
	}

	counts := types.LogicalDiskCounts{
		OrderedNodeList: r.nodeIPs,
		PerNodeDisks:    make(map[string][]int64, len(r.nodeIPs)),
	}
	for _, ip := range r.nodeIPs {
		perDisk := make([]int64, r.disksPerNode)
		for i := range perDisk {
			perDisk[i] = 1000
		}
		counts.PerNodeDisks[ip] = perDisk
	}

	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshalling fake logical disk counts: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// installFakeDataPlane wires runner onto every node in cl, replacing the
// /bin/true default wired by framework.withTestDefaults. Must be called
// before cl.Start.
func installFakeDataPlane(cl *framework.Cluster, runner *diskCountsRunner) {
	for _, n := range cl.Nodes {
		n.Coordinator.WithDataPlaneRunner(runner.run)
	}
}

// nodeIPs returns the IPs framework.NewCluster assigned its nodes, in the
// same node1, node2, ... order they were created.
func nodeIPs(cl *framework.Cluster) []string {
	ips := make([]string, len(cl.Nodes))
	for i, n := range cl.Nodes {
		ips[i] = n.IP
	}
	return ips
}

// writeJobInput drops one small input file for jobDir on every node's first
// input disk, so discovery's ListInputs finds a non-empty, non-missing
// directory on every live host.
func writeJobInput(t *testing.T, cl *framework.Cluster, jobDir, filename string, data []byte) {
	t.Helper()
	for _, n := range cl.Nodes {
		_, err := n.WriteInputFile(jobDir, filename, data, 0)
		require.NoError(t, err)
	}
}

func startCluster(t *testing.T, cl *framework.Cluster) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	t.Cleanup(cancel)
	require.NoError(t, cl.Start(ctx))
	t.Cleanup(cl.Cleanup)
	return ctx
}
