package framework

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/cuemby/themis/pkg/clustercoord"
	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/nodecoord"
	"github.com/cuemby/themis/pkg/store"
)

// ClusterConfig defines the shape of a test cluster: how many nodes it has,
// how many intermediate disks each one carries, and the tunables every
// coordinator in it shares.
type ClusterConfig struct {
	// NumNodes is the number of simulated hosts, each running its own
	// in-process node coordinator.
	NumNodes int
	// DisksPerNode is the number of intermediate disks (and input disks)
	// each node is registered with.
	DisksPerNode int
	// DataDir is the base directory test input/intermediate/output files
	// and log directories are rooted under. A temp directory when empty.
	DataDir string
	// KeepOnFailure keeps DataDir around after a failed test, for inspection.
	KeepOnFailure bool
	// Config seeds the cluster-wide tunables (sample rate, replication
	// level, phase skips, timing); fields left zero fall back to
	// config.Default()'s values where that makes sense for a fast test.
	Config config.Cluster
}

// Node is one simulated host: a real nodecoord.Coordinator running its own
// goroutine against the shared store, plus the disk paths it was
// registered with.
type Node struct {
	Hostname          string
	IP                string
	InputDisks        []string
	IntermediateDisks []string

	Coordinator *nodecoord.Coordinator

	cancel context.CancelFunc
	done   chan error
}

// Cluster is a complete in-process Themis deployment: one store (backed by
// miniredis), one cluster coordinator, and NumNodes node coordinators, all
// coordinating purely through the store exactly as spec.md describes —
// there is no RPC between coordinators to fake.
type Cluster struct {
	Config ClusterConfig
	Store  store.Store
	Nodes  []*Node

	ClusterCoordinator *clustercoord.Coordinator

	mr *miniredis.Miniredis

	ctx    context.Context
	cancel context.CancelFunc

	ccDone chan error

	t TestingT
}

// TestContext provides utilities for test execution.
type TestContext struct {
	T       TestingT
	Ctx     context.Context
	Cancel  context.CancelFunc
	Timeout time.Duration

	cleanup []func()
}

// TestingT is an interface matching testing.T, so framework helpers can run
// under either *testing.T or a fake in their own tests.
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}
