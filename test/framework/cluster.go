package framework

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/themis/pkg/clustercoord"
	"github.com/cuemby/themis/pkg/config"
	"github.com/cuemby/themis/pkg/discovery"
	"github.com/cuemby/themis/pkg/nodecoord"
	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/types"
)

// noopLauncher satisfies clustercoord.NodeLauncher without ssh-starting
// anything: NewCluster starts every node coordinator itself, in-process,
// before the cluster coordinator's Run loop calls the launcher at all.
type noopLauncher struct{}

func (noopLauncher) Start(ctx context.Context, hostname string) error        { return nil }
func (noopLauncher) Stop(ctx context.Context, hostname string, pid int) error { return nil }

// alwaysReachablePinger treats every host as reachable. Every simulated
// node lives in this one process, so there is no network partition for a
// real ping to detect; the boot-time ping/reply round trip still runs, it
// just always reports every peer reachable.
type alwaysReachablePinger struct{}

func (alwaysReachablePinger) Ping(ctx context.Context, host string) error { return nil }

// localRunner runs a discovery listing command locally via sh -c, ignoring
// host. The shell script pkg/discovery builds (find plus ###DISK_N###
// markers) behaves identically against a local directory tree as it would
// run over ssh against a remote one, so this exercises the real discovery
// parsing logic without needing more than one machine.
type localRunner struct{}

func (localRunner) Run(ctx context.Context, host, command string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
	if err != nil {
		return nil, fmt.Errorf("sh -c on %s: %w", host, err)
	}
	return out, nil
}

// NewCluster builds, but does not start, a complete in-process Themis
// deployment: a miniredis-backed store, cfg.NumNodes registered hosts each
// with cfg.DisksPerNode real input/intermediate disk directories under a
// temp root, a node coordinator per host, and a cluster coordinator wired
// to a real discovery.Discoverer running its listing commands locally.
func NewCluster(t TestingT, cfg ClusterConfig) (*Cluster, error) {
	if cfg.NumNodes <= 0 {
		cfg.NumNodes = 1
	}
	if cfg.DisksPerNode <= 0 {
		cfg.DisksPerNode = 1
	}
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "themis-e2e-*")
		if err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		cfg.DataDir = dir
	}

	clusterCfg := withTestDefaults(cfg.Config, cfg.DataDir)
	cfg.Config = clusterCfg

	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("starting miniredis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client)

	cl := &Cluster{
		Config: cfg,
		Store:  st,
		mr:     mr,
		t:      t,
	}

	for i := 0; i < cfg.NumNodes; i++ {
		hostname := fmt.Sprintf("node%d", i+1)
		ip := fmt.Sprintf("10.99.0.%d", i+1)

		node, err := newNode(st, clusterCfg, cfg.DataDir, hostname, ip, cfg.DisksPerNode)
		if err != nil {
			return nil, err
		}
		cl.Nodes = append(cl.Nodes, node)
	}

	disc := discovery.New(st, clusterCfg.SSHCommand, clusterCfg.KeepaliveTimeout).WithRunner(localRunner{})
	cl.ClusterCoordinator = clustercoord.New(st, clusterCfg, disc).WithLauncher(noopLauncher{})

	return cl, nil
}

// withTestDefaults fills in the tunables a fast in-process test needs that
// config.Default() leaves unset or too slow for a test timeout.
func withTestDefaults(cfg config.Cluster, dataDir string) config.Cluster {
	if cfg.MainLoopInterval == 0 {
		cfg.MainLoopInterval = 20 * time.Millisecond
	}
	if cfg.KeepaliveRefresh == 0 {
		cfg.KeepaliveRefresh = 20 * time.Millisecond
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 2 * time.Second
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 0.25
	}
	if cfg.SamplesPerFile == 0 {
		cfg.SamplesPerFile = 1
	}
	if cfg.LogDirectory == "" {
		cfg.LogDirectory = filepath.Join(dataDir, "logs")
	}
	if cfg.DataPlaneBinary == "" {
		cfg.DataPlaneBinary = "/bin/true"
	}
	return cfg
}

func newNode(st store.Store, cfg config.Cluster, dataDir, hostname, ip string, disksPerNode int) (*Node, error) {
	nodeDir := filepath.Join(dataDir, hostname)
	inputDisks := make([]string, disksPerNode)
	intermediateDisks := make([]string, disksPerNode)

	for d := 0; d < disksPerNode; d++ {
		inputDisks[d] = filepath.Join(nodeDir, fmt.Sprintf("input%d", d))
		intermediateDisks[d] = filepath.Join(nodeDir, fmt.Sprintf("intermediate%d", d))
		if err := os.MkdirAll(inputDisks[d], 0o755); err != nil {
			return nil, fmt.Errorf("creating input disk %d for %s: %w", d, hostname, err)
		}
		if err := os.MkdirAll(intermediateDisks[d], 0o755); err != nil {
			return nil, fmt.Errorf("creating intermediate disk %d for %s: %w", d, hostname, err)
		}
	}

	if err := st.RegisterNode(context.Background(), types.Node{
		Hostname:          hostname,
		IPv4Address:       ip,
		InterfaceIPs:      []string{ip},
		InputDisks:        inputDisks,
		IntermediateDisks: intermediateDisks,
	}); err != nil {
		return nil, fmt.Errorf("registering %s: %w", hostname, err)
	}

	coord := nodecoord.New(st, cfg, hostname).WithPinger(alwaysReachablePinger{})

	return &Node{
		Hostname:          hostname,
		IP:                ip,
		InputDisks:        inputDisks,
		IntermediateDisks: intermediateDisks,
		Coordinator:       coord,
	}, nil
}

// WriteInputFile creates a job's input file under one of n's input disks,
// at <disk>/<jobInputDir>/<name>, the layout pkg/discovery's ListInputs
// expects to find under a job's InputDirectory.
func (n *Node) WriteInputFile(jobInputDir, name string, data []byte, diskIdx int) (string, error) {
	if diskIdx < 0 || diskIdx >= len(n.InputDisks) {
		return "", fmt.Errorf("node %s has no input disk %d", n.Hostname, diskIdx)
	}
	dir := filepath.Join(n.InputDisks[diskIdx], jobInputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating input directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing input file %q: %w", path, err)
	}
	return path, nil
}

// Client returns a test client wrapping the cluster's store.
func (cl *Cluster) Client() *Client {
	return NewClient(cl.Store)
}

// NodeByHostname finds a simulated host by its hostname.
func (cl *Cluster) NodeByHostname(hostname string) (*Node, error) {
	for _, n := range cl.Nodes {
		if n.Hostname == hostname {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no node named %q in this cluster", hostname)
}

// Start launches every node coordinator, then the cluster coordinator,
// each in its own goroutine, all sharing the cluster's context.
func (cl *Cluster) Start(ctx context.Context) error {
	cl.ctx, cl.cancel = context.WithCancel(ctx)

	for _, n := range cl.Nodes {
		n.done = make(chan error, 1)
		nodeCtx, cancel := context.WithCancel(cl.ctx)
		n.cancel = cancel
		go func(n *Node, nodeCtx context.Context) {
			n.done <- n.Coordinator.Run(nodeCtx)
		}(n, nodeCtx)
	}

	cl.ccDone = make(chan error, 1)
	go func() {
		cl.ccDone <- cl.ClusterCoordinator.Run(cl.ctx)
	}()

	return nil
}

// Stop signals the cluster coordinator and every node coordinator to exit
// and waits for them to do so.
func (cl *Cluster) Stop() error {
	if cl.ClusterCoordinator != nil {
		cl.ClusterCoordinator.Stop()
	}
	if cl.ccDone != nil {
		<-cl.ccDone
	}

	for _, n := range cl.Nodes {
		n.Coordinator.Stop()
		if n.cancel != nil {
			n.cancel()
		}
		if n.done != nil {
			<-n.done
		}
	}

	if cl.cancel != nil {
		cl.cancel()
	}

	err := cl.Store.Close()
	if cl.mr != nil {
		cl.mr.Close()
	}
	return err
}

// Cleanup stops the cluster and removes its data directory, unless the
// test failed and the cluster was configured to keep data on failure.
func (cl *Cluster) Cleanup() {
	if err := cl.Stop(); err != nil && cl.t != nil {
		cl.t.Logf("stopping cluster: %v", err)
	}

	keep := cl.Config.KeepOnFailure && cl.t != nil && cl.t.Failed()
	if !keep && cl.Config.DataDir != "" {
		_ = os.RemoveAll(cl.Config.DataDir)
	}
}
