package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/themis/pkg/clustercoord"
	"github.com/cuemby/themis/pkg/discovery"
	"github.com/cuemby/themis/pkg/events"
	"github.com/cuemby/themis/pkg/metrics"
)

var clusterCoordinatorCmd = &cobra.Command{
	Use:   "cluster-coordinator",
	Short: "Run the cluster coordinator (C5)",
	Long: `The cluster coordinator is the cluster's singleton driver: it sweeps
node liveness, plans recovery for dead nodes and failed disks, advances
batches through their phases, ingests submitted jobs, and dispatches new
batches. Exactly one instance should run per cluster.`,
	RunE: runClusterCoordinator,
}

func init() {
	clusterCoordinatorCmd.Flags().String("metrics-addr", ":9090", "Address to serve Prometheus metrics on")
	clusterCoordinatorCmd.Flags().Bool("interactive", true, "Read keyboard commands (r/b/t/h) from stdin")
}

func runClusterCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	metrics.SetVersion(version)
	metrics.RegisterComponent("store", true, "")

	disc := discovery.New(st, cfg.SSHCommand, cfg.KeepaliveTimeout)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	coord := clustercoord.New(st, cfg, disc).WithEventBroker(broker)

	interactive, _ := cmd.Flags().GetBool("interactive")
	if interactive {
		coord = coord.WithStdin(os.Stdin)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("cluster coordinator running, metrics on %s. Press Ctrl+C to stop.\n", metricsAddr)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
		coord.Stop()
		runErr = <-errCh
	case runErr = <-errCh:
		fmt.Printf("cluster coordinator exited: %v\n", runErr)
	}

	coord.StopNodeCoordinators(context.Background())
	_ = metricsSrv.Close()

	if runErr != nil && runErr != clustercoord.ErrNoLiveNodes {
		return runErr
	}
	return nil
}
