package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/themis/pkg/nodecoord"
)

var nodeCoordinatorCmd = &cobra.Command{
	Use:   "node-coordinator",
	Short: "Run a node coordinator (C4)",
	Long: `A node coordinator runs on every worker host: it refreshes its
keepalive, drains its batch queue, runs the data-plane subprocess once per
non-skipped phase, and reports failures back through the store. The cluster
coordinator spawns one of these per host over ssh; it can also be started
by hand for testing.`,
	RunE: runNodeCoordinator,
}

func init() {
	nodeCoordinatorCmd.Flags().String("hostname", "", "Hostname this node is registered under (defaults to os.Hostname())")
}

func runNodeCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}

	hostname, _ := cmd.Flags().GetString("hostname")
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	coord := nodecoord.New(st, cfg, hostname)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("node coordinator running on %s. Press Ctrl+C to stop.\n", hostname)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
		coord.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
