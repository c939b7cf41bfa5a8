package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/themis/pkg/types"
)

// Node membership lives entirely in the store; provisioning which hosts
// belong to the cluster is deliberately outside the coordinators'
// scope (pkg/nodecoord's boot comment), so themisctl carries the thin
// admin commands that fill that gap.
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage cluster node membership",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register HOSTNAME",
	Short: "Register a node's hostname, addresses, and disk topology",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeRegister,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes and their liveness",
	RunE:  runNodeList,
}

func init() {
	nodeRegisterCmd.Flags().String("ip", "", "Primary IPv4 address (required)")
	nodeRegisterCmd.Flags().StringSlice("interfaces", nil, "Additional interface IPs, comma-separated")
	nodeRegisterCmd.Flags().StringSlice("input-disks", nil, "Input disk mount paths, comma-separated (required)")
	nodeRegisterCmd.Flags().StringSlice("intermediate-disks", nil, "Intermediate/output disk mount paths, comma-separated (required)")
	_ = nodeRegisterCmd.MarkFlagRequired("ip")
	_ = nodeRegisterCmd.MarkFlagRequired("input-disks")
	_ = nodeRegisterCmd.MarkFlagRequired("intermediate-disks")

	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeListCmd)
}

func runNodeRegister(cmd *cobra.Command, args []string) error {
	hostname := args[0]
	ip, _ := cmd.Flags().GetString("ip")
	interfaces, _ := cmd.Flags().GetStringSlice("interfaces")
	inputDisks, _ := cmd.Flags().GetStringSlice("input-disks")
	intermediateDisks, _ := cmd.Flags().GetStringSlice("intermediate-disks")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	node := types.Node{
		Hostname:          hostname,
		IPv4Address:       ip,
		InterfaceIPs:      append([]string{ip}, interfaces...),
		InputDisks:        inputDisks,
		IntermediateDisks: intermediateDisks,
		Status:            types.NodeStatusLive,
	}

	if err := st.RegisterNode(cmd.Context(), node); err != nil {
		return fmt.Errorf("registering node %s: %w", hostname, err)
	}

	fmt.Printf("registered %s (%s) with %d input disk(s), %d intermediate disk(s)\n",
		hostname, ip, len(inputDisks), len(intermediateDisks))
	return nil
}

func runNodeList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	hosts, err := st.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	live, err := st.LiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing live nodes: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, h := range live {
		liveSet[h] = true
	}

	fmt.Printf("%-24s %-16s %s\n", "HOSTNAME", "STATUS", "FAILED DISKS")
	for _, h := range hosts {
		status := "dead"
		if liveSet[h] {
			status = "alive"
		}
		failed, _ := st.FailedDisks(ctx, h)
		fmt.Printf("%-24s %-16s %s\n", h, status, strings.Join(failed, ","))
	}
	return nil
}
