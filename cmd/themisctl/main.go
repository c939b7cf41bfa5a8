package main

import (
	"fmt"
	"os"

	"github.com/cuemby/themis/pkg/log"
	"github.com/spf13/cobra"
)

// version is reported on the cluster coordinator's /health endpoint;
// overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "themisctl",
	Short: "Themis - a shared-nothing MapReduce control plane",
	Long: `themisctl drives and inspects a Themis cluster: it runs the cluster
coordinator and node coordinator processes, submits and tracks jobs, and
gives operators a window into the per-host read-request queues.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Cluster config YAML file (defaults built in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCoordinatorCmd)
	rootCmd.AddCommand(nodeCoordinatorCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(queuesCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
