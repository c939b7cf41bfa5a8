package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/themis/pkg/store"
)

// queuesCmd gives operators the list/flush views the original cluster's
// read_request_queues.py debug script offered, against the Go store.
var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and flush per-host read-request queues",
}

var queuesInspectCmd = &cobra.Command{
	Use:   "inspect HOST_IP",
	Short: "List the read-request queues for a host and their depth",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesInspect,
}

var queuesFlushCmd = &cobra.Command{
	Use:   "flush HOST_IP",
	Short: "Flush every read-request queue for a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesFlush,
}

func init() {
	queuesCmd.AddCommand(queuesInspectCmd)
	queuesCmd.AddCommand(queuesFlushCmd)
}

// queueWorkerID extracts the trailing worker id from a queue key of the
// form "read_requests:<ip>:reader:<id>" (schema.go's keyReadRequestQueue).
func queueWorkerID(queueKey string) (int, error) {
	idx := strings.LastIndex(queueKey, ":")
	if idx < 0 {
		return 0, fmt.Errorf("malformed queue key %q", queueKey)
	}
	return strconv.Atoi(queueKey[idx+1:])
}

func runQueuesInspect(cmd *cobra.Command, args []string) error {
	hostIP := args[0]
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
	names, err := st.ReadRequestQueueNames(ctx, hostIP)
	if err != nil {
		return fmt.Errorf("listing read-request queues for %s: %w", hostIP, err)
	}
	sort.Strings(names)

	fmt.Printf("%s:\n", hostIP)
	if len(names) == 0 {
		fmt.Println("  (no queues)")
		return nil
	}
	for _, name := range names {
		workerID, err := queueWorkerID(name)
		if err != nil {
			fmt.Printf("  %s: %v\n", name, err)
			continue
		}
		n, err := st.ReadRequestQueueLength(ctx, hostIP, workerID)
		if err != nil {
			return fmt.Errorf("measuring %s: %w", name, err)
		}
		fmt.Printf("  worker %d: %d element(s) in queue\n", workerID, n)
	}
	return nil
}

func runQueuesFlush(cmd *cobra.Command, args []string) error {
	hostIP := args[0]
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
	return flushAll(ctx, st, hostIP)
}

func flushAll(ctx context.Context, st store.Store, hostIP string) error {
	names, err := st.ReadRequestQueueNames(ctx, hostIP)
	if err != nil {
		return fmt.Errorf("listing read-request queues for %s: %w", hostIP, err)
	}
	for _, name := range names {
		workerID, err := queueWorkerID(name)
		if err != nil {
			return err
		}
		if err := st.FlushReadRequestQueue(ctx, hostIP, workerID); err != nil {
			return fmt.Errorf("flushing %s: %w", name, err)
		}
	}
	fmt.Printf("flushed %d queue(s) for %s\n", len(names), hostIP)
	return nil
}
