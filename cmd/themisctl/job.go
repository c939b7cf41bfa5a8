package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/themis/pkg/store"
	"github.com/cuemby/themis/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one or more jobs from a YAML file",
	Long: `Submit reads a YAML file containing a job spec or a list of job
specs and pushes them onto the job queue as one atomic group (§6.1): the
cluster coordinator either admits all of them or fails all of them together
if their SKIP_PHASE_* params disagree.

Example job spec:
  job_name: wordcount-2026-07-30
  input_directory: /data/in
  intermediate_directory: /data/intermediate
  output_directory: /data/out
  map_function: wordcount_map.so
  reduce_function: wordcount_reduce.so
  partition_function: default_partition.so
  params:
    SKIP_PHASE_THREE: true`,
	Args: cobra.ExactArgs(1),
	RunE: runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID_OR_NAME",
	Short: "Print a job's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading job file: %w", err)
	}

	var specs []types.JobSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		// Not a list; try a single job spec.
		var single types.JobSpec
		if err2 := yaml.Unmarshal(data, &single); err2 != nil {
			return fmt.Errorf("parsing job file: %w", err)
		}
		specs = []types.JobSpec{single}
	}
	if len(specs) == 0 {
		return fmt.Errorf("job file %s contains no job specs", args[0])
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	if err := st.PushJobGroup(cmd.Context(), specs); err != nil {
		return fmt.Errorf("submitting job group: %w", err)
	}

	for _, s := range specs {
		fmt.Printf("submitted %s\n", s.JobName)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
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
	jobID, err := resolveJobID(ctx, st, args[0])
	if err != nil {
		return err
	}

	job, err := st.GetJobInfo(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reading job %d: %w", jobID, err)
	}

	fmt.Printf("Job %d: %s\n", job.ID, job.Name)
	fmt.Printf("  Status:    %s\n", job.Status)
	fmt.Printf("  Batch:     %d\n", job.BatchID)
	if job.FailMessage != "" {
		fmt.Printf("  Failure:   %s\n", job.FailMessage)
	}
	if !job.StartTime.IsZero() {
		fmt.Printf("  Started:   %s\n", job.StartTime.Format(time.RFC3339))
	}
	if !job.StopTime.IsZero() {
		fmt.Printf("  Stopped:   %s\n", job.StopTime.Format(time.RFC3339))
	}
	if job.TotalInputSizeBytes > 0 {
		fmt.Printf("  Input:     %s\n", formatBytes(job.TotalInputSizeBytes))
		fmt.Printf("  Throughput: %.2f MB/s (%.2f MB/s/node, %.2f TB/min)\n",
			job.ThroughputMBps, job.ThroughputMBpsNode, job.ThroughputTBpm)
	}
	for _, phase := range types.AllPhases {
		if d, ok := job.PhaseElapsed[string(phase)]; ok {
			fmt.Printf("  Phase %s: %s\n", phase, d)
		}
	}
	return nil
}

// resolveJobID accepts either a numeric job ID or a job name, matching the
// way job submit reports job names back to the operator.
func resolveJobID(ctx context.Context, st store.Store, arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	id, ok, err := st.LookupJobIDByName(ctx, arg)
	if err != nil {
		return 0, fmt.Errorf("looking up job %q: %w", arg, err)
	}
	if !ok {
		return 0, fmt.Errorf("no job named %q", arg)
	}
	return id, nil
}
