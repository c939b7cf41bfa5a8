package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/themis/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with sensible defaults (30s timeout, 1s interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, 1*time.Second)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForJobStatus waits for a named job to reach the given status.
func (w *Waiter) WaitForJobStatus(ctx context.Context, client *Client, jobName string, status types.JobStatus) error {
	return w.WaitFor(ctx, func() bool {
		job, err := client.Job(ctx, jobName)
		if err != nil {
			return false
		}
		return job.Status == status
	}, fmt.Sprintf("job %s to reach status %s", jobName, status))
}

// WaitForJobComplete waits for a job to finish successfully.
func (w *Waiter) WaitForJobComplete(ctx context.Context, client *Client, jobName string) error {
	return w.WaitForJobStatus(ctx, client, jobName, types.JobStatusComplete)
}

// WaitForJobFailed waits for a job to reach the Failed status.
func (w *Waiter) WaitForJobFailed(ctx context.Context, client *Client, jobName string) error {
	return w.WaitForJobStatus(ctx, client, jobName, types.JobStatusFailed)
}

// WaitForJobBatchAssigned waits for a named job to have a non-zero batch id,
// meaning ingest admitted it and a batch was dispatched.
func (w *Waiter) WaitForJobBatchAssigned(ctx context.Context, client *Client, jobName string) error {
	return w.WaitFor(ctx, func() bool {
		job, err := client.Job(ctx, jobName)
		if err != nil {
			return false
		}
		return job.BatchID != 0
	}, fmt.Sprintf("job %s to be assigned a batch", jobName))
}

// WaitForDiskFailed waits for a host's disk to be permanently marked failed.
func (w *Waiter) WaitForDiskFailed(ctx context.Context, client *Client, hostname, disk string) error {
	return w.WaitFor(ctx, func() bool {
		disks, err := client.NodeFailedDisks(ctx, hostname)
		if err != nil {
			return false
		}
		for _, d := range disks {
			if d == disk {
				return true
			}
		}
		return false
	}, fmt.Sprintf("disk %s on %s to be marked failed", disk, hostname))
}

// WaitForRecoveringPartitions waits for a job's recovery partition list to
// have reached at least n entries.
func (w *Waiter) WaitForRecoveringPartitions(ctx context.Context, client *Client, jobID int64, n int) error {
	return w.WaitFor(ctx, func() bool {
		ranges, err := client.RecoveringPartitions(ctx, jobID)
		if err != nil {
			return false
		}
		return len(ranges) >= n
	}, fmt.Sprintf("job %d to have %d recovering partition range(s)", jobID, n))
}

// WaitForNodeStatus waits for a node to reach the given liveness status.
func (w *Waiter) WaitForNodeStatus(ctx context.Context, cluster *Cluster, hostname string, status types.NodeStatus) error {
	return w.WaitFor(ctx, func() bool {
		live, err := cluster.Store.LiveNodes(ctx)
		if err != nil {
			return false
		}
		isLive := false
		for _, h := range live {
			if h == hostname {
				isLive = true
				break
			}
		}
		if status == types.NodeStatusLive {
			return isLive
		}
		return !isLive
	}, fmt.Sprintf("node %s to become %s", hostname, status))
}

// WaitForConditionWithRetry waits for a condition with exponential backoff retry
func (w *Waiter) WaitForConditionWithRetry(ctx context.Context, condition func() (bool, error), description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	interval := w.interval
	maxInterval := 10 * time.Second

	for {
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("error checking condition '%s': %w", description, err)
		}

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-time.After(interval):
			// Exponential backoff
			interval = interval * 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}

// PollUntil polls a condition until it returns true or context is cancelled
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// PollUntilWithError polls a condition that can return an error
func PollUntilWithError(ctx context.Context, interval time.Duration, condition func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if ok, err := condition(); err != nil {
		return err
	} else if ok {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ok, err := condition(); err != nil {
				return err
			} else if ok {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
