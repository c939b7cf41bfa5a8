package framework

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/themis/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// JobStatus asserts that a named job has reached the expected status.
func (a *Assertions) JobStatus(ctx context.Context, client *Client, jobName string, expected types.JobStatus) {
	a.t.Helper()

	job, err := client.Job(ctx, jobName)
	if err != nil {
		a.t.Fatalf("job %s: %v", jobName, err)
	}
	if job.Status != expected {
		a.t.Fatalf("job %s has status %s, expected %s (fail message: %q)", jobName, job.Status, expected, job.FailMessage)
	}
}

// JobComplete asserts that a job finished successfully.
func (a *Assertions) JobComplete(ctx context.Context, client *Client, jobName string) {
	a.t.Helper()
	a.JobStatus(ctx, client, jobName, types.JobStatusComplete)
}

// JobFailed asserts that a job reached the Failed status, and that its
// fail message mentions substr.
func (a *Assertions) JobFailed(ctx context.Context, client *Client, jobName, substr string) {
	a.t.Helper()

	job, err := client.Job(ctx, jobName)
	if err != nil {
		a.t.Fatalf("job %s: %v", jobName, err)
	}
	if job.Status != types.JobStatusFailed {
		a.t.Fatalf("job %s has status %s, expected Failed", jobName, job.Status)
	}
	if substr != "" && !strings.Contains(job.FailMessage, substr) {
		a.t.Fatalf("job %s fail message %q does not mention %q", jobName, job.FailMessage, substr)
	}
}

// DiskFailed asserts that a host's disk has been permanently marked failed.
func (a *Assertions) DiskFailed(ctx context.Context, client *Client, hostname, disk string) {
	a.t.Helper()

	disks, err := client.NodeFailedDisks(ctx, hostname)
	if err != nil {
		a.t.Fatalf("listing failed disks on %s: %v", hostname, err)
	}
	for _, d := range disks {
		if d == disk {
			return
		}
	}
	a.t.Fatalf("disk %s on %s is not marked failed, failed disks are %v", disk, hostname, disks)
}

// NodeLive asserts that a host is currently in the cluster's live set.
func (a *Assertions) NodeLive(ctx context.Context, cluster *Cluster, hostname string) {
	a.t.Helper()

	live, err := cluster.Store.LiveNodes(ctx)
	if err != nil {
		a.t.Fatalf("listing live nodes: %v", err)
	}
	for _, h := range live {
		if h == hostname {
			return
		}
	}
	a.t.Fatalf("node %s is not live, live nodes are %v", hostname, live)
}

// Eventually repeatedly runs a condition until it returns true or timeout occurs
func (a *Assertions) Eventually(condition func() bool, timeout, interval time.Duration, msg string) {
	a.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Timeout waiting for condition: %s (timeout: %v)", msg, timeout)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// EventuallyWithContext is like Eventually but uses a provided context
func (a *Assertions) EventuallyWithContext(ctx context.Context, condition func() bool, interval time.Duration, msg string) {
	a.t.Helper()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Context cancelled waiting for condition: %s (error: %v)", msg, ctx.Err())
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// NotEqual asserts that two values are not equal
func (a *Assertions) NotEqual(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected == actual {
		a.t.Fatalf("%s: expected values to be different, but both are %v", msg, expected)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true, got false", msg)
	}
}

// False asserts that a condition is false
func (a *Assertions) False(condition bool, msg string) {
	a.t.Helper()

	if condition {
		a.t.Fatalf("%s: expected false, got true", msg)
	}
}

// Contains asserts that a string contains a substring
func (a *Assertions) Contains(haystack, needle, msg string) {
	a.t.Helper()

	if !strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q to contain %q", msg, haystack, needle)
	}
}

// NotContains asserts that a string does not contain a substring
func (a *Assertions) NotContains(haystack, needle, msg string) {
	a.t.Helper()

	if strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q not to contain %q", msg, haystack, needle)
	}
}

// Len asserts that a slice or map has a specific length
func (a *Assertions) Len(obj interface{}, expected int, msg string) {
	a.t.Helper()

	var length int

	switch v := obj.(type) {
	case []interface{}:
		length = len(v)
	case map[string]interface{}:
		length = len(v)
	case string:
		length = len(v)
	default:
		a.t.Fatalf("%s: unsupported type for Len assertion: %T", msg, obj)
		return
	}

	if length != expected {
		a.t.Fatalf("%s: expected length %d, got %d", msg, expected, length)
	}
}

// Nil asserts that a value is nil
func (a *Assertions) Nil(obj interface{}, msg string) {
	a.t.Helper()

	if obj != nil {
		a.t.Fatalf("%s: expected nil, got %v", msg, obj)
	}
}

// NotNil asserts that a value is not nil
func (a *Assertions) NotNil(obj interface{}, msg string) {
	a.t.Helper()

	if obj == nil {
		a.t.Fatalf("%s: expected non-nil value", msg)
	}
}

// Logf logs a formatted message (non-failing)
func (a *Assertions) Logf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Logf(format, args...)
}

// Log logs a message (non-failing)
func (a *Assertions) Log(msg string) {
	a.t.Helper()
	a.t.Logf("%s", msg)
}

// Step logs a test step (for visibility in test output)
func (a *Assertions) Step(step string) {
	a.t.Helper()
	a.t.Logf("\n==> %s", step)
}

// Success logs a success message
func (a *Assertions) Success(msg string) {
	a.t.Helper()
	a.t.Logf("✓ %s", msg)
}

// Info logs an informational message
func (a *Assertions) Info(msg string) {
	a.t.Helper()
	a.t.Logf("ℹ %s", msg)
}

// Warning logs a warning message
func (a *Assertions) Warning(msg string) {
	a.t.Helper()
	a.t.Logf("⚠ %s", msg)
}

// Errorf logs an error and fails the test
func (a *Assertions) Errorf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Errorf(format, args...)
}

// Fatalf logs a fatal error and stops the test immediately
func (a *Assertions) Fatalf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Fatalf(format, args...)
}

// FailNow fails the test immediately without logging
func (a *Assertions) FailNow() {
	a.t.Helper()
	a.t.FailNow()
}

// Fail marks the test as failed but continues execution
func (a *Assertions) Fail(msg string) {
	a.t.Helper()
	a.t.Errorf("Test failed: %s", msg)
}
