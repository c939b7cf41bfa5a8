// Package themiserr defines the error kinds the control plane distinguishes
// (spec.md §7), so callers can classify a failure with errors.Is instead of
// matching on message text.
package themiserr

import (
	"errors"
	"fmt"
)

var (
	// ErrInputNotFound means a job's input directory is missing on at least
	// one live node's input disk. Fails the job, never the batch (§7).
	ErrInputNotFound = errors.New("input directory not found")

	// ErrEmptyInput means a job's input set resolved to zero files or zero
	// total bytes. Fails the job before a batch is created (§4.5 step 6).
	ErrEmptyInput = errors.New("input set is empty")

	// ErrClusterShapeInconsistent means live nodes disagree on intermediate
	// disk count at batch start. Fails the batch (§7).
	ErrClusterShapeInconsistent = errors.New("live nodes disagree on intermediate disk count")

	// ErrSubprocessFailed means a data-plane subprocess exited non-zero.
	// Fails the batch for all jobs; remaining phases are skipped (§7).
	ErrSubprocessFailed = errors.New("data-plane subprocess exited non-zero")

	// ErrDiskFailed means a subprocess report carried a disk field. Fails
	// the batch and permanently marks the disk failed on that host (§7).
	ErrDiskFailed = errors.New("disk failed")

	// ErrNodeDead means a node's keepalive TTL expired. Synthesizes an
	// internal_report failure with the same effect as a node-wide disk
	// failure across every local disk on that host (§7).
	ErrNodeDead = errors.New("node keepalive expired")

	// ErrUnrecoverable means the boundary-list file for the job being
	// recovered is missing. Fails the new recovery job before phase zero (§7).
	ErrUnrecoverable = errors.New("boundary list file for recovering job is unavailable")

	// ErrSkipMismatch means jobs submitted atomically disagree on a
	// SKIP_PHASE_* parameter (§6.1, scenario S5).
	ErrSkipMismatch = errors.New("jobs in submission disagree on SKIP_PHASE_* parameters")

	// ErrZeroLengthSample means the phase-zero sampling formula rounded a
	// sample window down to zero length; rejected at planning time per the
	// Open Question in spec.md §9.
	ErrZeroLengthSample = errors.New("phase-zero sample window rounds to zero length")

	// ErrTerminalStatus means a compare-and-set status transition was
	// attempted against a job already in a terminal state (§8 invariant 6).
	ErrTerminalStatus = errors.New("job status is already terminal")

	// ErrSampleConfigInvalid means the phase-zero sampling configuration
	// violates one of its own preconditions: a sample rate above 1.0, or
	// multiple sample points per file requested without a positive
	// tuple_start_offset to round sub-window boundaries to (§4.3).
	ErrSampleConfigInvalid = errors.New("phase-zero sample configuration is invalid")
)

// DiskError wraps ErrDiskFailed with the specific disk a data-plane
// subprocess reported as failed, so a caller holding the error can recover
// the disk without parsing the message text.
type DiskError struct {
	Disk string
}

func (e *DiskError) Error() string { return fmt.Sprintf("disk %s failed", e.Disk) }
func (e *DiskError) Unwrap() error { return ErrDiskFailed }
