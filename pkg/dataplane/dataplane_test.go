package dataplane

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themis/pkg/themiserr"
)

func TestRunSucceedsAndWritesLogs(t *testing.T) {
	dir := t.TempDir()

	err := Run(context.Background(), Invocation{
		Binary:   "/bin/echo",
		Params:   map[string]string{"JOB_IDS": "1"},
		LogDir:   dir,
		Hostname: "node1",
		Phase:    "phase_zero",
	})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "stdout-node1.log"))
	require.FileExists(t, filepath.Join(dir, "stderr-node1.log"))
	require.FileExists(t, filepath.Join(dir, "node1.cmd"))
}

func TestRunNonZeroExitReturnsSubprocessFailed(t *testing.T) {
	dir := t.TempDir()

	err := Run(context.Background(), Invocation{
		Binary:   "/bin/false",
		LogDir:   dir,
		Hostname: "node1",
		Phase:    "phase_one",
	})
	require.ErrorIs(t, err, themiserr.ErrSubprocessFailed)
}

func TestRunMissingBinaryReturnsSubprocessFailed(t *testing.T) {
	dir := t.TempDir()

	err := Run(context.Background(), Invocation{
		Binary:   filepath.Join(dir, "does-not-exist"),
		LogDir:   dir,
		Hostname: "node1",
		Phase:    "phase_two",
	})
	require.ErrorIs(t, err, themiserr.ErrSubprocessFailed)
}

func TestFlattenParamsSortedOrder(t *testing.T) {
	args := flattenParams(map[string]string{"B": "2", "A": "1"})
	require.Equal(t, []string{"-A", "1", "-B", "2"}, args)
}
