package statestore

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kernellab/kdevd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "lv-state.json"))
}

func TestRegisterAndAllocationsFor(t *testing.T) {
	s := newTestStore(t)
	alloc := types.VolumeAllocation{
		LVName:       "kdevd-20260731000000-abc123-test",
		PoolName:     "p",
		AllocatorPID: os.Getpid(),
		SessionID:    "sess-1",
		AllocatedAt:  time.Now(),
	}
	require.NoError(t, s.Register(alloc))

	got, err := s.AllocationsFor("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alloc.LVName, got[0].LVName)
}

func TestUnregisterRemovesAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	alloc := types.VolumeAllocation{LVName: "lv1", SessionID: "sess-2"}
	require.NoError(t, s.Register(alloc))

	require.NoError(t, s.Unregister("lv1"))
	got, err := s.AllocationsFor("sess-2")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Unregistering again must not error (cleanup is idempotent, spec §8).
	require.NoError(t, s.Unregister("lv1"))
}

func TestSweepOrphansRemovesDeadPIDOnly(t *testing.T) {
	s := newTestStore(t)
	dead := types.VolumeAllocation{LVName: "lv-dead", PoolName: "p", AllocatorPID: deadPID(t)}
	live := types.VolumeAllocation{LVName: "lv-live", PoolName: "p", AllocatorPID: os.Getpid()}
	require.NoError(t, s.Register(dead))
	require.NoError(t, s.Register(live))

	var removedCalls []string
	swept, err := s.SweepOrphans("p", func(a types.VolumeAllocation) bool {
		removedCalls = append(removedCalls, a.LVName)
		return true
	})
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "lv-dead", swept[0].LVName)
	assert.Equal(t, []string{"lv-dead"}, removedCalls)

	remaining, err := s.All()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "lv-live", remaining[0].LVName)
}

func TestSweepOrphansRetainsRecordWhenRemovalFails(t *testing.T) {
	s := newTestStore(t)
	dead := types.VolumeAllocation{LVName: "lv-dead", PoolName: "p", AllocatorPID: deadPID(t)}
	require.NoError(t, s.Register(dead))

	swept, err := s.SweepOrphans("p", func(types.VolumeAllocation) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, swept)

	remaining, err := s.All()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestReadCorruptDocumentIsTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lv-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))
	s := New(path)

	got, err := s.All()
	require.Error(t, err) // CorruptionWarning surfaces but is non-fatal
	assert.Empty(t, got)
}

// deadPID returns a PID that is guaranteed reaped: spawn and wait on a
// short-lived child process, then return its former PID.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}
