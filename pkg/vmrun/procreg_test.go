package vmrun

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregisterRoundTrips(t *testing.T) {
	reg := NewProcessRegistry(t.TempDir())

	entry, err := reg.Register(12345, 12345, "test boot", "/tmp/does-not-matter.log", time.Now())
	require.NoError(t, err)

	entries, err := reg.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.PID, entries[0].PID)

	require.NoError(t, reg.Unregister(entry.PID))
	entries, err = reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnregisterAbsentPidIsNoop(t *testing.T) {
	reg := NewProcessRegistry(t.TempDir())
	assert.NoError(t, reg.Unregister(999999))
}

func TestKillHangingDropsDeadEntriesAndKillsLiveOnes(t *testing.T) {
	dir := t.TempDir()
	reg := NewProcessRegistry(dir)

	// A PID far outside any live range: registered but never killed, only
	// dropped as dead.
	_, err := reg.Register(999999999, 999999999, "already dead", "", time.Now())
	require.NoError(t, err)

	logPath := dir + "/victim.log"
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\nline three\n"), 0o644))

	cmd := exec.Command("sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	_, err = reg.Register(cmd.Process.Pid, cmd.Process.Pid, "hanging vm", logPath, time.Now())
	require.NoError(t, err)

	reports, err := reg.KillHanging()
	require.NoError(t, err)
	require.Len(t, reports, 1, "only the live entry should produce a kill report")
	assert.Equal(t, cmd.Process.Pid, reports[0].Entry.PID)
	assert.True(t, reports[0].Killed)
	assert.Contains(t, reports[0].LogTail, "line three")

	entries, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "both the dead and the just-killed entry should be gone")
}

func TestTailLinesCapsAtFifty(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/long.log"
	var content string
	for i := 0; i < 200; i++ {
		content += "line\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tail := tailLines(path, maxTailLines)
	lines := splitLines(tail)
	assert.Len(t, lines, maxTailLines)
}

func TestTailLinesToleratesInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/binary.log"
	require.NoError(t, os.WriteFile(path, []byte("ok\xff\xfenot utf8\n"), 0o644))
	assert.NotPanics(t, func() { _ = tailLines(path, maxTailLines) })
}
