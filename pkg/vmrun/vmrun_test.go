package vmrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := &Runner{}
	out, err := r.Run(context.Background(), RunOptions{
		Cmd:     []string{"sh", "-c", "echo hello-from-guest; exit 3"},
		LogDir:  t.TempDir(),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, out.TimeoutOccurred)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, out.RawLog, "hello-from-guest")
	assert.FileExists(t, out.LogPath)
}

func TestRunKillsOnTimeout(t *testing.T) {
	r := &Runner{}
	start := time.Now()
	out, err := r.Run(context.Background(), RunOptions{
		Cmd:     []string{"sh", "-c", "sleep 30"},
		LogDir:  t.TempDir(),
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, out.TimeoutOccurred)
	assert.Less(t, time.Since(start), 10*time.Second, "deadline kill should return well before the guest's own sleep would")
}

func TestRunCancelsOnContext(t *testing.T) {
	r := &Runner{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()
	out, err := r.Run(ctx, RunOptions{
		Cmd:     []string{"sh", "-c", "sleep 30"},
		LogDir:  t.TempDir(),
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, out.TimeoutOccurred)
}

func TestRunRegistersThenUnregistersOnExit(t *testing.T) {
	reg := NewProcessRegistry(t.TempDir())
	r := &Runner{Registry: reg}
	out, err := r.Run(context.Background(), RunOptions{
		Cmd:         []string{"sh", "-c", "exit 0"},
		LogDir:      t.TempDir(),
		Timeout:     5 * time.Second,
		Description: "boot test",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)

	entries, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "a cleanly exited spawn should be unregistered")
}
