package xdg

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirCreatesUnderXDGConfigHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kdevd"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPoolCatalogAndStateStorePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	catalog, err := PoolCatalogPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kdevd", "device-pool.json"), catalog)

	state, err := StateStorePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kdevd", "lv-state.json"), state)
}

func TestBaselineDirIsInsideConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	dir, err := BaselineDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kdevd", "fstests-baselines"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunDirIsNamespacedByPid(t *testing.T) {
	dirA, err := RunDir(111)
	require.NoError(t, err)
	dirB, err := RunDir(222)
	require.NoError(t, err)

	assert.NotEqual(t, dirA, dirB)
	assert.Contains(t, dirA, strconv.Itoa(111))

	info, err := os.Stat(dirA)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestProcessRegistryPathIsNamespacedByPid(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	path, err := ProcessRegistryPath(333)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kdevd", "vm-pids-333.json"), path)
}
