// Package xdg resolves the per-user config, state, and cache paths kdevd
// reads and writes: the pool catalog, the State Store document, the
// fstests baseline directory, boot logs, and the Process Registry file.
package xdg

import (
	"os"
	"path/filepath"
	"strconv"
)

const appName = "kdevd"

// ConfigDir returns the directory holding device-pool.json and
// lv-state.json, creating it if absent.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// PoolCatalogPath returns the path to the pool catalog document.
func PoolCatalogPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "device-pool.json"), nil
}

// StateStorePath returns the path to the live-allocation State Store
// document.
func StateStorePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lv-state.json"), nil
}

// BaselineDir returns the directory holding one subdirectory per saved
// fstests baseline, creating it if absent.
func BaselineDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, appName, "fstests-baselines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// RunDir returns the per-service-instance temp directory for boot logs,
// creating it if absent. Each service instance (identified by pid) gets
// its own subdirectory so sibling instances never collide.
func RunDir(pid int) (string, error) {
	dir := filepath.Join(os.TempDir(), appName, "run", strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ProcessRegistryPath returns the path to this service instance's
// Process Registry tracking file, named with its own pid so sibling
// instances do not collide.
func ProcessRegistryPath(pid int) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vm-pids-"+strconv.Itoa(pid)+".json"), nil
}
