// Package nullblk implements the Null-blk Driver spec §4.4 describes: a
// RAM-backed block device created through the kernel's configfs
// interface, with index allocation, teardown, and orphan sweep.
package nullblk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kernellab/kdevd/pkg/kerrors"
)

const (
	configfsRoot = "/sys/kernel/config/nullb"

	// MaxIndex is the exclusive upper bound of the allocatable configfs
	// index range, spec §5.
	MaxIndex = 1024

	// MaxDeviceMiB is the per-device cap, spec §5 (16 GiB).
	MaxDeviceMiB = 16 * 1024

	// MaxAggregateMiB is the per-VM aggregate cap, spec §5 (32 GiB).
	MaxAggregateMiB = 32 * 1024
)

// Driver creates and tears down null_blk devices. configfsRoot is
// overridable per instance so tests can point it at a tmpdir standing in
// for /sys/kernel/config/nullb.
type Driver struct {
	Root string
}

func New() *Driver {
	return &Driver{Root: configfsRoot}
}

func (d *Driver) root() string {
	if d.Root != "" {
		return d.Root
	}
	return configfsRoot
}

// Probe checks module load, configfs presence, and a create/remove
// round trip of a scratch subdirectory. Its outcome is meant to be
// cached once per service instance by the caller.
func (d *Driver) Probe() error {
	if _, err := os.Stat("/sys/kernel/config"); err != nil {
		return kerrors.Preconditionf("configfs not mounted at /sys/kernel/config: %v", err)
	}
	if _, err := os.Stat(d.root()); err != nil {
		return kerrors.Preconditionf("null_blk module not loaded (missing %s): %v", d.root(), err)
	}

	probeDir := filepath.Join(d.root(), fmt.Sprintf("probe-%d", os.Getpid()))
	if err := os.Mkdir(probeDir, 0o755); err != nil {
		return kerrors.Preconditionf("cannot create null_blk configfs entry: %v", err)
	}
	if err := os.Remove(probeDir); err != nil {
		return kerrors.Preconditionf("cannot remove null_blk configfs entry: %v", err)
	}
	return nil
}

// ParseSizeMiB accepts "N[KMG]" or a bare "N" (interpreted as MiB),
// rejecting zero, negative, and malformed input. KiB inputs round up to
// the nearest whole MiB.
func ParseSizeMiB(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, kerrors.Validationf("empty size")
	}

	unit := s[len(s)-1]
	numPart := s
	var multiplier float64 = 1 // bare N is MiB
	switch unit {
	case 'K', 'k':
		numPart = s[:len(s)-1]
		multiplier = 1.0 / 1024
	case 'M', 'm':
		numPart = s[:len(s)-1]
		multiplier = 1
	case 'G', 'g':
		numPart = s[:len(s)-1]
		multiplier = 1024
	}

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, kerrors.Validationf("malformed size %q", s)
	}
	if n <= 0 {
		return 0, kerrors.Validationf("size must be positive, got %q", s)
	}

	mib := float64(n) * multiplier
	return int64(mib + 0.999999), nil // round up
}

// Device is a created null_blk device.
type Device struct {
	Index int
	Path  string
}

// Knob is an advisory configfs attribute write (blocksize,
// hw_queue_depth, irqmode, completion_nsec); its failure never aborts
// device creation.
type Knob struct {
	File  string
	Value string
}

// Create allocates the first unused index in [0, MaxIndex) via mkdir
// collision, configures it, waits for the device node, and chmods it.
func (d *Driver) Create(ctx context.Context, sizeMiB int64, opts ...Knob) (Device, error) {
	if sizeMiB <= 0 {
		return Device{}, kerrors.Validationf("null_blk size must be positive")
	}
	if sizeMiB > MaxDeviceMiB {
		return Device{}, kerrors.Resourcef(nil, "null_blk size %d MiB exceeds per-device cap %d MiB", sizeMiB, MaxDeviceMiB)
	}

	for i := 0; i < MaxIndex; i++ {
		entry := filepath.Join(d.root(), fmt.Sprintf("nullb%d", i))
		if err := os.Mkdir(entry, 0o755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return Device{}, kerrors.Resourcef(err, "failed to allocate null_blk index %d", i)
		}

		if err := d.configure(entry, sizeMiB, opts); err != nil {
			_ = os.RemoveAll(entry)
			return Device{}, err
		}

		devPath := fmt.Sprintf("/dev/nullb%d", i)
		if err := waitForPath(ctx, devPath, true, 2*time.Second); err != nil {
			_ = os.RemoveAll(entry)
			return Device{}, kerrors.Resourcef(err, "%s did not appear", devPath)
		}
		if err := os.Chmod(devPath, 0o666); err != nil {
			return Device{}, kerrors.Resourcef(err, "failed to chmod %s", devPath)
		}

		return Device{Index: i, Path: devPath}, nil
	}

	return Device{}, kerrors.Resourcef(nil, "no free null_blk index in [0, %d)", MaxIndex)
}

func (d *Driver) configure(entry string, sizeMiB int64, opts []Knob) error {
	if err := writeAttr(entry, "memory_backed", "1"); err != nil {
		return kerrors.Resourcef(err, "failed to set memory_backed on %s", entry)
	}
	if err := writeAttr(entry, "size", strconv.FormatInt(sizeMiB, 10)); err != nil {
		return kerrors.Resourcef(err, "failed to set size on %s", entry)
	}
	for _, o := range opts {
		// Advisory knobs: a failed write is ignored and never aborts
		// creation.
		_ = writeAttr(entry, o.File, o.Value)
	}
	if err := writeAttr(entry, "power", "1"); err != nil {
		return kerrors.Resourcef(err, "failed to power on %s", entry)
	}
	return nil
}

func writeAttr(entry, name, value string) error {
	return os.WriteFile(filepath.Join(entry, name), []byte(value), 0o644)
}

// Teardown powers off the device, waits for the node to disappear, and
// removes the configfs entry. Idempotent: tearing down an already-absent
// index is a no-op.
func (d *Driver) Teardown(ctx context.Context, index int) error {
	entry := filepath.Join(d.root(), fmt.Sprintf("nullb%d", index))
	if _, err := os.Stat(entry); os.IsNotExist(err) {
		return nil
	}

	_ = writeAttr(entry, "power", "0")

	devPath := fmt.Sprintf("/dev/nullb%d", index)
	_ = waitForPath(ctx, devPath, false, 2*time.Second)

	if err := os.RemoveAll(entry); err != nil && !os.IsNotExist(err) {
		return kerrors.Resourcef(err, "failed to remove configfs entry %s", entry)
	}
	return nil
}

// waitForPath polls for path's existence (wantExists true) or absence
// (false), bounded by timeout.
func waitForPath(ctx context.Context, path string, wantExists bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := os.Stat(path)
		exists := err == nil
		if exists == wantExists {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SweepOrphans removes nullb* configfs entries whose mtime is older than
// staleness, to avoid destroying a sibling service instance's
// just-created device (spec §4.4).
func (d *Driver) SweepOrphans(ctx context.Context, staleness time.Duration) ([]int, error) {
	entries, err := os.ReadDir(d.root())
	if err != nil {
		return nil, kerrors.Preconditionf("cannot list %s: %v", d.root(), err)
	}

	var removed []int
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "nullb") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "nullb"))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < staleness {
			continue
		}
		if err := d.Teardown(ctx, idx); err != nil {
			continue
		}
		removed = append(removed, idx)
	}

	sort.Ints(removed)
	return removed, nil
}
