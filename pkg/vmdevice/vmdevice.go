// Package vmdevice implements the VM Device Manager spec §4.6 describes:
// resolving an ordered DeviceSpec list into ready host device paths,
// dispatching per backing kind, and rolling back in reverse order on any
// mid-list failure.
package vmdevice

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/loopback"
	"github.com/kernellab/kdevd/pkg/metrics"
	"github.com/kernellab/kdevd/pkg/nullblk"
	"github.com/kernellab/kdevd/pkg/pool"
	"github.com/kernellab/kdevd/pkg/safety"
	"github.com/kernellab/kdevd/pkg/types"
	"github.com/moby/sys/mountinfo"
)

// MaxCustomDevices is the per-VM device count cap, spec §5.
const MaxCustomDevices = 8

// ResolvedDevice is one host-ready device path paired back to the spec
// that produced it.
type ResolvedDevice struct {
	Spec types.DeviceSpec
	Path string
}

// Manager dispatches each DeviceSpec to its backing-specific driver.
type Manager struct {
	NullBlk    *nullblk.Driver
	Loopback   *loopback.Manager
	Pool       *pool.Manager
	WorkDir    string
	TmpfsDir   string
	PoolName   string
	SessionID  string
	NullBlkOK  bool // cached probe outcome
}

// cleanupHook undoes one device's creation; it must not itself raise
// (errors are logged by the caller, never propagated).
type cleanupHook func(ctx context.Context) error

// Setup resolves specs into ready device paths in order. On any failure
// it tears down everything already created, in reverse order, and
// returns the failure.
func (m *Manager) Setup(ctx context.Context, specs []types.DeviceSpec) ([]ResolvedDevice, error) {
	custom := 0
	for _, s := range specs {
		if !s.IsPreexisting() {
			custom++
		}
	}
	if custom > MaxCustomDevices {
		return nil, kerrors.Validationf("requested %d custom devices, exceeds cap of %d", custom, MaxCustomDevices)
	}

	specs = m.applyNullBlkFallback(specs)
	if err := m.checkAggregateNullBlk(specs); err != nil {
		return nil, err
	}

	var resolved []ResolvedDevice
	var hooks []cleanupHook
	ok := false
	defer func() {
		if !ok {
			for i := len(hooks) - 1; i >= 0; i-- {
				_ = hooks[i](context.Background())
			}
		}
	}()

	for _, spec := range specs {
		path, hook, err := m.bringUp(ctx, spec)
		if err != nil {
			metrics.DeviceAllocationsTotal.WithLabelValues(backingLabel(spec), "error").Inc()
			return nil, kerrors.Resourcef(err, "failed to bring up device %q", spec.Name)
		}
		metrics.DeviceAllocationsTotal.WithLabelValues(backingLabel(spec), "ok").Inc()
		resolved = append(resolved, ResolvedDevice{Spec: spec, Path: path})
		if hook != nil {
			hooks = append(hooks, hook)
		}
	}

	ok = true
	return resolved, nil
}

// applyNullBlkFallback rewrites any null_blk spec to tmpfs in place when
// the probe has failed — the single silent fallback spec §4.6 allows.
func (m *Manager) applyNullBlkFallback(specs []types.DeviceSpec) []types.DeviceSpec {
	if m.NullBlkOK {
		return specs
	}
	out := make([]types.DeviceSpec, len(specs))
	for i, s := range specs {
		if s.Backing == types.BackingNullBlk {
			s.Backing = types.BackingTmpfsLoop
		}
		out[i] = s
	}
	return out
}

func (m *Manager) checkAggregateNullBlk(specs []types.DeviceSpec) error {
	var total int64
	for _, s := range specs {
		if s.Backing != types.BackingNullBlk {
			continue
		}
		mib, err := nullblk.ParseSizeMiB(s.Size)
		if err != nil {
			return err
		}
		total += mib
	}
	if total > nullblk.MaxAggregateMiB {
		return kerrors.Resourcef(nil, "aggregate null_blk size %d MiB exceeds cap %d MiB", total, nullblk.MaxAggregateMiB)
	}
	return nil
}

func backingLabel(spec types.DeviceSpec) string {
	if spec.IsPreexisting() {
		return "preexisting"
	}
	return string(spec.Backing)
}

func (m *Manager) bringUp(ctx context.Context, spec types.DeviceSpec) (string, cleanupHook, error) {
	if spec.IsPreexisting() {
		return m.attachExisting(ctx, spec)
	}

	switch spec.Backing {
	case types.BackingNullBlk:
		sizeMiB, err := nullblk.ParseSizeMiB(spec.Size)
		if err != nil {
			return "", nil, err
		}
		dev, err := m.NullBlk.Create(ctx, sizeMiB)
		if err != nil {
			return "", nil, err
		}
		metrics.NullBlkDevicesActive.Inc()
		hook := func(ctx context.Context) error {
			metrics.NullBlkDevicesActive.Dec()
			return m.NullBlk.Teardown(ctx, dev.Index)
		}
		return dev.Path, hook, nil

	case types.BackingTmpfsLoop:
		dir := m.TmpfsDir
		if dir == "" {
			dir = filepath.Join(m.WorkDir, "tmpfs")
		}
		return m.attachLoop(ctx, dir, spec)

	case types.BackingDiskLoop:
		return m.attachLoop(ctx, m.WorkDir, spec)

	case types.BackingLVMPool:
		volSpec := types.VolumeSpec{Name: spec.Name, Size: spec.Size}
		allocs, err := m.Pool.Allocate(ctx, m.PoolName, []types.VolumeSpec{volSpec}, m.SessionID)
		if err != nil {
			return "", nil, err
		}
		alloc := allocs[0]
		hook := func(ctx context.Context) error { return m.Pool.Release(ctx, m.SessionID, false) }
		return alloc.LVPath, hook, nil

	default:
		return "", nil, kerrors.Validationf("unknown device backing %q", spec.Backing)
	}
}

func (m *Manager) attachLoop(ctx context.Context, dir string, spec types.DeviceSpec) (string, cleanupHook, error) {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("dev-%d", spec.Order)
	}
	dev, err := m.Loopback.Attach(ctx, dir, name, spec.Size)
	if err != nil {
		return "", nil, err
	}
	metrics.LoopbackDevicesActive.Inc()
	hook := func(ctx context.Context) error {
		metrics.LoopbackDevicesActive.Dec()
		return m.Loopback.Detach(ctx, dev)
	}
	return dev.LoopPath, hook, nil
}

// attachExisting validates a pre-existing device path (it must be a
// block device and must not be mounted) and returns it unmodified;
// filesystem signatures on it are not checked. Pre-existing devices are
// never destroyed on cleanup, so no hook is registered.
func (m *Manager) attachExisting(ctx context.Context, spec types.DeviceSpec) (string, cleanupHook, error) {
	if !safety.IsBlockDevice(spec.Path) {
		return "", nil, kerrors.Validationf("%s is not a block device", spec.Path)
	}
	if mounted, err := mountinfo.Mounted(spec.Path); err == nil && mounted {
		return "", nil, kerrors.Validationf("%s is already mounted", spec.Path)
	}
	return spec.Path, nil, nil
}

// Teardown reverses a successful Setup once the VM session that used
// devices has finished, releasing every backing store it created in
// reverse order. A pre-existing device is left untouched, same as
// Setup's own rollback. Individual failures are collected, not
// short-circuited, so one stuck device never prevents releasing the
// rest.
func (m *Manager) Teardown(ctx context.Context, devices []ResolvedDevice) []error {
	var errs []error
	releasedPool := false
	for i := len(devices) - 1; i >= 0; i-- {
		d := devices[i]
		if d.Spec.IsPreexisting() {
			continue
		}
		switch d.Spec.Backing {
		case types.BackingNullBlk:
			var index int
			if _, err := fmt.Sscanf(filepath.Base(d.Path), "nullb%d", &index); err != nil {
				errs = append(errs, kerrors.Resourcef(err, "cannot parse null_blk index from %s", d.Path))
				continue
			}
			if err := m.NullBlk.Teardown(ctx, index); err != nil {
				errs = append(errs, err)
			}
			metrics.NullBlkDevicesActive.Dec()

		case types.BackingTmpfsLoop, types.BackingDiskLoop:
			dir := m.WorkDir
			if d.Spec.Backing == types.BackingTmpfsLoop {
				dir = m.TmpfsDir
				if dir == "" {
					dir = filepath.Join(m.WorkDir, "tmpfs")
				}
			}
			name := d.Spec.Name
			if name == "" {
				name = fmt.Sprintf("dev-%d", d.Spec.Order)
			}
			dev := loopback.Device{LoopPath: d.Path, BackingFile: filepath.Join(dir, name+".img")}
			if err := m.Loopback.Detach(ctx, dev); err != nil {
				errs = append(errs, err)
			}
			metrics.LoopbackDevicesActive.Dec()

		case types.BackingLVMPool:
			if releasedPool {
				continue
			}
			if err := m.Pool.Release(ctx, m.SessionID, false); err != nil {
				errs = append(errs, err)
			}
			releasedPool = true
		}
	}
	return errs
}

// EnvScript renders the guest environment script contribution spec §8
// requires: exactly one "export NAME=path" line per DeviceSpec with
// EnvVar set, in spec order.
func EnvScript(devices []ResolvedDevice) string {
	var out string
	for _, d := range devices {
		if d.Spec.EnvVar == "" {
			continue
		}
		out += fmt.Sprintf("export %s=%s\n", d.Spec.EnvVar, d.Path)
	}
	return out
}

