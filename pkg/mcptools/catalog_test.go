package mcptools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/fstests"
	"github.com/kernellab/kdevd/pkg/loopback"
	"github.com/kernellab/kdevd/pkg/nullblk"
	"github.com/kernellab/kdevd/pkg/pool"
	"github.com/kernellab/kdevd/pkg/statestore"
	"github.com/kernellab/kdevd/pkg/vmrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectSafetyPass(f *execx.Fake, device string) {
	f.Expect("findmnt -n -o SOURCE,TARGET", execx.Result{})
	f.Expect("blkid -s UUID -s LABEL -o value "+device, execx.Result{})
	f.ExpectError("mdadm --examine "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("pvdisplay "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("cryptsetup isLuks "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("lsof "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("blkid -p "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("sgdisk -p "+device, &execx.ExitError{Cause: os.ErrNotExist})
	f.ExpectError("parted -s "+device+" print", &execx.ExitError{Cause: os.ErrNotExist})
}

func newTestDeps(t *testing.T, f *execx.Fake) *Deps {
	t.Helper()
	dir := t.TempDir()
	cat := pool.NewCatalog(filepath.Join(dir, "device-pool.json"))
	store := statestore.New(filepath.Join(dir, "lv-state.json"))
	return &Deps{
		Pool:      pool.New(f, cat, store),
		Catalog:   cat,
		NullBlk:   &nullblk.Driver{Root: filepath.Join(dir, "configfs")},
		Loopback:  loopback.New(f),
		VMRunner:  &vmrun.Runner{Registry: vmrun.NewProcessRegistry(dir)},
		Baselines: fstests.NewBaselineStore(filepath.Join(dir, "baselines")),
		GitExec:   f,
		WorkDir:   filepath.Join(dir, "work"),
		TmpfsDir:  filepath.Join(dir, "tmpfs"),
		LogDir:    filepath.Join(dir, "logs"),
	}
}

func TestDevicePoolSetupAndListAndStatus(t *testing.T) {
	f := execx.NewFake()
	deps := newTestDeps(t, f)
	tools := Build(deps)

	device := "/dev/fake0"
	expectSafetyPass(f, device)
	f.Expect("pvcreate -f "+device, execx.Result{})
	f.Expect("vgcreate kdevd-p1-vg "+device, execx.Result{})

	out := Dispatch(context.Background(), tools, "device_pool_setup", map[string]any{
		"device_path": device,
		"pool_name":   "p1",
	})
	assert.Contains(t, out, "✓")
	assert.Contains(t, out, "p1")

	f.Expect("vgs --noheadings -o vg_name kdevd-p1-vg", execx.Result{})
	status := Dispatch(context.Background(), tools, "device_pool_status", map[string]any{"pool_name": "p1"})
	assert.Contains(t, status, "HEALTHY")

	list := Dispatch(context.Background(), tools, "device_pool_list", nil)
	assert.Contains(t, list, "p1")
}

func TestDevicePoolSetupFailureRendersGlyphText(t *testing.T) {
	f := execx.NewFake()
	deps := newTestDeps(t, f)
	tools := Build(deps)

	device := "/dev/fake-mounted"
	f.Expect("findmnt -n -o SOURCE,TARGET", execx.Result{Stdout: device + " /mnt\n"})

	out := Dispatch(context.Background(), tools, "device_pool_setup", map[string]any{"device_path": device})
	assert.Contains(t, out, "✗")
}

func TestKillHangingVMsReportsNoneWhenRegistryEmpty(t *testing.T) {
	deps := newTestDeps(t, execx.NewFake())
	tools := Build(deps)
	out := Dispatch(context.Background(), tools, "kill_hanging_vms", nil)
	assert.Equal(t, "✓ no hanging VMs", out)
}

func TestDispatchUnknownToolRendersGlyphText(t *testing.T) {
	deps := newTestDeps(t, execx.NewFake())
	tools := Build(deps)
	out := Dispatch(context.Background(), tools, "not_a_real_tool", nil)
	assert.Contains(t, out, "unknown tool")
}

func TestFstestsBaselineSaveLoadCompareViaDispatch(t *testing.T) {
	deps := newTestDeps(t, execx.NewFake())
	tools := Build(deps)

	resultsDir := t.TempDir()
	log := "FSTYP         -- ext4\ngeneric/001 4s\ngeneric/002 - broke\nRan: generic/001 generic/002\nFailures: generic/002\nFailed 1 of 2 tests\n"
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "check.log"), []byte(log), 0o644))

	save := Dispatch(context.Background(), tools, "fstests_baseline_save", map[string]any{
		"baseline_name": "b1",
		"results_dir":   resultsDir,
		"fstype":        "ext4",
	})
	assert.Contains(t, save, "✓")

	load := Dispatch(context.Background(), tools, "fstests_baseline_load", map[string]any{"baseline_name": "b1"})
	assert.Contains(t, load, "1 failed")

	current := "FSTYP         -- ext4\ngeneric/001 4s\ngeneric/002 4s\nRan: generic/001 generic/002\nPassed all 2 tests\n"
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "check.log"), []byte(current), 0o644))

	cmp := Dispatch(context.Background(), tools, "fstests_baseline_compare", map[string]any{
		"baseline_name": "b1",
		"results_dir":   resultsDir,
	})
	assert.Contains(t, cmp, "new_pass: generic/002")
	assert.Contains(t, cmp, "still_passing: generic/001")

	missing := Dispatch(context.Background(), tools, "fstests_baseline_load", map[string]any{"baseline_name": "nope"})
	assert.Contains(t, missing, "not found")
}

func TestResolveDeviceSpecsRejectsMutuallyExclusiveDevicesAndPool(t *testing.T) {
	_, err := resolveDeviceSpecs(map[string]any{
		"devices":          []any{map[string]any{"path": "/dev/x"}},
		"device_pool_name": "p1",
	})
	require.Error(t, err)
}

func TestResolveDeviceSpecsDefaultsToFstestsProfileForPool(t *testing.T) {
	specs, err := resolveDeviceSpecs(map[string]any{"device_pool_name": "p1"})
	require.NoError(t, err)
	assert.Len(t, specs, 7)
}

func TestResolveDeviceSpecsLoadsCustomProfileWhenPathGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - name: data\n    size: 5G\n"), 0o644))

	specs, err := resolveDeviceSpecs(map[string]any{
		"device_pool_name":    "p1",
		"device_profile_path": path,
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "data", specs[0].Name)
}
