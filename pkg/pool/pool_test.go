package pool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/statestore"
	"github.com/kernellab/kdevd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *execx.Fake) {
	t.Helper()
	dir := t.TempDir()
	f := execx.NewFake()
	cat := NewCatalog(filepath.Join(dir, "device-pool.json"))
	store := statestore.New(filepath.Join(dir, "lv-state.json"))
	return New(f, cat, store), f
}

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

func TestSetupCreatesPVAndVGAndPersistsCatalog(t *testing.T) {
	m, f := newTestManager(t)
	device := "/dev/fake0"
	expectSafetyPass(f, device)
	f.Expect("sgdisk --backup=/dev/stdout "+device, execx.Result{Stdout: "gpt-backup-bytes"})
	f.Expect("pvcreate -f "+device, execx.Result{})
	f.Expect("vgcreate kdevd-p1-vg "+device, execx.Result{})

	p, err := m.Setup(context.Background(), device, "p1", SetupOptions{})
	require.NoError(t, err)
	assert.Equal(t, "kdevd-p1-vg", p.VGName)
	assert.Equal(t, "kdev", p.LVPrefix)

	got, ok, err := m.Catalog.Get("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, device, got.DevicePath)
}

func TestSetupFailsSafetyRollsBackNothingCreatedYet(t *testing.T) {
	m, f := newTestManager(t)
	device := "/dev/fake-mounted"
	f.Expect("findmnt -n -o SOURCE,TARGET", execx.Result{Stdout: device + " /mnt\n"})

	_, err := m.Setup(context.Background(), device, "p1", SetupOptions{})
	require.Error(t, err)

	_, ok, err := m.Catalog.Get("p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetupRollsBackPVWhenVGCreateFails(t *testing.T) {
	m, f := newTestManager(t)
	device := "/dev/fake1"
	expectSafetyPass(f, device)
	f.Expect("sgdisk --backup=/dev/stdout "+device, execx.Result{Stdout: "gpt-backup-bytes"})
	f.Expect("pvcreate -f "+device, execx.Result{})
	f.ExpectError("vgcreate kdevd-p1-vg "+device, &execx.ExitError{Cause: os.ErrInvalid})
	f.Expect("pvremove -f "+device, execx.Result{})

	_, err := m.Setup(context.Background(), device, "p1", SetupOptions{})
	require.Error(t, err)

	pvRemoveIdx, restoreIdx := -1, -1
	for i, c := range f.Calls {
		if len(c.Argv) == 0 {
			continue
		}
		switch c.Argv[0] {
		case "pvremove":
			pvRemoveIdx = i
		case "sgdisk":
			if len(c.Argv) > 1 && strings.HasPrefix(c.Argv[1], "--load-backup=") {
				restoreIdx = i
			}
		}
	}
	assert.NotEqual(t, -1, pvRemoveIdx, "expected rollback to call pvremove")
	assert.NotEqual(t, -1, restoreIdx, "expected rollback to restore the partition table")
	assert.Greater(t, restoreIdx, pvRemoveIdx, "partition table restore must be the final rollback step")
}

func seedPool(t *testing.T, m *Manager) types.Pool {
	t.Helper()
	p := types.Pool{Name: "p1", DevicePath: "/dev/fake0", VGName: "kdevd-p1-vg", LVPrefix: "kdev"}
	require.NoError(t, m.Catalog.Put(p))
	return p
}

// permissiveRunner succeeds on every call except lvcreate, which it
// intercepts to materialize the device node at a fixed path — this lets
// Allocate's device-node wait run against a real file without needing to
// predict the generated LV name.
type permissiveRunner struct {
	lvPath string
}

func (r permissiveRunner) Run(ctx context.Context, req execx.Request) (execx.Result, error) {
	if len(req.Argv) > 0 && req.Argv[0] == "lvcreate" {
		if err := os.WriteFile(r.lvPath, []byte{}, 0o644); err != nil {
			return execx.Result{}, err
		}
	}
	return execx.Result{}, nil
}

func TestAllocateCreatesLVsAndRegistersInStore(t *testing.T) {
	dir := t.TempDir()
	lvPath := filepath.Join(dir, "root-lv")
	r := permissiveRunner{lvPath: lvPath}

	cat := NewCatalog(filepath.Join(dir, "device-pool.json"))
	store := statestore.New(filepath.Join(dir, "lv-state.json"))
	m := New(r, cat, store)
	seedPool(t, m)

	// Allocate derives the device path from vg name + generated lv name,
	// which this test cannot predict, so both the device path lookup and
	// the access-grant step are redirected at the fixed stub file.
	origPath, origGrant := lvDevicePath, grantAccessFunc
	defer func() { lvDevicePath, grantAccessFunc = origPath, origGrant }()
	lvDevicePath = func(vgName, lvName string) string { return lvPath }
	grantAccessFunc = func(m *Manager, ctx context.Context, path string) error {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		return f.Close()
	}

	specs := []types.VolumeSpec{{Name: "root", Size: "4G"}}
	allocs, err := m.Allocate(context.Background(), "p1", specs, "sess-1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "root", allocs[0].Spec.Name)

	got, err := m.Store.AllocationsFor("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestReleaseRemovesLVsAndUnregistersUnlessKept(t *testing.T) {
	m, f := newTestManager(t)
	alloc := types.VolumeAllocation{LVPath: "/dev/vg/lv1", LVName: "lv1", PoolName: "p1", SessionID: "sess-1"}
	require.NoError(t, m.Store.Register(alloc))
	f.Expect("lvremove -f /dev/vg/lv1", execx.Result{})

	require.NoError(t, m.Release(context.Background(), "sess-1", false))

	remaining, err := m.Store.AllocationsFor("sess-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var sawRemove bool
	for _, c := range f.Calls {
		if len(c.Argv) > 1 && c.Argv[0] == "lvremove" {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)
}

func TestReleaseKeepVolumesStillUnregisters(t *testing.T) {
	m, _ := newTestManager(t)
	alloc := types.VolumeAllocation{LVPath: "/dev/vg/lv1", LVName: "lv1", PoolName: "p1", SessionID: "sess-1"}
	require.NoError(t, m.Store.Register(alloc))

	require.NoError(t, m.Release(context.Background(), "sess-1", true))

	remaining, err := m.Store.AllocationsFor("sess-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestResizeUnknownPoolErrors(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Resize(context.Background(), "nope", "lv1", "8G")
	require.Error(t, err)
}

func TestSnapshotUnknownActionErrors(t *testing.T) {
	m, _ := newTestManager(t)
	seedPool(t, m)
	err := m.Snapshot(context.Background(), "p1", "lv1", "snap1", SnapshotAction("bogus"), "")
	require.Error(t, err)
}

func TestValidateReportsMissingVG(t *testing.T) {
	m, f := newTestManager(t)
	seedPool(t, m)
	f.ExpectError("vgs --noheadings -o vg_name kdevd-p1-vg", &execx.ExitError{Cause: os.ErrNotExist})

	err := m.Validate(context.Background(), "p1")
	require.Error(t, err)
}

func TestGenerateSessionIDFormat(t *testing.T) {
	id := GenerateSessionID()
	assert.Len(t, id, 21) // 14-digit timestamp + '-' + 6 hex chars
}
