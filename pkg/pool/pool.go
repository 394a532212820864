// Package pool implements the Device Pool Manager spec §4.3 describes:
// persistent LVM volume groups and ephemeral per-session logical volumes,
// safety-validated physical device adoption, and crash-safe allocation
// tracking via the State Store.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/safety"
	"github.com/kernellab/kdevd/pkg/statestore"
	"github.com/kernellab/kdevd/pkg/types"
)

// catalogDocument is the on-disk pool catalog (spec §6: device-pool.json,
// "version":"1.0" header).
type catalogDocument struct {
	Version string                 `json:"version"`
	Pools   map[string]types.Pool `json:"pools"`
}

// Catalog persists Pool metadata to a JSON document. It has no locking of
// its own: pool create/teardown are administrative operations expected to
// run one at a time, unlike the high-frequency State Store traffic.
type Catalog struct {
	Path string
}

func NewCatalog(path string) *Catalog { return &Catalog{Path: path} }

func (c *Catalog) load() (catalogDocument, error) {
	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return catalogDocument{Version: "1.0", Pools: map[string]types.Pool{}}, nil
	}
	if err != nil {
		return catalogDocument{}, err
	}
	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return catalogDocument{Version: "1.0", Pools: map[string]types.Pool{}}, nil
	}
	if doc.Pools == nil {
		doc.Pools = map[string]types.Pool{}
	}
	return doc, nil
}

func (c *Catalog) save(doc catalogDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o644)
}

func (c *Catalog) Get(name string) (types.Pool, bool, error) {
	doc, err := c.load()
	if err != nil {
		return types.Pool{}, false, err
	}
	p, ok := doc.Pools[name]
	return p, ok, nil
}

func (c *Catalog) Put(p types.Pool) error {
	doc, err := c.load()
	if err != nil {
		return err
	}
	doc.Pools[p.Name] = p
	return c.save(doc)
}

func (c *Catalog) Delete(name string) error {
	doc, err := c.load()
	if err != nil {
		return err
	}
	delete(doc.Pools, name)
	return c.save(doc)
}

func (c *Catalog) List() ([]types.Pool, error) {
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]types.Pool, 0, len(doc.Pools))
	for _, p := range doc.Pools {
		out = append(out, p)
	}
	return out, nil
}

// SnapshotAction selects create or delete for Manager.Snapshot.
type SnapshotAction string

const (
	SnapshotCreate SnapshotAction = "create"
	SnapshotDelete SnapshotAction = "delete"
)

// Manager is the Device Pool Manager: it orchestrates the Safety
// Validator, LVM command invocations, the pool Catalog, and the State
// Store into the operations spec §4.3 names.
type Manager struct {
	Runner  execx.Runner
	Catalog *Catalog
	Store   *statestore.Store
}

func New(runner execx.Runner, catalog *Catalog, store *statestore.Store) *Manager {
	return &Manager{Runner: runner, Catalog: catalog, Store: store}
}

// rollbackScope accumulates undo steps in registration order and runs
// them in reverse on Abort, matching spec §9's rollback discipline.
// Guards must not themselves raise: errors from undo steps are dropped.
type rollbackScope struct {
	undo []func()
}

func (s *rollbackScope) record(undo func()) {
	s.undo = append(s.undo, undo)
}

func (s *rollbackScope) abort() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
}

func (m *Manager) run(ctx context.Context, timeout time.Duration, argv ...string) (execx.Result, error) {
	return m.Runner.Run(ctx, execx.Request{Argv: argv, Timeout: timeout, Sudo: true})
}

// SetupOptions configures Setup beyond the required device/pool name.
type SetupOptions struct {
	VGName   string
	LVPrefix string
	User     string
}

// Setup creates an LVM pool on device: Safety Validator gate (with the
// existing-LVM check skipped, since we are about to adopt this device as
// a fresh PV), a partition-table backup, then PV + VG creation inside a
// rollback scope. On any failure the scope reverses: VG removed, then PV
// removed, then the partition table restored from the backup.
func (m *Manager) Setup(ctx context.Context, device, poolName string, opts SetupOptions) (types.Pool, error) {
	report := safety.Validate(ctx, m.Runner, device, true)
	if !report.Passed() {
		return types.Pool{}, report.Err()
	}

	vgName := opts.VGName
	if vgName == "" {
		vgName = "kdevd-" + poolName + "-vg"
	}
	lvPrefix := opts.LVPrefix
	if lvPrefix == "" {
		lvPrefix = "kdev"
	}

	scope := &rollbackScope{}
	ok := false
	defer func() {
		if !ok {
			scope.abort()
		}
	}()

	// Recorded before any create step so it runs last on rollback, after
	// the VG and PV are gone, matching spec's undo order.
	if backup := m.savePartitionTable(ctx, device); backup != "" {
		scope.record(func() {
			m.restorePartitionTable(context.Background(), device, backup)
		})
	}

	if _, err := m.run(ctx, 30*time.Second, "pvcreate", "-f", device); err != nil {
		return types.Pool{}, kerrors.Resourcef(err, "pvcreate failed on %s", device)
	}
	scope.record(func() {
		_, _ = m.run(context.Background(), 30*time.Second, "pvremove", "-f", device)
	})

	if _, err := m.run(ctx, 30*time.Second, "vgcreate", vgName, device); err != nil {
		return types.Pool{}, kerrors.Resourcef(err, "vgcreate failed for %s", vgName)
	}
	scope.record(func() {
		_, _ = m.run(context.Background(), 30*time.Second, "vgremove", "-f", vgName)
	})

	p := types.Pool{
		Name:       poolName,
		DevicePath: device,
		VGName:     vgName,
		LVPrefix:   lvPrefix,
		CreatedAt:  time.Now(),
		CreatedBy:  opts.User,
	}
	if err := m.Catalog.Put(p); err != nil {
		return types.Pool{}, kerrors.Resourcef(err, "failed to persist pool %q", poolName)
	}

	ok = true
	return p, nil
}

// savePartitionTable captures sgdisk's GPT backup image so a failed Setup
// can restore the device's original partition table on rollback.
// Best-effort: a missing sgdisk binary or a device with no partition
// table yields no backup, and Setup proceeds without one.
func (m *Manager) savePartitionTable(ctx context.Context, device string) string {
	res, err := m.run(ctx, 10*time.Second, "sgdisk", "--backup=/dev/stdout", device)
	if err != nil || res.Stdout == "" {
		return ""
	}
	return res.Stdout
}

// restorePartitionTable writes backup to a temp file and loads it back
// onto device via sgdisk --load-backup. Runs only during rollback, where
// a second failure here cannot itself be recovered from.
func (m *Manager) restorePartitionTable(ctx context.Context, device, backup string) {
	f, err := os.CreateTemp("", "kdevd-sgdisk-backup-*")
	if err != nil {
		return
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(backup); err != nil {
		f.Close()
		return
	}
	f.Close()
	_, _ = m.run(ctx, 10*time.Second, "sgdisk", "--load-backup="+path, device)
}

// Teardown sweeps orphans, removes the VG (fails loudly if LVs are still
// live), removes the PV, optionally zero-fills the first 100 MiB, and
// deletes the catalog entry.
func (m *Manager) Teardown(ctx context.Context, poolName string, wipeData bool) error {
	p, ok, err := m.Catalog.Get(poolName)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.Validationf("pool %q not found", poolName)
	}

	if _, err := m.SweepOrphans(ctx, poolName); err != nil {
		return err
	}

	if res, err := m.run(ctx, 30*time.Second, "vgremove", "-f", p.VGName); err != nil {
		return kerrors.Resourcef(err, "failed to remove volume group %q (active LVs may remain): %s", p.VGName, res.Stderr)
	}

	if _, err := m.run(ctx, 30*time.Second, "pvremove", "-f", p.DevicePath); err != nil {
		return kerrors.Resourcef(err, "failed to remove physical volume %s", p.DevicePath)
	}

	if wipeData {
		_, _ = m.run(ctx, 300*time.Second, "dd", "if=/dev/zero", "of="+p.DevicePath, "bs=1M", "count=100")
	}

	return m.Catalog.Delete(poolName)
}

// SweepOrphans removes LVs whose owning PID is dead, per spec §4.2.
func (m *Manager) SweepOrphans(ctx context.Context, poolName string) ([]types.VolumeAllocation, error) {
	return m.Store.SweepOrphans(poolName, func(alloc types.VolumeAllocation) bool {
		_, err := m.run(ctx, 30*time.Second, "lvremove", "-f", alloc.LVPath)
		return err == nil
	})
}

// GenerateSessionID builds the 21-char {timestamp}-{6 hex} id spec §3 and
// §4.3 both reference, so an observer can correlate an LV name with its
// live session.
func GenerateSessionID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102150405"), randHex(3))
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// uuid-derived suffix rather than panicking.
		u := uuid.New()
		return hex.EncodeToString(u[:n])
	}
	return hex.EncodeToString(b)
}

// Allocate creates one LV per spec in declaration order under a freshly
// generated name prefix, granting the caller ownership and registering
// each in the State Store. Any failure rolls back every LV created so
// far; a session is never left partially allocated.
func (m *Manager) Allocate(ctx context.Context, poolName string, specs []types.VolumeSpec, sessionID string) ([]types.VolumeAllocation, error) {
	p, ok, err := m.Catalog.Get(poolName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kerrors.Validationf("pool %q not found", poolName)
	}

	prefix := fmt.Sprintf("%s-%s-%s", p.LVPrefix, time.Now().UTC().Format("20060102150405"), randHex(3))
	pid := os.Getpid()

	var allocs []types.VolumeAllocation
	ok2 := false
	defer func() {
		if !ok2 {
			for _, a := range allocs {
				_, _ = m.run(context.Background(), 30*time.Second, "lvremove", "-f", a.LVPath)
				_ = m.Store.Unregister(a.LVName)
			}
		}
	}()

	for _, spec := range specs {
		lvName := fmt.Sprintf("%s-%s", prefix, spec.Name)
		lvPath := lvDevicePath(p.VGName, lvName)

		if _, err := m.run(ctx, 30*time.Second, "lvcreate", "-y", "-L", spec.Size, "-n", lvName, p.VGName); err != nil {
			return nil, kerrors.Resourcef(err, "lvcreate failed for %q", lvName)
		}

		if err := m.waitForDeviceNode(ctx, lvPath); err != nil {
			return nil, err
		}
		m.settleUdev(ctx)
		if err := m.grantAccess(ctx, lvPath); err != nil {
			return nil, err
		}

		alloc := types.VolumeAllocation{
			LVPath:       lvPath,
			LVName:       lvName,
			PoolName:     poolName,
			VGName:       p.VGName,
			Spec:         spec,
			AllocatorPID: pid,
			AllocatedAt:  time.Now(),
			SessionID:    sessionID,
		}
		if err := m.Store.Register(alloc); err != nil {
			return nil, kerrors.Resourcef(err, "failed to register allocation %q", lvName)
		}
		allocs = append(allocs, alloc)
	}

	ok2 = true
	return allocs, nil
}

// lvDevicePath is a package variable so tests can redirect the expected
// device node to a real file rather than an unreachable /dev path.
var lvDevicePath = func(vgName, lvName string) string {
	return fmt.Sprintf("/dev/%s/%s", vgName, lvName)
}

// waitForDeviceNode polls for the LV device node, bounded at ~2 seconds
// per spec §4.3.
func (m *Manager) waitForDeviceNode(ctx context.Context, path string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return kerrors.Resourcef(nil, "device %s did not appear after creation", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *Manager) settleUdev(ctx context.Context) {
	_, _ = m.run(ctx, 5*time.Second, "udevadm", "settle", "--timeout=5")
}

// grantAccessFunc changes ownership to the invoking user and sets mode
// 0660, then verifies the device opens for read-write. It is a package
// variable so tests (which run unprivileged and cannot chown a real
// device) can substitute a fake.
var grantAccessFunc = func(m *Manager, ctx context.Context, path string) error {
	user := callerUser()
	if _, err := m.run(ctx, 5*time.Second, "chown", user+":disk", path); err != nil {
		return kerrors.Resourcef(err, "failed to grant access to %s", path)
	}
	if _, err := m.run(ctx, 5*time.Second, "chmod", "0660", path); err != nil {
		return kerrors.Resourcef(err, "failed to chmod %s", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return kerrors.Resourcef(err, "cannot open %s for read-write after granting access", path)
	}
	return f.Close()
}

func (m *Manager) grantAccess(ctx context.Context, path string) error {
	return grantAccessFunc(m, ctx, path)
}

func callerUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// Release removes each allocation's LV (unless keep is true) and
// unregisters every allocation regardless. Individual LV removal
// failures do not abort the loop — spec §4.3.
func (m *Manager) Release(ctx context.Context, sessionID string, keep bool) error {
	allocs, err := m.Store.AllocationsFor(sessionID)
	if err != nil {
		return err
	}

	for _, a := range allocs {
		if !keep {
			_, _ = m.run(ctx, 30*time.Second, "lvremove", "-f", a.LVPath)
		}
		_ = m.Store.Unregister(a.LVName)
	}
	return nil
}

// Resize is a thin wrapper around lvresize, keyed by full LV name.
func (m *Manager) Resize(ctx context.Context, poolName, lvName, newSize string) error {
	p, ok, err := m.Catalog.Get(poolName)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.Validationf("pool %q not found", poolName)
	}
	lvPath := fmt.Sprintf("/dev/%s/%s", p.VGName, lvName)
	_, err = m.run(ctx, 60*time.Second, "lvresize", "-L", newSize, lvPath)
	if err != nil {
		return kerrors.Resourcef(err, "lvresize failed for %q", lvName)
	}
	return nil
}

// Snapshot is a thin wrapper around lvcreate -s / lvremove, keyed by full
// LV name.
func (m *Manager) Snapshot(ctx context.Context, poolName, lvName, snapName string, action SnapshotAction, snapSize string) error {
	p, ok, err := m.Catalog.Get(poolName)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.Validationf("pool %q not found", poolName)
	}
	lvPath := fmt.Sprintf("/dev/%s/%s", p.VGName, lvName)
	snapPath := fmt.Sprintf("/dev/%s/%s", p.VGName, snapName)

	switch action {
	case SnapshotCreate:
		if snapSize == "" {
			snapSize = "1G"
		}
		_, err = m.run(ctx, 60*time.Second, "lvcreate", "-s", "-L", snapSize, "-n", snapName, lvPath)
	case SnapshotDelete:
		_, err = m.run(ctx, 60*time.Second, "lvremove", "-f", snapPath)
	default:
		return kerrors.Validationf("unknown snapshot action %q", action)
	}
	if err != nil {
		return kerrors.Resourcef(err, "snapshot %s of %q failed", action, lvName)
	}
	return nil
}

// Validate reports VG presence and basic health for a pool.
func (m *Manager) Validate(ctx context.Context, poolName string) error {
	p, ok, err := m.Catalog.Get(poolName)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.Validationf("pool %q not found", poolName)
	}
	res, err := m.run(ctx, 10*time.Second, "vgs", "--noheadings", "-o", "vg_name", p.VGName)
	if err != nil {
		return kerrors.Resourcef(err, "volume group %q is not present: %s", p.VGName, res.Stderr)
	}
	return nil
}
