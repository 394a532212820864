package mcptools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kernellab/kdevd/pkg/dmesg"
	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/fstests"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/loopback"
	"github.com/kernellab/kdevd/pkg/metrics"
	"github.com/kernellab/kdevd/pkg/nullblk"
	"github.com/kernellab/kdevd/pkg/pool"
	"github.com/kernellab/kdevd/pkg/types"
	"github.com/kernellab/kdevd/pkg/vmdevice"
	"github.com/kernellab/kdevd/pkg/vmrun"
)

// Deps wires the already-built core components into the tool catalog.
// Every field is a shared, long-lived driver; per-call state (session
// id, pool name, work directory) is threaded through handler arguments
// instead of being stored here.
type Deps struct {
	Pool      *pool.Manager
	Catalog   *pool.Catalog
	NullBlk   *nullblk.Driver
	Loopback  *loopback.Manager
	VMRunner  *vmrun.Runner
	Baselines *fstests.BaselineStore

	GitExec execx.Runner

	WorkDir  string
	TmpfsDir string
	LogDir   string
	VMBinary string // defaults to "vng"

	nullBlkOnce sync.Once
	nullBlkOK   bool
}

// nullBlkAvailable probes null_blk availability once per process, per
// nullblk.Driver.Probe's own documented caching contract.
func (d *Deps) nullBlkAvailable() bool {
	d.nullBlkOnce.Do(func() {
		d.nullBlkOK = d.NullBlk != nil && d.NullBlk.Probe() == nil
	})
	return d.nullBlkOK
}

func (d *Deps) vmBinary() string {
	if d.VMBinary == "" {
		return "vng"
	}
	return d.VMBinary
}

func ok(format string, args ...any) string {
	return "✓ " + fmt.Sprintf(format, args...)
}

func failText(err error) string {
	var kerr *kerrors.Error
	if kerrors.As(err, &kerr) {
		return kerr.Text()
	}
	return "✗ " + err.Error()
}

// --- device pool tools ---------------------------------------------------

func (d *Deps) devicePoolSetup(ctx context.Context, args map[string]any) string {
	poolName := strArgOpt(args, "pool_name", "default")
	opts := pool.SetupOptions{
		VGName:   strArg(args, "vg_name"),
		LVPrefix: strArg(args, "lv_prefix"),
	}
	timer := metrics.NewTimer()
	p, err := d.Pool.Setup(ctx, strArg(args, "device_path"), poolName, opts)
	timer.ObserveDuration(metrics.PoolSetupDuration)
	if err != nil {
		metrics.PoolOperationsTotal.WithLabelValues("setup", "error").Inc()
		return failText(err)
	}
	metrics.PoolOperationsTotal.WithLabelValues("setup", "ok").Inc()
	return ok("pool %q ready (vg=%s, device=%s)", p.Name, p.VGName, p.DevicePath)
}

func (d *Deps) devicePoolTeardown(ctx context.Context, args map[string]any) string {
	poolName := strArg(args, "pool_name")
	wipe := boolArgOpt(args, "wipe_data", false)
	timer := metrics.NewTimer()
	err := d.Pool.Teardown(ctx, poolName, wipe)
	timer.ObserveDuration(metrics.PoolTeardownDuration)
	if err != nil {
		metrics.PoolOperationsTotal.WithLabelValues("teardown", "error").Inc()
		return failText(err)
	}
	metrics.PoolOperationsTotal.WithLabelValues("teardown", "ok").Inc()
	return ok("pool %q torn down", poolName)
}

func (d *Deps) devicePoolStatus(ctx context.Context, args map[string]any) string {
	poolName := strArg(args, "pool_name")
	if poolName != "" {
		if err := d.Pool.Validate(ctx, poolName); err != nil {
			return failText(err)
		}
		return ok("pool %q HEALTHY", poolName)
	}

	pools, err := d.Catalog.List()
	if err != nil {
		return failText(err)
	}
	if len(pools) == 0 {
		return "⚠ no pools in catalog"
	}
	var b strings.Builder
	for _, p := range pools {
		if err := d.Pool.Validate(ctx, p.Name); err != nil {
			fmt.Fprintf(&b, "✗ %s ERROR: %v\n", p.Name, err)
			continue
		}
		fmt.Fprintf(&b, "✓ %s HEALTHY\n", p.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Deps) devicePoolList(ctx context.Context, args map[string]any) string {
	pools, err := d.Catalog.List()
	if err != nil {
		return failText(err)
	}
	if len(pools) == 0 {
		return "⚠ no pools in catalog"
	}
	var b strings.Builder
	b.WriteString("✓ pools:\n")
	for _, p := range pools {
		fmt.Fprintf(&b, "  %s  vg=%s  device=%s  created=%s\n", p.Name, p.VGName, p.DevicePath, p.CreatedAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Deps) devicePoolCleanup(ctx context.Context, args map[string]any) string {
	poolName := strArg(args, "pool_name")
	if poolName != "" {
		removed, err := d.Pool.SweepOrphans(ctx, poolName)
		if err != nil {
			return failText(err)
		}
		return ok("swept %d orphaned volume(s) from pool %q", len(removed), poolName)
	}

	pools, err := d.Catalog.List()
	if err != nil {
		return failText(err)
	}
	total := 0
	for _, p := range pools {
		removed, err := d.Pool.SweepOrphans(ctx, p.Name)
		if err != nil {
			return failText(err)
		}
		total += len(removed)
	}
	return ok("swept %d orphaned volume(s) across %d pool(s)", total, len(pools))
}

func (d *Deps) devicePoolResize(ctx context.Context, args map[string]any) string {
	poolName := strArgOpt(args, "pool_name", "default")
	lvName := strArg(args, "lv_name")
	timer := metrics.NewTimer()
	err := d.Pool.Resize(ctx, poolName, lvName, strArg(args, "new_size"))
	timer.ObserveDuration(metrics.PoolResizeDuration)
	if err != nil {
		metrics.PoolOperationsTotal.WithLabelValues("resize", "error").Inc()
		return failText(err)
	}
	metrics.PoolOperationsTotal.WithLabelValues("resize", "ok").Inc()
	return ok("resized %q in pool %q", lvName, poolName)
}

func (d *Deps) devicePoolSnapshot(ctx context.Context, args map[string]any) string {
	poolName := strArgOpt(args, "pool_name", "default")
	lvName := strArg(args, "lv_name")
	snapName := strArg(args, "snapshot_name")
	action := pool.SnapshotAction(strArg(args, "action"))
	err := d.Pool.Snapshot(ctx, poolName, lvName, snapName, action, strArg(args, "snapshot_size"))
	if err != nil {
		metrics.PoolSnapshotsTotal.WithLabelValues(string(action), "error").Inc()
		return failText(err)
	}
	metrics.PoolSnapshotsTotal.WithLabelValues(string(action), "ok").Inc()
	return ok("snapshot %q %sd for %q", snapName, action, lvName)
}

// --- boot / fstests tools -------------------------------------------------

// resolveDeviceSpecs builds the ordered DeviceSpec list for a boot-shaped
// tool call: either the caller's explicit "devices" list, or, when
// device_pool_name is set, the profile at device_profile_path, else the
// caller's device_pool_volumes list, else the fstests_default profile.
// The explicit list and device_pool_name are mutually exclusive, per
// spec §6.
func resolveDeviceSpecs(args map[string]any) ([]types.DeviceSpec, error) {
	explicit := mapSliceArg(args, "devices")
	poolName := strArg(args, "device_pool_name")
	if len(explicit) > 0 && poolName != "" {
		return nil, kerrors.Validationf("devices and device_pool_name are mutually exclusive")
	}

	if poolName != "" {
		if profilePath := strArg(args, "device_profile_path"); profilePath != "" {
			return fstests.LoadDeviceProfile(profilePath)
		}
		volumes := mapSliceArg(args, "device_pool_volumes")
		if len(volumes) == 0 {
			return fstests.DefaultDeviceProfile(), nil
		}
		specs := make([]types.DeviceSpec, 0, len(volumes))
		for i, v := range volumes {
			specs = append(specs, types.DeviceSpec{
				Name:    strArg(v, "name"),
				Size:    strArgOpt(v, "size", "10G"),
				Backing: types.BackingLVMPool,
				Order:   intArgOpt(v, "order", i),
				EnvVar:  strArg(v, "env_var"),
			})
		}
		return specs, nil
	}

	specs := make([]types.DeviceSpec, 0, len(explicit))
	for i, v := range explicit {
		if p := strArg(v, "path"); p != "" {
			specs = append(specs, types.DeviceSpec{Path: p, Name: strArg(v, "name"), Order: intArgOpt(v, "order", i), EnvVar: strArg(v, "env_var")})
			continue
		}
		specs = append(specs, types.DeviceSpec{
			Name:     strArg(v, "name"),
			Size:     strArg(v, "size"),
			Backing:  types.DeviceBacking(strArgOpt(v, "backing", string(types.BackingTmpfsLoop))),
			Order:    intArgOpt(v, "order", i),
			ReadOnly: boolArgOpt(v, "read_only", false),
			EnvVar:   strArg(v, "env_var"),
		})
	}
	return specs, nil
}

func (d *Deps) deviceManager(poolName, sessionID string) *vmdevice.Manager {
	return &vmdevice.Manager{
		NullBlk:   d.NullBlk,
		Loopback:  d.Loopback,
		Pool:      d.Pool,
		WorkDir:   d.WorkDir,
		TmpfsDir:  d.TmpfsDir,
		PoolName:  poolName,
		SessionID: sessionID,
		NullBlkOK: d.nullBlkAvailable(),
	}
}

func vmArgv(binary, kernelPath string, memory string, cpus int, extra []string) []string {
	argv := []string{binary, "-r", kernelPath}
	if memory != "" {
		argv = append(argv, "--memory", memory)
	}
	if cpus > 0 {
		argv = append(argv, "--cpus", fmt.Sprintf("%d", cpus))
	}
	argv = append(argv, extra...)
	return argv
}

func formatBootResult(label string, outcome vmrun.Outcome, classification dmesg.Classification) string {
	var b strings.Builder
	if outcome.TimeoutOccurred {
		fmt.Fprintf(&b, "⚠ %s timed out (pid %d killed)\n", label, outcome.PID)
	} else if outcome.ExitCode != 0 {
		fmt.Fprintf(&b, "✗ %s exited %d\n", label, outcome.ExitCode)
	} else {
		fmt.Fprintf(&b, "✓ %s completed (exit 0)\n", label)
	}
	fmt.Fprintf(&b, "log: %s\n", outcome.LogPath)
	fmt.Fprintf(&b, "panics=%d oops=%d errors=%d warnings=%d\n",
		len(classification.Panics), len(classification.Oops), len(classification.Errors), len(classification.Warnings))
	for _, p := range classification.Panics {
		fmt.Fprintf(&b, "  ✗ PANIC: %s\n", p.Body)
	}
	for _, o := range classification.Oops {
		fmt.Fprintf(&b, "  ✗ OOPS: %s\n", o.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Deps) bootKernelTest(ctx context.Context, args map[string]any) string {
	specs, err := resolveDeviceSpecs(args)
	if err != nil {
		return failText(err)
	}

	sessionID := pool.GenerateSessionID()
	dm := d.deviceManager(strArg(args, "device_pool_name"), sessionID)
	resolved, err := dm.Setup(ctx, specs)
	if err != nil {
		return failText(err)
	}
	defer dm.Teardown(context.Background(), resolved)

	timeout := time.Duration(intArgOpt(args, "timeout", 120)) * time.Second
	argv := vmArgv(d.vmBinary(), strArg(args, "kernel_path"), strArg(args, "memory"), intArgOpt(args, "cpus", 0), strSliceArg(args, "extra_args"))

	timer := metrics.NewTimer()
	outcome, err := d.VMRunner.Run(ctx, vmrun.RunOptions{
		Cmd:         argv,
		Timeout:     timeout,
		LogDir:      d.LogDir,
		Description: "boot_kernel_test " + sessionID,
	})
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("failure").Inc()
		return failText(err)
	}
	timer.ObserveDuration(metrics.VMBootDuration)
	recordBootOutcome(outcome)

	classification := dmesg.Analyze(outcome.RawLog)
	recordDmesgClassification(classification)
	return formatBootResult("boot", outcome, classification)
}

// recordBootOutcome classifies a completed VM run into the boots-total
// counter's three mutually exclusive outcomes.
func recordBootOutcome(outcome vmrun.Outcome) {
	switch {
	case outcome.TimeoutOccurred:
		metrics.VMBootsTotal.WithLabelValues("timeout").Inc()
	case outcome.ExitCode != 0:
		metrics.VMBootsTotal.WithLabelValues("failure").Inc()
	default:
		metrics.VMBootsTotal.WithLabelValues("success").Inc()
	}
}

func recordDmesgClassification(c dmesg.Classification) {
	if len(c.Panics) > 0 {
		metrics.VMPanicsTotal.Add(float64(len(c.Panics)))
	}
	if len(c.Oops) > 0 {
		metrics.VMOopsTotal.Add(float64(len(c.Oops)))
	}
}

func (d *Deps) fstestsVMBootAndRun(ctx context.Context, args map[string]any) string {
	specs, err := resolveDeviceSpecs(args)
	if err != nil {
		return failText(err)
	}

	sessionID := pool.GenerateSessionID()
	dm := d.deviceManager(strArg(args, "device_pool_name"), sessionID)
	resolved, err := dm.Setup(ctx, specs)
	if err != nil {
		return failText(err)
	}
	defer dm.Teardown(context.Background(), resolved)

	script, err := fstests.BuildSetupScript(fstests.SetupScriptParams{
		FSType:        strArgOpt(args, "fstype", "ext4"),
		CustomMkfs:    strArg(args, "custom_mkfs_command"),
		IOScheduler:   strArg(args, "io_scheduler"),
		TestDeviceEnv: "TEST_DEV",
		EnvScript:     vmdevice.EnvScript(resolved),
		FstestsPath:   strArg(args, "fstests_path"),
		Tests:         strSliceArg(args, "tests"),
	})
	if err != nil {
		return failText(err)
	}

	timeout := time.Duration(intArgOpt(args, "timeout", 1800)) * time.Second
	argv := vmArgv(d.vmBinary(), strArg(args, "kernel_path"), strArg(args, "memory"), intArgOpt(args, "cpus", 0), strSliceArg(args, "extra_args"))
	argv = append(argv, "--script", script)

	fstype := strArgOpt(args, "fstype", "ext4")
	timer := metrics.NewTimer()
	outcome, err := d.VMRunner.Run(ctx, vmrun.RunOptions{
		Cmd:         argv,
		Timeout:     timeout,
		LogDir:      d.LogDir,
		Description: "fstests_vm_boot_and_run " + sessionID,
	})
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("failure").Inc()
		return failText(err)
	}
	timer.ObserveDurationVec(metrics.FstestsRunDuration, fstype)
	recordBootOutcome(outcome)

	result := fstests.ParseCheckLog(outcome.RawLog)
	classification := dmesg.Analyze(outcome.RawLog)
	recordDmesgClassification(classification)
	if result.Failed > 0 {
		metrics.FstestsRunsTotal.WithLabelValues(fstype, "fail").Inc()
		metrics.FstestsCasesFailedTotal.Add(float64(result.Failed))
	} else {
		metrics.FstestsRunsTotal.WithLabelValues(fstype, "pass").Inc()
	}

	var b strings.Builder
	b.WriteString(formatBootResult("fstests run", outcome, classification))
	b.WriteString("\n")
	b.WriteString(fstests.FormatRunResult(result))
	fmt.Fprintf(&b, " (%d passed, %d failed, %d not run)", result.Passed, result.Failed, result.NotRun)
	return b.String()
}

func (d *Deps) fstestsVMBootCustom(ctx context.Context, args map[string]any) string {
	specs, err := resolveDeviceSpecs(args)
	if err != nil {
		return failText(err)
	}

	sessionID := pool.GenerateSessionID()
	dm := d.deviceManager(strArg(args, "device_pool_name"), sessionID)
	resolved, err := dm.Setup(ctx, specs)
	if err != nil {
		return failText(err)
	}
	defer dm.Teardown(context.Background(), resolved)

	payload := strArg(args, "command")
	if scriptFile := strArg(args, "script_file"); scriptFile != "" {
		contents, err := os.ReadFile(scriptFile)
		if err != nil {
			return failText(kerrors.Preconditionf("cannot read script_file %s: %v", scriptFile, err))
		}
		payload = string(contents)
	}
	if payload == "" {
		return failText(kerrors.Validationf("one of command or script_file is required"))
	}

	script := "#!/bin/sh\nset -e\n\n" + vmdevice.EnvScript(resolved) + "\n" + payload + "\n"

	argv := vmArgv(d.vmBinary(), strArg(args, "kernel_path"), strArg(args, "memory"), intArgOpt(args, "cpus", 0), strSliceArg(args, "extra_args"))
	argv = append(argv, "--script", script)

	timer := metrics.NewTimer()
	outcome, err := d.VMRunner.Run(ctx, vmrun.RunOptions{
		Cmd:         argv,
		Timeout:     time.Duration(intArgOpt(args, "timeout", 1800)) * time.Second,
		LogDir:      d.LogDir,
		Description: "fstests_vm_boot_custom " + sessionID,
	})
	if err != nil {
		metrics.VMBootsTotal.WithLabelValues("failure").Inc()
		return failText(err)
	}
	timer.ObserveDuration(metrics.VMBootDuration)
	recordBootOutcome(outcome)
	classification := dmesg.Analyze(outcome.RawLog)
	recordDmesgClassification(classification)
	return formatBootResult("custom run", outcome, classification)
}

// --- fstests baseline tools ------------------------------------------------

func readCheckLog(resultsDir string) (string, error) {
	path := filepath.Join(resultsDir, "check.log")
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", kerrors.Preconditionf("cannot read %s: %v", path, err)
	}
	return string(contents), nil
}

func (d *Deps) fstestsBaselineSave(ctx context.Context, args map[string]any) string {
	checkLog, err := readCheckLog(strArg(args, "results_dir"))
	if err != nil {
		return failText(err)
	}
	result := fstests.ParseCheckLog(checkLog)
	metadata := types.BaselineMetadata{
		KernelVersion: strArg(args, "kernel_version"),
		FSType:        strArg(args, "fstype"),
		TestSelection: strArg(args, "test_selection"),
		CreatedAt:     time.Now(),
	}
	baseline, err := d.Baselines.Save(strArg(args, "baseline_name"), metadata, result, checkLog)
	if err != nil {
		return failText(err)
	}
	return ok("baseline %q saved (%d passed, %d failed, %d not run)", baseline.Name, result.Passed, result.Failed, result.NotRun)
}

func (d *Deps) fstestsBaselineList(ctx context.Context, args map[string]any) string {
	baselines, err := d.Baselines.List()
	if err != nil {
		return failText(err)
	}
	if len(baselines) == 0 {
		return "⚠ no baselines saved"
	}
	var b strings.Builder
	b.WriteString("✓ baselines:\n")
	for _, m := range baselines {
		fmt.Fprintf(&b, "  %s\n", m.CreatedAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Deps) fstestsBaselineLoad(ctx context.Context, args map[string]any) string {
	baseline, found, err := d.Baselines.Load(strArg(args, "baseline_name"))
	if err != nil {
		return failText(err)
	}
	if !found {
		return fmt.Sprintf("✗ baseline %q not found", strArg(args, "baseline_name"))
	}
	return ok("baseline %q: %d passed, %d failed, %d not run", baseline.Name, baseline.Result.Passed, baseline.Result.Failed, baseline.Result.NotRun)
}

func (d *Deps) fstestsBaselineDelete(ctx context.Context, args map[string]any) string {
	name := strArg(args, "baseline_name")
	found, err := d.Baselines.Delete(name)
	if err != nil {
		return failText(err)
	}
	if !found {
		return fmt.Sprintf("✗ baseline %q not found", name)
	}
	return ok("baseline %q deleted", name)
}

func (d *Deps) fstestsBaselineCompare(ctx context.Context, args map[string]any) string {
	baseline, found, err := d.Baselines.Load(strArg(args, "baseline_name"))
	if err != nil {
		return failText(err)
	}
	if !found {
		return fmt.Sprintf("✗ baseline %q not found", strArg(args, "baseline_name"))
	}
	checkLog, err := readCheckLog(strArg(args, "results_dir"))
	if err != nil {
		return failText(err)
	}
	current := fstests.ParseCheckLog(checkLog)
	cmp := fstests.Compare(current, baseline)

	var b strings.Builder
	if cmp.RegressionDetected {
		fmt.Fprintf(&b, "✗ regression detected against %q\n", baseline.Name)
	} else {
		fmt.Fprintf(&b, "✓ no regression against %q\n", baseline.Name)
	}
	fmt.Fprintf(&b, "new_failure: %s\n", joinOrNone(cmp.NewFailures))
	fmt.Fprintf(&b, "new_pass: %s\n", joinOrNone(cmp.NewPasses))
	fmt.Fprintf(&b, "still_failing: %s\n", joinOrNone(cmp.StillFailing))
	fmt.Fprintf(&b, "still_passing: %s\n", joinOrNone(cmp.StillPassing))
	fmt.Fprintf(&b, "new_notrun: %s\n", joinOrNone(cmp.NewNotRun))
	return strings.TrimRight(b.String(), "\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

// --- fstests git-notes tools ------------------------------------------------

func (d *Deps) gitNotes(ctx context.Context, args map[string]any) (*fstests.GitNotes, error) {
	return fstests.NewGitNotes(ctx, d.GitExec, strArg(args, "repo_path"))
}

func (d *Deps) fstestsGitSave(ctx context.Context, args map[string]any) string {
	g, err := d.gitNotes(ctx, args)
	if err != nil {
		return failText(err)
	}
	checkLog, err := readCheckLog(strArg(args, "results_dir"))
	if err != nil {
		return failText(err)
	}
	result := fstests.ParseCheckLog(checkLog)
	metadata := types.GitNoteMetadata{
		KernelVersion: strArg(args, "kernel_version"),
		FSType:        strArg(args, "fstype"),
		TestSelection: strArg(args, "test_selection"),
		CreatedAt:     time.Now(),
	}
	if err := g.Save(ctx, strArg(args, "branch"), strArg(args, "commit"), metadata, result); err != nil {
		return failText(err)
	}
	return ok("fstests results attached to refs/notes/fstests")
}

func (d *Deps) fstestsGitLoad(ctx context.Context, args map[string]any) string {
	g, err := d.gitNotes(ctx, args)
	if err != nil {
		return failText(err)
	}
	record, found, err := g.Load(ctx, strArg(args, "branch"), strArg(args, "commit"))
	if err != nil {
		return failText(err)
	}
	if !found {
		return "✗ no fstests note on that target"
	}
	return ok("%s (%s): %d passed, %d failed, %d not run", record.Metadata.CommitSHA, record.Metadata.FSType, record.Results.Passed, record.Results.Failed, record.Results.NotRun)
}

func (d *Deps) fstestsGitList(ctx context.Context, args map[string]any) string {
	g, err := d.gitNotes(ctx, args)
	if err != nil {
		return failText(err)
	}
	notes, err := g.List(ctx, intArgOpt(args, "max", 50))
	if err != nil {
		return failText(err)
	}
	if len(notes) == 0 {
		return "⚠ no commits carry an fstests note"
	}
	var b strings.Builder
	b.WriteString("✓ notes:\n")
	for _, m := range notes {
		fmt.Fprintf(&b, "  %s  %s  %s\n", m.CommitSHA, m.FSType, m.CreatedAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Deps) fstestsGitDelete(ctx context.Context, args map[string]any) string {
	g, err := d.gitNotes(ctx, args)
	if err != nil {
		return failText(err)
	}
	if err := g.Delete(ctx, strArg(args, "branch"), strArg(args, "commit")); err != nil {
		return failText(err)
	}
	return ok("fstests note removed")
}

// --- process registry tool --------------------------------------------------

func (d *Deps) killHangingVMs(ctx context.Context, args map[string]any) string {
	reports, err := d.VMRunner.Registry.KillHanging()
	if err != nil {
		return failText(err)
	}
	if len(reports) == 0 {
		return "✓ no hanging VMs"
	}
	metrics.VMKillsTotal.Add(float64(len(reports)))
	var b strings.Builder
	fmt.Fprintf(&b, "⚠ killed %d hanging VM(s)\n", len(reports))
	for _, r := range reports {
		fmt.Fprintf(&b, "  pid=%d desc=%q\n", r.Entry.PID, r.Entry.Description)
		if r.LogTail != "" {
			fmt.Fprintf(&b, "    %s\n", strings.ReplaceAll(r.LogTail, "\n", "\n    "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
