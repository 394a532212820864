// Package safety implements the ten-check gate spec §4.1 requires before
// a raw block device may be adopted as a Device Pool Manager pool.
package safety

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/metrics"
	"github.com/moby/sys/mountinfo"
)

// Severity is the outcome of one check.
type Severity string

const (
	OK      Severity = "ok"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// CheckResult is the outcome of a single named check.
type CheckResult struct {
	Name     string
	Severity Severity
	Detail   string
}

// Report is the full ten-check breakdown plus its overall verdict.
type Report struct {
	Device  string
	Checks  []CheckResult
	Verdict Severity
}

// Passed reports whether the overall verdict allows proceeding: OK or
// Warning, never Error.
func (r Report) Passed() bool {
	return r.Verdict != Error
}

var systemMounts = []string{"/", "/boot", "/boot/efi", "/home", "/var", "/usr", "/opt"}

// checkFunc runs one check against a device, given a Runner for spawning
// helper binaries.
type checkFunc func(ctx context.Context, runner execx.Runner, device string) CheckResult

// Validate runs the ten-check safety checklist against device. When
// allowExistingLVM is true, the "not an existing LVM physical volume"
// check is skipped — the one caller-controlled exception, used when
// adopting a device for a fresh LVM pool (spec §4.1 check 6).
func Validate(ctx context.Context, runner execx.Runner, device string, allowExistingLVM bool) Report {
	checks := []struct {
		name string
		fn   checkFunc
	}{
		{"exists and is block device", checkBlockDevice},
		{"not mounted", checkNotMounted},
		{"not in /etc/fstab", checkNotInFstab},
		{"not a system disk", checkNotSystemDisk},
		{"not a RAID member", checkNotRAIDMember},
		{"not an LVM physical volume", checkNotLVMPV},
		{"not LUKS encrypted", checkNotLUKS},
		{"no open file handles", checkNoOpenHandles},
		{"no filesystem signatures", checkNoFilesystemSignatures},
		{"no partition table", checkNoPartitionTable},
	}

	report := Report{Device: device, Verdict: OK}
	for _, c := range checks {
		if c.name == "not an LVM physical volume" && allowExistingLVM {
			continue
		}
		res := c.fn(ctx, runner, device)
		res.Name = c.name
		report.Checks = append(report.Checks, res)
		report.Verdict = escalate(report.Verdict, res.Severity)

		outcome := "pass"
		if res.Severity == Error {
			outcome = "block"
		}
		metrics.SafetyChecksTotal.WithLabelValues(c.name, outcome).Inc()
	}
	return report
}

func escalate(current, next Severity) Severity {
	rank := map[Severity]int{OK: 0, Warning: 1, Error: 2}
	if rank[next] > rank[current] {
		return next
	}
	return current
}

// Err converts a failed Report into a *kerrors.Error, or nil if it passed.
func (r Report) Err() *kerrors.Error {
	if r.Passed() {
		return nil
	}
	checks := make([]kerrors.CheckResult, len(r.Checks))
	for i, c := range r.Checks {
		checks[i] = kerrors.CheckResult{Name: c.Name, Severity: string(c.Severity), Detail: c.Detail}
	}
	return kerrors.SafetyFailure(checks)
}

func run(ctx context.Context, runner execx.Runner, argv ...string) (execx.Result, error) {
	return runner.Run(ctx, execx.Request{Argv: argv, Timeout: 5 * time.Second})
}

// missingTool reports a Warning — spec §4.1: "Missing helper tool yields
// warning, never silent ok."
func missingTool(tool string) CheckResult {
	return CheckResult{Severity: Warning, Detail: tool + " not found, cannot verify"}
}

// IsBlockDevice reports whether path exists and is a block device, not a
// regular file or character device. Exported so other components (the VM
// Device Manager's lighter pre-existing-path validation) can reuse the
// same check without re-running the full ten-check gate.
func IsBlockDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

func checkBlockDevice(_ context.Context, _ execx.Runner, device string) CheckResult {
	fi, err := os.Stat(device)
	if err != nil {
		return CheckResult{Severity: Error, Detail: "device does not exist: " + err.Error()}
	}
	if fi.Mode()&os.ModeDevice == 0 || fi.Mode()&os.ModeCharDevice != 0 {
		return CheckResult{Severity: Error, Detail: device + " is not a block device"}
	}
	return CheckResult{Severity: OK, Detail: "device exists and is a block device"}
}

func checkNotMounted(ctx context.Context, runner execx.Runner, device string) CheckResult {
	mounted, err := mountinfo.Mounted(device)
	if err == nil && mounted {
		return CheckResult{Severity: Error, Detail: "device is mounted"}
	}

	res, err := run(ctx, runner, "findmnt", "-n", "-o", "SOURCE,TARGET")
	if err != nil {
		return missingTool("findmnt")
	}
	base := filepath.Base(device)
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		source, target := fields[0], fields[1]
		if strings.HasPrefix(source, device) || strings.Contains(source, base) {
			return CheckResult{Severity: Error, Detail: "partition " + source + " is mounted at " + target}
		}
	}
	return CheckResult{Severity: OK, Detail: "device is not mounted"}
}

func checkNotInFstab(ctx context.Context, runner execx.Runner, device string) CheckResult {
	content, err := os.ReadFile("/etc/fstab")
	if err != nil {
		return CheckResult{Severity: Warning, Detail: "/etc/fstab not readable: " + err.Error()}
	}
	base := filepath.Base(device)
	text := string(content)
	if strings.Contains(text, device) || strings.Contains(text, base) {
		return CheckResult{Severity: Error, Detail: "device is referenced in /etc/fstab"}
	}

	res, err := run(ctx, runner, "blkid", "-s", "UUID", "-s", "LABEL", "-o", "value", device)
	if err == nil {
		for _, id := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if id != "" && strings.Contains(text, id) {
				return CheckResult{Severity: Error, Detail: "identifier " + id + " found in /etc/fstab"}
			}
		}
	}
	return CheckResult{Severity: OK, Detail: "device not in /etc/fstab"}
}

func checkNotSystemDisk(ctx context.Context, runner execx.Runner, device string) CheckResult {
	for _, mount := range systemMounts {
		res, err := run(ctx, runner, "findmnt", "-n", "-o", "SOURCE", mount)
		if err != nil {
			continue
		}
		source := strings.TrimSpace(res.Stdout)
		if source != "" && strings.HasPrefix(source, device) {
			return CheckResult{Severity: Error, Detail: "device contains system partition for " + mount}
		}
	}
	return CheckResult{Severity: OK, Detail: "device is not a system disk"}
}

func checkNotRAIDMember(ctx context.Context, runner execx.Runner, device string) CheckResult {
	_, err := runner.Run(ctx, execx.Request{Argv: []string{"mdadm", "--examine", device}, Timeout: 5 * time.Second})
	if err != nil {
		if isMissingBinary(err) {
			return missingTool("mdadm")
		}
		return CheckResult{Severity: OK, Detail: "device is not a RAID member"}
	}
	return CheckResult{Severity: Error, Detail: "device is a RAID member"}
}

func checkNotLVMPV(ctx context.Context, runner execx.Runner, device string) CheckResult {
	_, err := runner.Run(ctx, execx.Request{Argv: []string{"pvdisplay", device}, Timeout: 5 * time.Second})
	if err != nil {
		if isMissingBinary(err) {
			return missingTool("pvdisplay")
		}
		return CheckResult{Severity: OK, Detail: "device is not an LVM PV"}
	}
	return CheckResult{Severity: Error, Detail: "device is already an LVM physical volume"}
}

func checkNotLUKS(ctx context.Context, runner execx.Runner, device string) CheckResult {
	_, err := runner.Run(ctx, execx.Request{Argv: []string{"cryptsetup", "isLuks", device}, Timeout: 5 * time.Second})
	if err != nil {
		if isMissingBinary(err) {
			return missingTool("cryptsetup")
		}
		return CheckResult{Severity: OK, Detail: "device is not encrypted"}
	}
	return CheckResult{Severity: Error, Detail: "device is LUKS encrypted"}
}

func checkNoOpenHandles(ctx context.Context, runner execx.Runner, device string) CheckResult {
	res, err := run(ctx, runner, "lsof", device)
	if err != nil && isMissingBinary(err) {
		return missingTool("lsof")
	}
	if strings.TrimSpace(res.Stdout) != "" {
		return CheckResult{Severity: Error, Detail: "device has open file handles"}
	}
	return CheckResult{Severity: OK, Detail: "no open file handles"}
}

func checkNoFilesystemSignatures(ctx context.Context, runner execx.Runner, device string) CheckResult {
	res, err := run(ctx, runner, "blkid", "-p", device)
	if err != nil && isMissingBinary(err) {
		return missingTool("blkid")
	}
	if strings.TrimSpace(res.Stdout) != "" {
		return CheckResult{Severity: Warning, Detail: "filesystem/partition signatures detected, will be destroyed"}
	}
	return CheckResult{Severity: OK, Detail: "no filesystem signatures detected"}
}

func checkNoPartitionTable(ctx context.Context, runner execx.Runner, device string) CheckResult {
	res, err := runner.Run(ctx, execx.Request{Argv: []string{"sgdisk", "-p", device}, Timeout: 5 * time.Second})
	if err == nil {
		return CheckResult{Severity: Warning, Detail: "existing partition table detected, will be destroyed"}
	}
	if !isMissingBinary(err) {
		return CheckResult{Severity: OK, Detail: "no partition table detected"}
	}

	res2, err2 := run(ctx, runner, "parted", "-s", device, "print")
	if err2 != nil {
		return missingTool("sgdisk/parted")
	}
	if strings.Contains(res2.Stdout, "Partition Table:") {
		return CheckResult{Severity: Warning, Detail: "existing partition table detected, will be destroyed"}
	}
	return CheckResult{Severity: OK, Detail: "no partition table detected"}
}

func asExitError(err error, target **execx.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*execx.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// isMissingBinary approximates "binary not on PATH" for a Runner abstraction
// that has already turned exec.ErrNotFound into an *execx.ExitError with a
// zero exit code.
func isMissingBinary(err error) bool {
	var ee *execx.ExitError
	if !asExitError(err, &ee) {
		return true
	}
	return ee.Result.ExitCode == 0
}
