// Package fstests implements the Fstests Orchestrator spec §4.9 describes:
// guest setup script synthesis, check-log parsing, baseline storage and
// comparison, and git-notes persistence.
package fstests

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kernellab/kdevd/pkg/kerrors"
)

// mkfsTable maps a filesystem type to its format invocation, spec §4.9.
var mkfsTable = map[string]string{
	"ext4":  "mkfs.ext4 -F $TEST_DEV",
	"xfs":   "mkfs.xfs -f $TEST_DEV",
	"btrfs": "mkfs.btrfs -f $TEST_DEV",
	"f2fs":  "mkfs.f2fs -f $TEST_DEV",
}

var suiteTestRe = regexp.MustCompile(`^[a-zA-Z0-9_]+/[0-9]+$`)

// ValidateTestSelection rejects an invocation where an individual test
// ({suite}/{number}, e.g. "btrfs/010") follows a "-g" group selector —
// spec §4.9's pre-flight argument check, applied before anything spawns.
func ValidateTestSelection(tests []string) error {
	sawGroupFlag := false
	for _, t := range tests {
		if t == "-g" {
			sawGroupFlag = true
			continue
		}
		if sawGroupFlag && suiteTestRe.MatchString(t) {
			return kerrors.Validationf("individual test %q cannot follow -g; -g selects test groups only", t)
		}
	}
	return nil
}

// mkfsCommand resolves the mkfs invocation for fstype. A caller-supplied
// custom command takes precedence over the table entry when set, and is
// required when fstype has no table entry. A custom command missing
// $TEST_DEV has it appended, per spec §4.9; otherwise it is used as given.
func mkfsCommand(fstype, customMkfs string) (string, error) {
	if cmd, ok := mkfsTable[fstype]; ok && customMkfs == "" {
		return cmd, nil
	}
	if customMkfs == "" {
		return "", kerrors.Validationf("fstype %q has no built-in mkfs invocation; custom_mkfs_command is required", fstype)
	}
	if !strings.Contains(customMkfs, "$TEST_DEV") {
		customMkfs += " $TEST_DEV"
	}
	return customMkfs, nil
}

// SetupScriptParams describes one guest run's script inputs.
type SetupScriptParams struct {
	FSType        string
	CustomMkfs    string
	IOScheduler   string
	TestDeviceEnv string // env var name carrying the TEST_DEV path, e.g. "TEST_DEV"
	EnvScript     string // output of vmdevice.EnvScript: "export NAME=path\n" lines
	FstestsPath   string
	Tests         []string
}

// BuildSetupScript synthesizes the guest-side shell script spec §4.9
// describes: set the I/O scheduler, format TEST_DEV, mount it at
// /mnt/test, leave SCRATCH_DEV to the harness, export every Device
// Manager variable, and invoke the harness with the caller's selection.
func BuildSetupScript(p SetupScriptParams) (string, error) {
	if err := ValidateTestSelection(p.Tests); err != nil {
		return "", err
	}
	mkfs, err := mkfsCommand(p.FSType, p.CustomMkfs)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n\n")
	b.WriteString(p.EnvScript)
	b.WriteString("\n")

	if p.IOScheduler != "" {
		fmt.Fprintf(&b, "for q in /sys/block/*/queue/scheduler; do\n")
		fmt.Fprintf(&b, "  echo %s > \"$q\" 2>/dev/null || true\n", shellQuote(p.IOScheduler))
		fmt.Fprintf(&b, "done\n\n")
	}

	fmt.Fprintf(&b, "%s\n", mkfs)
	b.WriteString("mkdir -p /mnt/test\n")
	fmt.Fprintf(&b, "mount $TEST_DEV /mnt/test -t %s\n\n", p.FSType)

	fmt.Fprintf(&b, "cd %s\n", shellQuote(p.FstestsPath))
	b.WriteString("./check")
	for _, t := range p.Tests {
		fmt.Fprintf(&b, " %s", shellQuote(t))
	}
	b.WriteString("\n")

	return b.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
