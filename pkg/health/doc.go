/*
Package health probes for the presence of external helper binaries kdevd
depends on but does not vendor: loop/LVM/partition tooling and the VM
binary itself.

# Motivation

Every higher-level operation in this module eventually shells out —
losetup to attach a loop device, lvcreate to carve a volume, sgdisk to
inspect a partition table, the VM binary to boot a kernel under a PTY.
A missing tool surfacing as a failure deep inside one of those calls is
harder to diagnose than one surfaced at startup. Preflight runs every
probe up front so a missing dependency shows up as a single readiness
component, not a cryptic "command not found" three allocations into a
pool setup.

# Checker

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

ToolChecker is the only implementation: it runs a harmless argv (a
--version flag, or a read-only inspection subcommand) through an
execx.Runner and classifies the result.

A command that runs and exits non-zero still counts as present — many of
these tools (sgdisk -p, mdadm --examine, pvdisplay) are deliberately
probed against devices they don't recognize, and a non-zero exit in that
case means "ran fine, found nothing" rather than "isn't installed".
Only a failure that never produced an exit code (PATH lookup failure,
context deadline) is treated as the tool being absent.

# Preflight

	results := health.Preflight(ctx, execx.Host{}, cfg.VMBinary)
	for name, res := range results {
	    metrics.RegisterComponent(name, res.Healthy, res.Message)
	}

Preflight probes the fixed set of loop/LVM/partition tools every
operation may need, plus the configured VM binary, and returns one
Result per name. The caller decides what to do with a failed probe —
typically feeding it straight into the readiness registry so
/ready reports it before a client ever calls a tool that needs it.
*/
package health
