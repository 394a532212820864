package health

import (
	"context"
	"fmt"
	"time"

	"github.com/kernellab/kdevd/pkg/execx"
)

// ToolChecker probes for one external helper binary by running it with a
// harmless argument (typically a version or usage flag) and checking that
// it executes at all — the exit code itself is not load-bearing, since
// many of these tools (sgdisk -p, mdadm --examine) exit non-zero on an
// unused device by design.
type ToolChecker struct {
	// Name is the tool being probed, used only in Result.Message.
	Name string

	// Argv is the command run to confirm the binary exists and executes;
	// Argv[0] is resolved against PATH by the Runner.
	Argv []string

	// Timeout bounds the probe (default: 5 seconds).
	Timeout time.Duration

	Runner execx.Runner
}

// NewToolChecker creates a checker that runs argv to confirm Name is
// present and executable.
func NewToolChecker(name string, runner execx.Runner, argv ...string) *ToolChecker {
	return &ToolChecker{
		Name:    name,
		Argv:    argv,
		Timeout: 5 * time.Second,
		Runner:  runner,
	}
}

// Check runs the probe command. Only a failure that produced no exit code
// (for example, the binary isn't on PATH at all) is treated as unhealthy; a present binary
// that merely exits non-zero for the probe arguments still counts as found.
func (c *ToolChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(c.Argv) == 0 {
		return Result{Healthy: false, Message: "no probe command configured", CheckedAt: start}
	}

	res, err := c.Runner.Run(ctx, execx.Request{Argv: c.Argv, Timeout: c.Timeout})
	if err == nil || !isMissingBinary(err) {
		return Result{
			Healthy:   true,
			Message:   fmt.Sprintf("%s found (exit %d)", c.Name, res.ExitCode),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   false,
		Message:   fmt.Sprintf("%s: %v", c.Name, err),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// isMissingBinary reports whether err represents "binary not on PATH"
// rather than the probe command simply exiting non-zero.
func isMissingBinary(err error) bool {
	for e := err; e != nil; {
		if ee, ok := e.(*execx.ExitError); ok {
			return ee.Result.ExitCode == 0
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return true
		}
		e = u.Unwrap()
	}
	return true
}

// Type implements Checker.
func (c *ToolChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the probe timeout.
func (c *ToolChecker) WithTimeout(timeout time.Duration) *ToolChecker {
	c.Timeout = timeout
	return c
}
