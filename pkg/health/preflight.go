package health

import (
	"context"

	"github.com/kernellab/kdevd/pkg/execx"
)

// requiredTools are the helper binaries every kdevd operation eventually
// shells out to. Probe argv is chosen to be harmless on an idle system —
// a version/help flag or a read-only inspection subcommand, never one
// that could mutate a device.
var requiredTools = []struct {
	name string
	argv []string
}{
	{"losetup", []string{"losetup", "--version"}},
	{"lvcreate", []string{"lvcreate", "--version"}},
	{"vgcreate", []string{"vgcreate", "--version"}},
	{"pvcreate", []string{"pvcreate", "--version"}},
	{"mdadm", []string{"mdadm", "--version"}},
	{"sgdisk", []string{"sgdisk", "--version"}},
	{"cryptsetup", []string{"cryptsetup", "--version"}},
	{"blkid", []string{"blkid", "--version"}},
	{"udevadm", []string{"udevadm", "--version"}},
}

// Preflight probes every required helper tool plus the configured VM
// binary, returning one Result per tool keyed by name. A caller typically
// feeds these into metrics.RegisterComponent at startup.
func Preflight(ctx context.Context, runner execx.Runner, vmBinary string) map[string]Result {
	out := make(map[string]Result, len(requiredTools)+1)
	for _, tool := range requiredTools {
		out[tool.name] = NewToolChecker(tool.name, runner, tool.argv...).Check(ctx)
	}
	if vmBinary != "" {
		out["vm_binary"] = NewToolChecker("vm_binary", runner, vmBinary, "--version").Check(ctx)
	}
	return out
}
