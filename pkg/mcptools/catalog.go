// Package mcptools defines the tool catalog spec §6 describes: named
// tools with JSON-schema-typed inputs and glyph-prefixed human-readable
// string outputs. It wires pkg/pool, pkg/vmdevice, pkg/vmrun, pkg/dmesg,
// and pkg/fstests into handlers; it does not speak any RPC transport.
package mcptools

import (
	"context"
)

// Schema is a JSON-schema object, as handed to the externally-owned RPC
// transport alongside each Tool's name and description.
type Schema = map[string]any

// Handler produces the single text block a tool call returns. Args are
// the already-decoded JSON-schema-typed input; handlers never return an
// error themselves — every failure is rendered into the glyph-prefixed
// text by the handler, per spec §7 ("no stack traces cross the RPC
// boundary").
type Handler func(ctx context.Context, args map[string]any) string

// Tool is one named, schema-typed entry in the catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema Schema
	Handler     Handler
}

func obj(properties Schema, required ...string) Schema {
	s := Schema{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) Schema  { return Schema{"type": "string", "description": desc} }
func boolProp(desc string) Schema { return Schema{"type": "boolean", "description": desc} }
func intProp(desc string) Schema  { return Schema{"type": "integer", "description": desc} }
func arrProp(desc string, items Schema) Schema {
	return Schema{"type": "array", "description": desc, "items": items}
}

// Build assembles the full catalog against deps. Handler closures all
// capture deps, not package-level state, so multiple catalogs (e.g. in
// tests, one per fake Deps) never share mutable process state beyond
// what deps itself wires together.
func Build(deps *Deps) []Tool {
	return []Tool{
		{
			Name:        "device_pool_setup",
			Description: "Create an LVM pool on a physical device after Safety Validator checks pass.",
			InputSchema: obj(Schema{
				"device_path": strProp("block device to adopt as a fresh PV"),
				"pool_name":   strProp("pool name, defaults to \"default\""),
				"vg_name":     strProp("volume group name, derived from pool_name if omitted"),
				"lv_prefix":   strProp("logical volume name prefix, derived from pool_name if omitted"),
			}, "device_path"),
			Handler: deps.devicePoolSetup,
		},
		{
			Name:        "device_pool_teardown",
			Description: "Destroy a pool: remove its volume group and physical volume, deleting the catalog entry.",
			InputSchema: obj(Schema{
				"pool_name": strProp("pool to tear down"),
				"wipe_data": boolProp("zero-fill the first 100 MiB of the device after removal"),
			}, "pool_name"),
			Handler: deps.devicePoolTeardown,
		},
		{
			Name:        "device_pool_status",
			Description: "Report whether a pool's volume group is present and healthy. Omit pool_name to check every pool.",
			InputSchema: obj(Schema{
				"pool_name": strProp("pool to check; all pools if omitted"),
			}),
			Handler: deps.devicePoolStatus,
		},
		{
			Name:        "device_pool_list",
			Description: "List every pool in the catalog.",
			InputSchema: obj(Schema{}),
			Handler:     deps.devicePoolList,
		},
		{
			Name:        "device_pool_cleanup",
			Description: "Sweep orphaned logical volumes (dead-PID allocations) from a pool, or every pool if omitted.",
			InputSchema: obj(Schema{
				"pool_name": strProp("pool to sweep; all pools if omitted"),
			}),
			Handler: deps.devicePoolCleanup,
		},
		{
			Name:        "device_pool_resize",
			Description: "Resize a logical volume within a pool.",
			InputSchema: obj(Schema{
				"pool_name": strProp("pool containing lv_name, defaults to \"default\""),
				"lv_name":   strProp("logical volume name"),
				"new_size":  strProp("new size, e.g. \"20G\""),
			}, "lv_name", "new_size"),
			Handler: deps.devicePoolResize,
		},
		{
			Name:        "device_pool_snapshot",
			Description: "Create or delete an LVM snapshot of a logical volume.",
			InputSchema: obj(Schema{
				"pool_name":     strProp("pool containing lv_name, defaults to \"default\""),
				"lv_name":       strProp("logical volume to snapshot"),
				"snapshot_name": strProp("name for the snapshot volume"),
				"action":        strProp("\"create\" or \"delete\""),
				"snapshot_size": strProp("snapshot size on create, defaults to \"1G\""),
			}, "lv_name", "snapshot_name", "action"),
			Handler: deps.devicePoolSnapshot,
		},
		{
			Name:        "boot_kernel_test",
			Description: "Boot a kernel image under the VM binary with no fstests harness attached.",
			InputSchema: obj(Schema{
				"kernel_path":          strProp("path to the kernel image or build tree"),
				"devices":              arrProp("explicit device requests, mutually exclusive with device_pool_name", Schema{"type": "object"}),
				"device_pool_name":     strProp("pool to allocate scratch volumes from, mutually exclusive with devices"),
				"device_pool_volumes":  arrProp("volume requests against device_pool_name; defaults to the fstests_default profile", Schema{"type": "object"}),
				"device_profile_path":  strProp("path to a saved YAML device profile, used in place of device_pool_volumes"),
				"timeout":              intProp("boot timeout in seconds"),
				"memory":               strProp("guest memory, e.g. \"2G\""),
				"cpus":                 intProp("guest vCPU count"),
				"extra_args":           arrProp("additional arguments appended to the VM invocation", Schema{"type": "string"}),
			}, "kernel_path"),
			Handler: deps.bootKernelTest,
		},
		{
			Name:        "fstests_vm_boot_and_run",
			Description: "Boot a kernel, format and mount the test device, and run the given fstests selection.",
			InputSchema: obj(Schema{
				"kernel_path":         strProp("path to the kernel image or build tree"),
				"fstests_path":        strProp("path to the fstests checkout inside the guest"),
				"tests":               arrProp("test selection, e.g. [\"-g\", \"quick\"] or [\"btrfs/010\"]", Schema{"type": "string"}),
				"fstype":              strProp("filesystem under test"),
				"custom_mkfs_command": strProp("required when fstype has no built-in mkfs table entry"),
				"timeout":             intProp("boot timeout in seconds"),
				"memory":              strProp("guest memory, e.g. \"2G\""),
				"cpus":                intProp("guest vCPU count"),
				"extra_args":          arrProp("additional arguments appended to the VM invocation", Schema{"type": "string"}),
				"io_scheduler":        strProp("I/O scheduler to set on every guest block device before mkfs"),
				"device_pool_name":    strProp("pool to allocate the fstests_default device profile from"),
				"device_profile_path": strProp("path to a saved YAML device profile, used in place of fstests_default"),
			}, "kernel_path", "fstests_path", "tests"),
			Handler: deps.fstestsVMBootAndRun,
		},
		{
			Name:        "fstests_vm_boot_custom",
			Description: "Boot a kernel and run a caller-supplied command or script instead of the standard check harness.",
			InputSchema: obj(Schema{
				"kernel_path":         strProp("path to the kernel image or build tree"),
				"fstests_path":        strProp("path to the fstests checkout inside the guest"),
				"command":             strProp("single command to run, mutually exclusive with script_file"),
				"script_file":         strProp("path to a host-side script file whose contents are the guest payload"),
				"fstype":              strProp("filesystem under test"),
				"custom_mkfs_command": strProp("required when fstype has no built-in mkfs table entry"),
				"device_pool_name":    strProp("pool to allocate the fstests_default device profile from"),
				"device_profile_path": strProp("path to a saved YAML device profile, used in place of fstests_default"),
			}, "kernel_path", "fstests_path"),
			Handler: deps.fstestsVMBootCustom,
		},
		{
			Name:        "fstests_baseline_save",
			Description: "Parse results_dir/check.log and store it as a named baseline.",
			InputSchema: obj(Schema{
				"baseline_name":  strProp("name to store the baseline under"),
				"results_dir":    strProp("directory containing check.log"),
				"kernel_version": strProp("kernel version under test, recorded in metadata"),
				"fstype":         strProp("filesystem under test, recorded in metadata"),
				"test_selection": strProp("test selection string, recorded in metadata"),
			}, "baseline_name", "results_dir"),
			Handler: deps.fstestsBaselineSave,
		},
		{
			Name:        "fstests_baseline_list",
			Description: "List saved baselines, newest first.",
			InputSchema: obj(Schema{}),
			Handler:     deps.fstestsBaselineList,
		},
		{
			Name:        "fstests_baseline_load",
			Description: "Load a saved baseline's summary.",
			InputSchema: obj(Schema{
				"baseline_name": strProp("baseline to load"),
			}, "baseline_name"),
			Handler: deps.fstestsBaselineLoad,
		},
		{
			Name:        "fstests_baseline_delete",
			Description: "Delete a saved baseline.",
			InputSchema: obj(Schema{
				"baseline_name": strProp("baseline to delete"),
			}, "baseline_name"),
			Handler: deps.fstestsBaselineDelete,
		},
		{
			Name:        "fstests_baseline_compare",
			Description: "Compare results_dir/check.log against a saved baseline, categorizing every test.",
			InputSchema: obj(Schema{
				"baseline_name": strProp("baseline to compare against"),
				"results_dir":   strProp("directory containing the current run's check.log"),
			}, "baseline_name", "results_dir"),
			Handler: deps.fstestsBaselineCompare,
		},
		{
			Name:        "fstests_git_save",
			Description: "Attach results_dir/check.log to refs/notes/fstests on a commit or branch.",
			InputSchema: obj(Schema{
				"branch":         strProp("branch to resolve and annotate, mutually exclusive with commit"),
				"commit":         strProp("commit SHA to annotate, mutually exclusive with branch"),
				"results_dir":    strProp("directory containing check.log"),
				"repo_path":      strProp("git repository path"),
				"kernel_version": strProp("kernel version under test, recorded in metadata"),
				"fstype":         strProp("filesystem under test, recorded in metadata"),
				"test_selection": strProp("test selection string, recorded in metadata"),
			}, "results_dir", "repo_path"),
			Handler: deps.fstestsGitSave,
		},
		{
			Name:        "fstests_git_load",
			Description: "Load the fstests git-note on a commit or branch.",
			InputSchema: obj(Schema{
				"branch":    strProp("branch to resolve, mutually exclusive with commit"),
				"commit":    strProp("commit SHA, mutually exclusive with branch"),
				"repo_path": strProp("git repository path"),
			}, "repo_path"),
			Handler: deps.fstestsGitLoad,
		},
		{
			Name:        "fstests_git_list",
			Description: "List every commit carrying an fstests git-note.",
			InputSchema: obj(Schema{
				"repo_path": strProp("git repository path"),
				"max":       intProp("maximum notes to list"),
			}, "repo_path"),
			Handler: deps.fstestsGitList,
		},
		{
			Name:        "fstests_git_delete",
			Description: "Remove the fstests git-note from a commit or branch.",
			InputSchema: obj(Schema{
				"branch":    strProp("branch to resolve, mutually exclusive with commit"),
				"commit":    strProp("commit SHA, mutually exclusive with branch"),
				"repo_path": strProp("git repository path"),
			}, "repo_path"),
			Handler: deps.fstestsGitDelete,
		},
		{
			Name:        "kill_hanging_vms",
			Description: "Enumerate this instance's Process Registry and SIGKILL every still-live VM process group.",
			InputSchema: obj(Schema{}),
			Handler:     deps.killHangingVMs,
		},
	}
}

// Dispatch looks up name in tools and runs its handler, mirroring the
// dispatch-by-name shape of the tool that originally defined this
// surface. An unknown name is not an error the caller need branch on: it
// renders the same way every other tool result does.
func Dispatch(ctx context.Context, tools []Tool, name string, args map[string]any) string {
	for _, t := range tools {
		if t.Name == name {
			return t.Handler(ctx, args)
		}
	}
	return "✗ unknown tool: " + name
}
