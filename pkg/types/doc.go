/*
Package types defines the data model shared by kdevd's device pool, VM
lifecycle, and fstests components: pools and their ephemeral volumes,
device specs presented to a VM, dmesg classification output, and fstests
run/baseline/git-note records.

Lifecycle ownership:

  - A Pool is created by explicit request and persists until explicit
    teardown; it survives process restarts.
  - A VolumeAllocation is created at VM startup and destroyed at VM
    shutdown or orphan sweep; its AllocatorPID field is the liveness
    oracle used by the State Store.
  - A VMSession's CleanupHooks are owned by the handler that created it
    and must run even if the session is cancelled mid-flight.
*/
package types
