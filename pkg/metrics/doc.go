/*
Package metrics provides Prometheus metrics collection and exposition for
the kernel device daemon.

The metrics package defines and registers every metric using the
Prometheus client library, giving observability into device pool
lifecycle, VM boot outcomes, fstests run results, and the daemon's own
state store and safety validator. Metrics are exposed via an HTTP
endpoint for scraping by Prometheus.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: instant values (pools total)        │          │
	│  │  Counter: monotonic totals (VM boots)       │          │
	│  │  Histogram: distributions (boot duration)   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Pool: setup/teardown/resize/snapshot       │          │
	│  │  Device: allocations by backing kind        │          │
	│  │  VM: boot outcome, duration, dmesg hits     │          │
	│  │  fstests: run results, case failures        │          │
	│  │  Safety: per-check pass/block outcomes      │          │
	│  │  State store: operation duration            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Pool Metrics:

kdevd_pools_total:
  - Type: Gauge
  - Description: Total device pools currently in the catalog

kdevd_pool_operations_total{operation, outcome}:
  - Type: Counter
  - Labels: operation (setup/teardown/resize), outcome (ok/error)

kdevd_pool_setup_duration_seconds, kdevd_pool_teardown_duration_seconds,
kdevd_pool_resize_duration_seconds:
  - Type: Histogram

kdevd_pool_snapshots_total{action, outcome}:
  - Type: Counter
  - Labels: action (create/delete), outcome (ok/error)

Device Metrics:

kdevd_device_allocations_total{backing, outcome}:
  - Type: Counter
  - Labels: backing (null-blk/tmpfs-loop/disk-loop/lvm-pool/preexisting)

kdevd_nullblk_devices_active, kdevd_loopback_devices_active:
  - Type: Gauge

VM Metrics:

kdevd_vm_boots_total{outcome}:
  - Type: Counter
  - Labels: outcome (success/failure/timeout)

kdevd_vm_boot_duration_seconds:
  - Type: Histogram
  - Buckets: 5s to 1h, sized for VM boot-and-test sessions rather than API calls

kdevd_vm_dmesg_panics_total, kdevd_vm_dmesg_oops_total:
  - Type: Counter

kdevd_vm_kills_total:
  - Type: Counter
  - Description: VM processes killed by kill_hanging_vms

kdevd_vm_sessions_active:
  - Type: Gauge
  - Description: Sessions currently tracked in the process registry

fstests Metrics:

kdevd_fstests_runs_total{fstype, result}:
  - Type: Counter
  - Labels: fstype, result (pass/fail)

kdevd_fstests_run_duration_seconds{fstype}:
  - Type: Histogram
  - Buckets: 30s to 4h, sized for full fstests check runs

kdevd_fstests_cases_failed_total:
  - Type: Counter

Safety Metrics:

kdevd_safety_checks_total{check, outcome}:
  - Type: Counter
  - Labels: check (one of the ten Safety Validator checks), outcome (pass/block)

State Store Metrics:

kdevd_statestore_operation_duration_seconds{operation}:
  - Type: Histogram

# Usage

	import "github.com/kernellab/kdevd/pkg/metrics"

	metrics.PoolOperationsTotal.WithLabelValues("setup", "ok").Inc()

	timer := metrics.NewTimer()
	// ... set up the pool ...
	timer.ObserveDuration(metrics.PoolSetupDuration)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so a second accidental registration fails loudly at
    process start rather than silently overwriting a collector.

Label Discipline:
  - Labels are bounded enums (outcome, backing, fstype, check name), never
    pool names, session ids, or device paths — those are high cardinality
    and belong in logs, not metric labels.

Timer Pattern:
  - Create a Timer at operation start, call ObserveDuration or
    ObserveDurationVec when the operation finishes.
*/
package metrics
