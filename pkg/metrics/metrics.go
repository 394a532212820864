package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device pool metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kdevd_pools_total",
			Help: "Total number of device pools known to the catalog",
		},
	)

	PoolOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_pool_operations_total",
			Help: "Total pool operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	PoolSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kdevd_pool_setup_duration_seconds",
			Help:    "Time taken to set up a device pool (pvcreate/vgcreate) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolTeardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kdevd_pool_teardown_duration_seconds",
			Help:    "Time taken to tear down a device pool in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolResizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kdevd_pool_resize_duration_seconds",
			Help:    "Time taken to resize a pool's volume group in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_pool_snapshots_total",
			Help: "Total snapshot actions by kind (create/delete) and outcome",
		},
		[]string{"action", "outcome"},
	)

	// Device backing metrics
	DeviceAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_device_allocations_total",
			Help: "Total devices brought up by backing kind and outcome",
		},
		[]string{"backing", "outcome"},
	)

	NullBlkDevicesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kdevd_nullblk_devices_active",
			Help: "Currently allocated /dev/nullbN devices",
		},
	)

	LoopbackDevicesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kdevd_loopback_devices_active",
			Help: "Currently attached loop devices",
		},
	)

	// VM boot metrics
	VMBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_vm_boots_total",
			Help: "Total VM boots by outcome (success/failure/timeout)",
		},
		[]string{"outcome"},
	)

	VMBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kdevd_vm_boot_duration_seconds",
			Help:    "Wall-clock time a VM session ran, from spawn to exit, in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	VMPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kdevd_vm_dmesg_panics_total",
			Help: "Total kernel panic messages classified in VM dmesg output",
		},
	)

	VMOopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kdevd_vm_dmesg_oops_total",
			Help: "Total oops messages classified in VM dmesg output",
		},
	)

	VMKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kdevd_vm_kills_total",
			Help: "Total VM processes killed by kill_hanging_vms",
		},
	)

	VMSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kdevd_vm_sessions_active",
			Help: "Currently registered VM sessions in the process registry",
		},
	)

	// fstests metrics
	FstestsRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_fstests_runs_total",
			Help: "Total fstests check runs by filesystem type and result",
		},
		[]string{"fstype", "result"},
	)

	FstestsRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kdevd_fstests_run_duration_seconds",
			Help:    "fstests check run duration in seconds by filesystem type",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"fstype"},
	)

	FstestsCasesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kdevd_fstests_cases_failed_total",
			Help: "Total individual fstests test cases reported as failed across all runs",
		},
	)

	// Safety validator metrics
	SafetyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kdevd_safety_checks_total",
			Help: "Total safety validator checks by check name and outcome (pass/block)",
		},
		[]string{"check", "outcome"},
	)

	// State store metrics
	StateStoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kdevd_statestore_operation_duration_seconds",
			Help:    "State store read/modify/write cycle duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolOperationsTotal)
	prometheus.MustRegister(PoolSetupDuration)
	prometheus.MustRegister(PoolTeardownDuration)
	prometheus.MustRegister(PoolResizeDuration)
	prometheus.MustRegister(PoolSnapshotsTotal)

	prometheus.MustRegister(DeviceAllocationsTotal)
	prometheus.MustRegister(NullBlkDevicesActive)
	prometheus.MustRegister(LoopbackDevicesActive)

	prometheus.MustRegister(VMBootsTotal)
	prometheus.MustRegister(VMBootDuration)
	prometheus.MustRegister(VMPanicsTotal)
	prometheus.MustRegister(VMOopsTotal)
	prometheus.MustRegister(VMKillsTotal)
	prometheus.MustRegister(VMSessionsActive)

	prometheus.MustRegister(FstestsRunsTotal)
	prometheus.MustRegister(FstestsRunDuration)
	prometheus.MustRegister(FstestsCasesFailedTotal)

	prometheus.MustRegister(SafetyChecksTotal)

	prometheus.MustRegister(StateStoreOperationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
