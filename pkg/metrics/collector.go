package metrics

import (
	"time"

	"github.com/kernellab/kdevd/pkg/types"
	"github.com/kernellab/kdevd/pkg/vmrun"
)

// poolCatalog is the subset of *pool.Catalog the collector needs. Defined
// as an interface here, rather than importing pkg/pool directly, because
// pkg/pool transitively depends on pkg/safety, which records metrics of
// its own — importing the concrete type back would close an import cycle.
type poolCatalog interface {
	List() ([]types.Pool, error)
}

// Collector periodically samples long-lived in-process state into gauges.
// Counters and histograms are updated inline, at the call site that
// produces the event they measure; Collector exists only for state (pool
// count, live VM sessions) that has no single update call site.
type Collector struct {
	catalog  poolCatalog
	registry *vmrun.ProcessRegistry
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(catalog poolCatalog, registry *vmrun.ProcessRegistry) *Collector {
	return &Collector{
		catalog:  catalog,
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectVMMetrics()
}

func (c *Collector) collectPoolMetrics() {
	if c.catalog == nil {
		return
	}
	pools, err := c.catalog.List()
	if err != nil {
		return
	}
	PoolsTotal.Set(float64(len(pools)))
}

func (c *Collector) collectVMMetrics() {
	if c.registry == nil {
		return
	}
	entries, err := c.registry.List()
	if err != nil {
		return
	}
	VMSessionsActive.Set(float64(len(entries)))
}
