package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kernellab/kdevd/pkg/types"
	"github.com/kernellab/kdevd/pkg/vmrun"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCatalog stands in for *pool.Catalog: this package cannot import
// pkg/pool without closing the import cycle poolCatalog exists to avoid.
type memCatalog struct{ pools []types.Pool }

func (c *memCatalog) Put(p types.Pool) error {
	c.pools = append(c.pools, p)
	return nil
}

func (c *memCatalog) List() ([]types.Pool, error) { return c.pools, nil }

func TestCollectorSamplesPoolsTotal(t *testing.T) {
	dir := t.TempDir()
	cat := &memCatalog{}
	require.NoError(t, cat.Put(types.Pool{Name: "p1"}))
	require.NoError(t, cat.Put(types.Pool{Name: "p2"}))

	c := NewCollector(cat, vmrun.NewProcessRegistry(dir))
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(PoolsTotal))
}

func TestCollectorSamplesActiveVMSessions(t *testing.T) {
	dir := t.TempDir()
	reg := vmrun.NewProcessRegistry(dir)
	_, err := reg.Register(1234, 1234, "boot_kernel_test", filepath.Join(dir, "vm.log"), time.Now())
	require.NoError(t, err)

	c := NewCollector(&memCatalog{}, reg)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(VMSessionsActive))
}

func TestCollectorStartStopDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(&memCatalog{}, vmrun.NewProcessRegistry(dir))
	c.Start()
	c.Stop()
}
