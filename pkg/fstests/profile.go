package fstests

import (
	"fmt"
	"os"

	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultDeviceProfile is the "fstests_default" template spec §6 names:
// one test device, one scratch device, five pool devices, all 10 GiB,
// each with its canonical guest environment variable.
func DefaultDeviceProfile() []types.DeviceSpec {
	specs := []types.DeviceSpec{
		{Name: "test", Size: "10G", Backing: types.BackingLVMPool, Order: 0, EnvVar: "TEST_DEV"},
		{Name: "scratch", Size: "10G", Backing: types.BackingLVMPool, Order: 1, EnvVar: "SCRATCH_DEV"},
	}
	for i := 1; i <= 5; i++ {
		specs = append(specs, types.DeviceSpec{
			Name:    fmt.Sprintf("pool%d", i),
			Size:    "10G",
			Backing: types.BackingLVMPool,
			Order:   i + 1,
			EnvVar:  fmt.Sprintf("POOL%d_DEV", i),
		})
	}
	return specs
}

// deviceProfileDocument is the on-disk shape of a saved custom device
// profile: a named, reusable alternative to fstests_default.
type deviceProfileDocument struct {
	Devices []struct {
		Name    string `yaml:"name"`
		Size    string `yaml:"size"`
		Backing string `yaml:"backing"`
		EnvVar  string `yaml:"env_var"`
	} `yaml:"devices"`
}

// LoadDeviceProfile reads a YAML device profile from path, in the order
// its devices are listed. A device with no backing field defaults to
// lvm-pool and so comes from whatever pool the caller names alongside
// device_profile_path; a device that names another backing uses that one.
func LoadDeviceProfile(path string) ([]types.DeviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Resourcef(err, "cannot read device profile %s", path)
	}
	var doc deviceProfileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, kerrors.Validationf("device profile %s: %v", path, err)
	}
	if len(doc.Devices) == 0 {
		return nil, kerrors.Validationf("device profile %s defines no devices", path)
	}

	specs := make([]types.DeviceSpec, 0, len(doc.Devices))
	for i, d := range doc.Devices {
		backing := types.DeviceBacking(d.Backing)
		if backing == "" {
			backing = types.BackingLVMPool
		}
		specs = append(specs, types.DeviceSpec{
			Name:    d.Name,
			Size:    d.Size,
			Backing: backing,
			Order:   i,
			EnvVar:  d.EnvVar,
		})
	}
	return specs, nil
}
