package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceSpecIsPreexisting(t *testing.T) {
	assert.True(t, DeviceSpec{Path: "/dev/sdb1"}.IsPreexisting())
	assert.False(t, DeviceSpec{Size: "10G", Backing: BackingLVMPool}.IsPreexisting())
}

func TestBootResultHasCriticalIssues(t *testing.T) {
	assert.False(t, BootResult{}.HasCriticalIssues())
	assert.True(t, BootResult{Panics: []DmesgMessage{{Body: "kernel panic"}}}.HasCriticalIssues())
	assert.True(t, BootResult{Oops: []DmesgMessage{{Body: "oops"}}}.HasCriticalIssues())
	assert.False(t, BootResult{Warnings: []DmesgMessage{{Body: "warn only"}}}.HasCriticalIssues())
}
