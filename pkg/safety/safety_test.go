package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kernellab/kdevd/pkg/execx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBlockDeviceMissingIsError(t *testing.T) {
	res := checkBlockDevice(context.Background(), nil, "/dev/does-not-exist-kdevd")
	assert.Equal(t, Error, res.Severity)
}

func TestCheckBlockDeviceRegularFileIsError(t *testing.T) {
	f := filepath.Join(t.TempDir(), "not-a-block-device")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	res := checkBlockDevice(context.Background(), nil, f)
	assert.Equal(t, Error, res.Severity)
}

func TestValidateMissingHelperIsWarningNeverOK(t *testing.T) {
	dev := blockishFile(t)
	f := NewFakeAllMissing(t)
	report := Validate(context.Background(), f, dev, false)

	for _, c := range report.Checks {
		switch c.Name {
		case "exists and is block device", "not in /etc/fstab", "not a system disk":
			continue
		}
		assert.NotEqual(t, OK, c.Severity, "check %q should not silently pass when its helper is missing", c.Name)
	}
}

func TestValidateErrorBlocksPassed(t *testing.T) {
	report := Report{Verdict: Error}
	assert.False(t, report.Passed())
	assert.NotNil(t, report.Err())
}

func TestValidateWarningStillPasses(t *testing.T) {
	report := Report{Verdict: Warning}
	assert.True(t, report.Passed())
	assert.Nil(t, report.Err())
}

// NewFakeAllMissing returns a Fake Runner where every helper binary
// invocation fails as if the binary were absent from PATH.
func NewFakeAllMissing(t *testing.T) *execx.Fake {
	t.Helper()
	f := execx.NewFake()
	for _, argv := range []string{
		"findmnt -n -o SOURCE,TARGET",
		"blkid -s UUID -s LABEL -o value " + blockishPath,
		"mdadm --examine " + blockishPath,
		"pvdisplay " + blockishPath,
		"cryptsetup isLuks " + blockishPath,
		"lsof " + blockishPath,
		"blkid -p " + blockishPath,
		"sgdisk -p " + blockishPath,
		"parted -s " + blockishPath + " print",
	} {
		f.ExpectError(argv, &execx.ExitError{Cause: os.ErrNotExist})
	}
	return f
}

var blockishPath string

func blockishFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dev-stub")
	require.NoError(t, os.WriteFile(p, []byte{}, 0o644))
	blockishPath = p
	return p
}
