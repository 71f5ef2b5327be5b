package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevicePaths(t *testing.T) {
	p := New("/dev")

	assert.Equal(t, "/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-iqn.2010-10.org:vol1-lun-1",
		p.ISCSIDisk("10.0.0.5:3260", "iqn.2010-10.org:vol1", 1))
	assert.Equal(t, "/dev/disk/by-id/dm-uuid-mpath-3600a0b8", p.MultipathDevice("3600a0b8"))
}

func TestResolve(t *testing.T) {
	p := New("/tmp/fakedev")

	assert.Equal(t, "/tmp/fakedev/sdb", p.Resolve("/dev/sdb"))
	assert.Equal(t, "/tmp/fakedev/mapper/vg-lv", p.Resolve("/dev/mapper/vg-lv"))
	assert.Equal(t, "/tmp/fakedev/sdc", p.Resolve("sdc"))
	assert.Equal(t, "/var/lib/x", p.Resolve("/var/lib/x"))
}
