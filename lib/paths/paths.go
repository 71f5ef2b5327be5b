// Package paths provides centralized path construction for the device nodes
// the backup worker attaches.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Paths provides typed path construction rooted at a device directory.
type Paths struct {
	devRoot string
}

// New creates a new Paths instance for the given device root, normally /dev.
func New(devRoot string) *Paths {
	return &Paths{devRoot: devRoot}
}

// DevRoot returns the device root.
func (p *Paths) DevRoot() string {
	return p.devRoot
}

// DiskByPath returns a stable by-path symlink.
func (p *Paths) DiskByPath(name string) string {
	return filepath.Join(p.devRoot, "disk", "by-path", name)
}

// DiskByID returns a stable by-id symlink.
func (p *Paths) DiskByID(name string) string {
	return filepath.Join(p.devRoot, "disk", "by-id", name)
}

// ISCSIDisk returns the by-path link udev creates for an iSCSI LUN.
func (p *Paths) ISCSIDisk(portal, iqn string, lun int) string {
	return p.DiskByPath(fmt.Sprintf("ip-%s-iscsi-%s-lun-%d", portal, iqn, lun))
}

// MultipathDevice returns the by-id link for a device-mapper multipath map.
func (p *Paths) MultipathDevice(id string) string {
	return p.DiskByID("dm-uuid-mpath-" + id)
}

// Resolve maps a device path reported by a backend onto the device root.
// Paths under /dev are rebased, other absolute paths are returned unchanged
// and relative names are taken to be relative to the device root.
func (p *Paths) Resolve(devicePath string) string {
	if !filepath.IsAbs(devicePath) {
		return filepath.Join(p.devRoot, devicePath)
	}
	rel, err := filepath.Rel("/dev", devicePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return devicePath
	}
	return filepath.Join(p.devRoot, rel)
}
