package backups

import (
	"time"

	"github.com/onkernel/backupd/lib/volumes"
)

// Status is the lifecycle status of a backup record.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusAvailable Status = "available"
	StatusRestoring Status = "restoring"
	StatusDeleting  Status = "deleting"
	StatusError     Status = "error"
)

// AnyStatus disables the status guard on a conditional save.
const AnyStatus Status = ""

// Backup is a persisted backup record. The JSON form is also the body of an
// exported record, so field names are part of the export format.
type Backup struct {
	Id                  string    `json:"id"`
	VolumeId            string    `json:"volume_id"`
	SnapshotId          string    `json:"snapshot_id,omitempty"`
	ParentId            string    `json:"parent_id,omitempty"`
	NumDependentBackups int       `json:"num_dependent_backups"`
	Status              Status    `json:"status"`
	FailReason          string    `json:"fail_reason,omitempty"`
	Host                string    `json:"host"`
	Service             string    `json:"service"`
	AvailabilityZone    string    `json:"availability_zone"`
	ProjectId           string    `json:"project_id,omitempty"`
	UserId              string    `json:"user_id,omitempty"`
	DisplayName         string    `json:"display_name"`
	DisplayDescription  string    `json:"display_description"`
	Container           string    `json:"container"`
	ServiceMetadata     string    `json:"service_metadata"`
	ObjectCount         int       `json:"object_count"`
	SizeGb              int64     `json:"size"`
	RestoreVolumeId     string    `json:"restore_volume_id,omitempty"`
	TempVolumeId        string    `json:"temp_volume_id,omitempty"`
	TempSnapshotId      string    `json:"temp_snapshot_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// BackupUpdates are the fields a driver reports after writing a backup.
// Zero values leave the record unchanged.
type BackupUpdates struct {
	Container       string
	ServiceMetadata string
	ObjectCount     int
}

func (u *BackupUpdates) apply(b *Backup) {
	if u == nil {
		return
	}
	if u.Container != "" {
		b.Container = u.Container
	}
	if u.ServiceMetadata != "" {
		b.ServiceMetadata = u.ServiceMetadata
	}
	if u.ObjectCount > 0 {
		b.ObjectCount = u.ObjectCount
	}
}

// ExportedRecord is the portable form of a backup.
type ExportedRecord struct {
	BackupService string `json:"backup_service"`
	BackupURL     string `json:"backup_url"`
}

// ImportRequest carries an exported record and the hosts that may still
// accept it if this one cannot.
type ImportRequest struct {
	BackupService string   `json:"backup_service"`
	BackupURL     string   `json:"backup_url"`
	BackupHosts   []string `json:"backup_hosts,omitempty"`

	// HopsLeft bounds forwarding. Zero means unset and allows
	// len(BackupHosts) hops; NoHopsLeft forbids any further forwarding.
	HopsLeft int `json:"hops_left,omitempty"`
}

// NoHopsLeft marks an import request that must not be forwarded again.
const NoHopsLeft = -1

// Capabilities describes what this worker's driver can do.
type Capabilities struct {
	Host                string `json:"host"`
	DriverName          string `json:"driver_name"`
	SupportsVerify      bool   `json:"supports_verify"`
	SupportsForceDelete bool   `json:"supports_force_delete"`
}

// Config holds worker identity and behaviour switches.
type Config struct {
	// Host is this worker's host name as recorded on backups.
	Host             string
	AvailabilityZone string
	// DriverName identifies the configured driver. It is stamped on backups
	// as their service and compared on restore, delete, export and import.
	DriverName string
	Connector  volumes.ConnectorProperties

	// InitHostOffload moves deletions found at startup onto the delete queue.
	InitHostOffload      bool
	MaxConcurrentDeletes int
}
