package volumes

// Volume statuses written by the backup worker. The volume service owns the
// rest of the vocabulary; those values pass through untouched.
const (
	StatusAvailable       = "available"
	StatusInUse           = "in-use"
	StatusBackingUp       = "backing-up"
	StatusRestoringBackup = "restoring-backup"
	StatusErrorBackingUp  = "error_backing-up"
	StatusErrorRestoring  = "error_restoring"
	StatusError           = "error"
)

// Snapshot statuses.
const (
	SnapshotAvailable = "available"
	SnapshotBackingUp = "backing-up"
	SnapshotDeleting  = "deleting"
	SnapshotError     = "error"
)

// Volume is the backup worker's view of a block-storage volume record.
type Volume struct {
	Id             string       `json:"id"`
	Status         string       `json:"status"`
	PreviousStatus string       `json:"previous_status,omitempty"`
	SizeGb         int64        `json:"size"`
	Host           string       `json:"host"` // host@backend#pool
	ProjectId      string       `json:"project_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is one attachment row of a volume.
type Attachment struct {
	Id           string `json:"id"`
	AttachedHost string `json:"attached_host,omitempty"`
	InstanceUUID string `json:"instance_uuid,omitempty"`
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	Id         string `json:"id"`
	VolumeId   string `json:"volume_id"`
	Status     string `json:"status"`
	SizeGb     int64  `json:"size"`
	VolumeHost string `json:"volume_host"` // host@backend#pool of the owning volume
}

// Update describes a status write on a volume. A nil PreviousStatus leaves
// the stored value as is. A non-empty Expected makes the write conditional
// on the volume still having that status.
type Update struct {
	Status         string
	PreviousStatus *string
	Expected       string
}

// BackupDevice is the data source the volume service hands out for a backup:
// either the volume itself, a temporary clone, or a snapshot.
type BackupDevice struct {
	Volume        *Volume   `json:"volume,omitempty"`
	Snapshot      *Snapshot `json:"snapshot,omitempty"`
	IsSnapshot    bool      `json:"is_snapshot"`
	SecureEnabled bool      `json:"secure_enabled"`
}

// ConnectorProperties describes this host to a storage backend so it can
// export a volume to it.
type ConnectorProperties struct {
	Host             string `json:"host"`
	IP               string `json:"ip,omitempty"`
	Initiator        string `json:"initiator,omitempty"`
	Multipath        bool   `json:"multipath"`
	EnforceMultipath bool   `json:"enforce_multipath"`
}

// ConnectionInfo is what a backend returns from initialize_connection.
// DriverVolumeType selects the local connector.
type ConnectionInfo struct {
	DriverVolumeType string         `json:"driver_volume_type"`
	Data             map[string]any `json:"data"`
}
