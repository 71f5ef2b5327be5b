package volumes

import (
	"context"
	"fmt"
	"strings"
)

// Caller performs a synchronous request against a remote service and decodes
// the reply into out. out may be nil.
type Caller interface {
	Call(ctx context.Context, target, method string, args, out any) error
}

// API is the volume service surface used by the backup worker.
type API interface {
	// GetBackupDevice asks the volume service which device to read for a
	// backup. The service may create a temporary volume or snapshot and
	// record it on the backup.
	GetBackupDevice(ctx context.Context, backupID, snapshotID string, vol *Volume) (*BackupDevice, error)
	SecureFileOperationsEnabled(ctx context.Context, vol *Volume) (bool, error)

	InitializeConnection(ctx context.Context, vol *Volume, props ConnectorProperties) (*ConnectionInfo, error)
	TerminateConnection(ctx context.Context, vol *Volume, props ConnectorProperties, force bool) error
	RemoveExport(ctx context.Context, vol *Volume) error
	DetachVolume(ctx context.Context, vol *Volume, attachmentID string) error

	DeleteVolume(ctx context.Context, vol *Volume) error
	DeleteSnapshot(ctx context.Context, snap *Snapshot) error

	// Backend returns the storage driver that owns the given pool location.
	Backend(location string) SnapshotDriver
}

// SnapshotDriver exports snapshots directly from a storage backend.
type SnapshotDriver interface {
	AttachSnapshot(ctx context.Context, snap *Snapshot, props ConnectorProperties) (*ConnectionInfo, error)
	DetachSnapshot(ctx context.Context, snap *Snapshot, props ConnectorProperties, force bool) error
}

// BackendName strips the pool from a host@backend#pool location.
func BackendName(location string) string {
	backend, _, _ := strings.Cut(location, "#")
	return backend
}

type client struct {
	caller Caller
	target string
}

// NewClient returns an API that sends requests to the volume service at target.
func NewClient(caller Caller, target string) API {
	return &client{caller: caller, target: target}
}

type volumeArgs struct {
	Volume       *Volume              `json:"volume"`
	Connector    *ConnectorProperties `json:"connector,omitempty"`
	Force        bool                 `json:"force,omitempty"`
	AttachmentID string               `json:"attachment_id,omitempty"`
}

func (c *client) GetBackupDevice(ctx context.Context, backupID, snapshotID string, vol *Volume) (*BackupDevice, error) {
	args := map[string]any{
		"backup_id":   backupID,
		"snapshot_id": snapshotID,
		"volume":      vol,
	}
	var dev BackupDevice
	if err := c.caller.Call(ctx, c.target, "get_backup_device", args, &dev); err != nil {
		return nil, fmt.Errorf("get backup device for volume %s: %w", vol.Id, err)
	}
	if dev.IsSnapshot && dev.Snapshot == nil {
		return nil, fmt.Errorf("volume service returned snapshot device without snapshot for backup %s", backupID)
	}
	if !dev.IsSnapshot && dev.Volume == nil {
		return nil, fmt.Errorf("volume service returned no device for backup %s", backupID)
	}
	return &dev, nil
}

func (c *client) SecureFileOperationsEnabled(ctx context.Context, vol *Volume) (bool, error) {
	var reply struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.caller.Call(ctx, c.target, "secure_file_operations_enabled", volumeArgs{Volume: vol}, &reply); err != nil {
		return false, err
	}
	return reply.Enabled, nil
}

func (c *client) InitializeConnection(ctx context.Context, vol *Volume, props ConnectorProperties) (*ConnectionInfo, error) {
	var info ConnectionInfo
	if err := c.caller.Call(ctx, c.target, "initialize_connection", volumeArgs{Volume: vol, Connector: &props}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) TerminateConnection(ctx context.Context, vol *Volume, props ConnectorProperties, force bool) error {
	return c.caller.Call(ctx, c.target, "terminate_connection", volumeArgs{Volume: vol, Connector: &props, Force: force}, nil)
}

func (c *client) RemoveExport(ctx context.Context, vol *Volume) error {
	return c.caller.Call(ctx, c.target, "remove_export", volumeArgs{Volume: vol}, nil)
}

func (c *client) DetachVolume(ctx context.Context, vol *Volume, attachmentID string) error {
	return c.caller.Call(ctx, c.target, "detach_volume", volumeArgs{Volume: vol, AttachmentID: attachmentID}, nil)
}

func (c *client) DeleteVolume(ctx context.Context, vol *Volume) error {
	return c.caller.Call(ctx, c.target, "delete_volume", volumeArgs{Volume: vol}, nil)
}

func (c *client) DeleteSnapshot(ctx context.Context, snap *Snapshot) error {
	return c.caller.Call(ctx, c.target, "delete_snapshot", map[string]any{"snapshot": snap}, nil)
}

func (c *client) Backend(location string) SnapshotDriver {
	return &backendClient{client: c, backend: BackendName(location)}
}

// backendClient addresses a single storage backend behind the volume service.
type backendClient struct {
	*client
	backend string
}

type snapshotArgs struct {
	Backend   string              `json:"backend"`
	Snapshot  *Snapshot           `json:"snapshot"`
	Connector ConnectorProperties `json:"connector"`
	Force     bool                `json:"force,omitempty"`
}

func (b *backendClient) AttachSnapshot(ctx context.Context, snap *Snapshot, props ConnectorProperties) (*ConnectionInfo, error) {
	var info ConnectionInfo
	args := snapshotArgs{Backend: b.backend, Snapshot: snap, Connector: props}
	if err := b.caller.Call(ctx, b.target, "attach_snapshot", args, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *backendClient) DetachSnapshot(ctx context.Context, snap *Snapshot, props ConnectorProperties, force bool) error {
	args := snapshotArgs{Backend: b.backend, Snapshot: snap, Connector: props, Force: force}
	return b.caller.Call(ctx, b.target, "detach_snapshot", args, nil)
}
