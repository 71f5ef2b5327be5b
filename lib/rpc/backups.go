package rpc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/onkernel/backupd/lib/backups"
)

// TopicBackup is the topic served by backup workers.
const TopicBackup = "backup"

// Backup methods.
const (
	MethodCreateBackup       = "create_backup"
	MethodRestoreBackup      = "restore_backup"
	MethodDeleteBackup       = "delete_backup"
	MethodExportRecord       = "export_record"
	MethodImportRecord       = "import_record"
	MethodResetStatus        = "reset_status"
	MethodSupportForceDelete = "check_support_to_force_delete"
	MethodCapabilities       = "capabilities"
)

// BackupArgs names a backup.
type BackupArgs struct {
	BackupID string `json:"backup_id"`
}

// RestoreArgs names a backup and the volume to restore it into.
type RestoreArgs struct {
	BackupID string `json:"backup_id"`
	VolumeID string `json:"volume_id"`
}

// ImportArgs carries an exported record to import into a backup.
type ImportArgs struct {
	Host     string `json:"host,omitempty"`
	BackupID string `json:"backup_id"`
	backups.ImportRequest
}

// ResetArgs names a backup and the status to force it to.
type ResetArgs struct {
	BackupID string         `json:"backup_id"`
	Status   backups.Status `json:"status"`
}

// ForceDeleteReply answers check_support_to_force_delete.
type ForceDeleteReply struct {
	Supported bool `json:"supported"`
}

// RegisterBackupHandlers serves the backup topic from m.
func RegisterBackupHandlers(s *Server, m backups.Manager) {
	HandleCast(s, TopicBackup, MethodCreateBackup, func(ctx context.Context, a BackupArgs) error {
		if a.BackupID == "" {
			return fmt.Errorf("%w: backup_id is required", ErrBadRequest)
		}
		return m.CreateBackup(ctx, a.BackupID)
	})
	HandleCast(s, TopicBackup, MethodRestoreBackup, func(ctx context.Context, a RestoreArgs) error {
		return m.RestoreBackup(ctx, a.BackupID, a.VolumeID)
	})
	HandleCast(s, TopicBackup, MethodDeleteBackup, func(ctx context.Context, a BackupArgs) error {
		return m.DeleteBackup(ctx, a.BackupID)
	})
	HandleCall(s, TopicBackup, MethodExportRecord, func(ctx context.Context, a BackupArgs) (*backups.ExportedRecord, error) {
		return m.ExportRecord(ctx, a.BackupID)
	})
	HandleCast(s, TopicBackup, MethodImportRecord, func(ctx context.Context, a ImportArgs) error {
		return m.ImportRecord(ctx, a.BackupID, a.ImportRequest)
	})
	HandleCast(s, TopicBackup, MethodResetStatus, func(ctx context.Context, a ResetArgs) error {
		return m.ResetStatus(ctx, a.BackupID, a.Status)
	})
	HandleCall(s, TopicBackup, MethodSupportForceDelete, func(ctx context.Context, _ struct{}) (ForceDeleteReply, error) {
		return ForceDeleteReply{Supported: m.SupportsForceDelete(ctx)}, nil
	})
	HandleCall(s, TopicBackup, MethodCapabilities, func(ctx context.Context, _ struct{}) (backups.Capabilities, error) {
		return m.Capabilities(ctx), nil
	})
}

// BackupClient talks to one backup worker.
type BackupClient struct {
	c *Client
}

// NewBackupClient wraps a client for the backup topic.
func NewBackupClient(c *Client) *BackupClient {
	return &BackupClient{c: c}
}

func (b *BackupClient) CreateBackup(ctx context.Context, backupID string) error {
	return b.c.Cast(ctx, TopicBackup, MethodCreateBackup, BackupArgs{BackupID: backupID})
}

func (b *BackupClient) RestoreBackup(ctx context.Context, backupID, volumeID string) error {
	return b.c.Cast(ctx, TopicBackup, MethodRestoreBackup, RestoreArgs{BackupID: backupID, VolumeID: volumeID})
}

func (b *BackupClient) DeleteBackup(ctx context.Context, backupID string) error {
	return b.c.Cast(ctx, TopicBackup, MethodDeleteBackup, BackupArgs{BackupID: backupID})
}

func (b *BackupClient) ExportRecord(ctx context.Context, backupID string) (*backups.ExportedRecord, error) {
	var rec backups.ExportedRecord
	if err := b.c.Call(ctx, TopicBackup, MethodExportRecord, BackupArgs{BackupID: backupID}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BackupClient) ImportRecord(ctx context.Context, host, backupID string, req backups.ImportRequest) error {
	return b.c.Cast(ctx, TopicBackup, MethodImportRecord, ImportArgs{Host: host, BackupID: backupID, ImportRequest: req})
}

func (b *BackupClient) ResetStatus(ctx context.Context, backupID string, status backups.Status) error {
	return b.c.Cast(ctx, TopicBackup, MethodResetStatus, ResetArgs{BackupID: backupID, Status: status})
}

func (b *BackupClient) SupportsForceDelete(ctx context.Context) (bool, error) {
	var reply ForceDeleteReply
	if err := b.c.Call(ctx, TopicBackup, MethodSupportForceDelete, nil, &reply); err != nil {
		return false, err
	}
	return reply.Supported, nil
}

func (b *BackupClient) Capabilities(ctx context.Context) (*backups.Capabilities, error) {
	var caps backups.Capabilities
	if err := b.c.Call(ctx, TopicBackup, MethodCapabilities, nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// PeerForwarder forwards import requests to other backup hosts, reached by
// substituting the host name into an URL template such as
// "http://{host}:8080".
type PeerForwarder struct {
	template string
	pin      Version
	http     *http.Client
}

var _ backups.Forwarder = (*PeerForwarder)(nil)

// NewPeerForwarder creates a forwarder. httpClient may be nil.
func NewPeerForwarder(template string, pin Version, httpClient *http.Client) *PeerForwarder {
	return &PeerForwarder{template: template, pin: pin, http: httpClient}
}

// PeerURL returns the base URL of host.
func (f *PeerForwarder) PeerURL(host string) string {
	return strings.ReplaceAll(f.template, "{host}", host)
}

func (f *PeerForwarder) ImportRecord(ctx context.Context, host, backupID string, req backups.ImportRequest) error {
	c := NewBackupClient(NewClient(f.PeerURL(host), f.pin, f.http))
	return c.ImportRecord(ctx, host, backupID, req)
}
