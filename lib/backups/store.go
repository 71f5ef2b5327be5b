package backups

import (
	"context"

	"github.com/onkernel/backupd/lib/volumes"
)

// Store persists backup, volume and snapshot records.
type Store interface {
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackupsByHost(ctx context.Context, host string) ([]*Backup, error)

	// SaveBackup writes every mutable field of b if the stored status is
	// still expected, returning ErrStatusConflict otherwise.
	SaveBackup(ctx context.Context, b *Backup, expected Status) error

	// DestroyBackup removes a backup that is in the deleting status.
	DestroyBackup(ctx context.Context, id string) error

	// AdjustDependentBackups adds delta to the dependent count of id. The
	// count never goes below zero.
	AdjustDependentBackups(ctx context.Context, id string, delta int) error

	// ClearTempResources nulls the temporary volume and/or snapshot ids.
	ClearTempResources(ctx context.Context, id string, volume, snapshot bool) error

	GetVolume(ctx context.Context, id string) (*volumes.Volume, error)
	UpdateVolume(ctx context.Context, id string, upd volumes.Update) error
	GetSnapshot(ctx context.Context, id string) (*volumes.Snapshot, error)
	UpdateSnapshotStatus(ctx context.Context, id, status string) error

	// ReserveQuota records pending usage deltas and returns a reservation id.
	ReserveQuota(ctx context.Context, projectID string, deltas map[string]int64) (string, error)
	CommitQuota(ctx context.Context, reservationID string) error
}

// Forwarder hands an import request to another backup host.
type Forwarder interface {
	ImportRecord(ctx context.Context, host, backupID string, req ImportRequest) error
}

// Quota resource names.
const (
	QuotaBackups         = "backups"
	QuotaBackupGigabytes = "backup_gigabytes"
)
