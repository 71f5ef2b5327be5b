package backups

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/onkernel/backupd/lib/attach"
	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
	"github.com/samber/lo"
)

// CreateBackup copies the source volume or snapshot into the driver.
//
// The API side has already moved the backup to creating and the source to
// backing-up. On every exit the source gets its pre-backup status back; the
// volume's previous status records whether the backup succeeded.
func (m *manager) CreateBackup(ctx context.Context, id string) (err error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "CreateBackup")
	defer end()
	defer func() { m.recordDuration(ctx, "create", start, err) }()

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	vol, err := m.store.GetVolume(ctx, b.VolumeId)
	if err != nil {
		return fmt.Errorf("load volume %s: %w", b.VolumeId, err)
	}
	var snap *volumes.Snapshot
	if b.SnapshotId != "" {
		if snap, err = m.store.GetSnapshot(ctx, b.SnapshotId); err != nil {
			return fmt.Errorf("load snapshot %s: %w", b.SnapshotId, err)
		}
	}
	previous := vol.PreviousStatus

	log.InfoContext(ctx, "create backup started", "backup_id", id, "volume_id", vol.Id, "snapshot_id", b.SnapshotId)
	m.notify(ctx, EventCreateStart, b)

	if snap != nil {
		if snap.Status != volumes.SnapshotBackingUp {
			reason := fmt.Sprintf("Create backup aborted, expected snapshot status %s but got %s.", volumes.SnapshotBackingUp, snap.Status)
			m.failBackup(ctx, b, StatusError, reason)
			return fmt.Errorf("%w: %s", ErrInvalidSnapshot, reason)
		}
	} else if vol.Status != volumes.StatusBackingUp {
		reason := fmt.Sprintf("Create backup aborted, expected volume status %s but got %s.", volumes.StatusBackingUp, vol.Status)
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidVolume, reason)
	}

	if b.Status != StatusCreating {
		reason := fmt.Sprintf("Create backup aborted, expected backup status %s but got %s.", StatusCreating, b.Status)
		m.failBackup(ctx, b, StatusError, reason)
		m.releaseSource(ctx, vol, snap, previous, volumes.StatusErrorBackingUp)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if !m.driverWorking(ctx) {
		reason := "Create backup aborted due to backup service is down."
		m.failBackup(ctx, b, StatusError, reason)
		m.releaseSource(ctx, vol, snap, previous, volumes.StatusErrorBackingUp)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	b.Service = m.cfg.DriverName
	if err := m.store.SaveBackup(ctx, b, StatusCreating); err != nil {
		m.releaseSource(ctx, vol, snap, previous, volumes.StatusErrorBackingUp)
		return fmt.Errorf("record backup service: %w", err)
	}

	updates, err := m.runBackup(ctx, b, vol)
	if err != nil {
		log.ErrorContext(ctx, "backup transfer failed", "backup_id", id, "error", err)
		m.releaseSource(ctx, vol, snap, previous, volumes.StatusErrorBackingUp)
		m.failBackup(ctx, b, StatusError, err.Error())
		return fmt.Errorf("create backup %s: %w", id, err)
	}

	m.releaseSource(ctx, vol, snap, previous, volumes.StatusBackingUp)

	b.SizeGb = vol.SizeGb
	updates.apply(b)
	if err := m.setStatus(ctx, b, StatusAvailable, ""); err != nil {
		return err
	}
	if b.ParentId != "" {
		if err := m.store.AdjustDependentBackups(ctx, b.ParentId, 1); err != nil {
			log.WarnContext(ctx, "failed to increment parent dependent count", "backup_id", id, "parent_id", b.ParentId, "error", err)
		}
	}

	log.InfoContext(ctx, "create backup completed", "backup_id", id, "size_gb", b.SizeGb, "duration", time.Since(start))
	m.notify(ctx, EventCreateEnd, b)
	return nil
}

// releaseSource gives the backup source back its pre-backup status.
// A volume's previous status is set to marker so operators can tell how the
// backup ended. A snapshot simply returns to available.
func (m *manager) releaseSource(ctx context.Context, vol *volumes.Volume, snap *volumes.Snapshot, previous, marker string) {
	if snap != nil {
		if err := m.store.UpdateSnapshotStatus(ctx, snap.Id, volumes.SnapshotAvailable); err != nil {
			logger.FromContext(ctx).ErrorContext(ctx, "failed to release snapshot", "snapshot_id", snap.Id, "error", err)
		}
		return
	}
	m.setVolumeStatus(ctx, vol.Id, volumes.StatusBackingUp, previous, lo.ToPtr(marker))
}

// runBackup attaches the backup device, streams it into the driver and always
// detaches and reclaims temporary resources afterwards.
func (m *manager) runBackup(ctx context.Context, b *Backup, vol *volumes.Volume) (updates *BackupUpdates, err error) {
	log := logger.FromContext(ctx)
	cleanupCtx := context.WithoutCancel(ctx)

	defer func() {
		// The volume service may have recorded temporary resources while
		// preparing the device.
		if fresh, rerr := m.store.GetBackup(cleanupCtx, b.Id); rerr == nil {
			b.TempVolumeId = fresh.TempVolumeId
			b.TempSnapshotId = fresh.TempSnapshotId
		} else {
			log.WarnContext(ctx, "failed to refresh backup before temp cleanup", "backup_id", b.Id, "error", rerr)
		}
		if cerr := m.temp.ReclaimOnSuccess(cleanupCtx, b); cerr != nil {
			log.WarnContext(ctx, "failed to reclaim temporary resources", "backup_id", b.Id, "error", cerr)
		}
	}()

	dev, err := m.volumes.GetBackupDevice(ctx, b.Id, b.SnapshotId, vol)
	if err != nil {
		return nil, err
	}
	target := attach.Target{Volume: dev.Volume}
	if dev.IsSnapshot {
		target = attach.Target{Snapshot: dev.Snapshot}
	}

	a, err := m.broker.Attach(ctx, target, m.cfg.Connector)
	if err != nil {
		return nil, fmt.Errorf("attach backup device: %w", err)
	}
	defer func() {
		if derr := m.broker.Detach(cleanupCtx, a, target, m.cfg.Connector, true); derr != nil {
			log.WarnContext(ctx, "failed to detach backup device", "backup_id", b.Id, "device", target.ID(), "error", derr)
		}
	}()

	err = attach.OpenDevice(ctx, a.Device, attach.ModeRead, dev.SecureEnabled, func(rw io.ReadWriter) error {
		var derr error
		updates, derr = m.driver.Backup(ctx, b, rw)
		return derr
	})
	return updates, err
}
