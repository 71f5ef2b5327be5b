package backups

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
	"github.com/samber/lo"
)

// RecoverIncompleteOperations reconciles every backup owned by this host after
// a restart. Each backup is handled independently; a failure is logged and the
// scan moves on. Running it twice leaves the same state as running it once.
func (m *manager) RecoverIncompleteOperations(ctx context.Context) error {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "RecoverIncompleteOperations")
	defer end()

	list, err := m.store.ListBackupsByHost(ctx, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("list backups for host %s: %w", m.cfg.Host, err)
	}
	log.InfoContext(ctx, "recovering incomplete backup operations", "host", m.cfg.Host, "backups", len(list))

	var recovered int
	for _, b := range list {
		status := b.Status
		err := m.recoverBackup(ctx, b)
		m.recordRecovery(ctx, status, err)
		if err != nil {
			log.ErrorContext(ctx, "failed to recover backup", "backup_id", b.Id, "status", status, "error", err)
		} else {
			recovered++
		}
		m.reclaimErrored(ctx, b.Id)
	}

	log.InfoContext(ctx, "backup recovery complete", "backups", len(list), "recovered", recovered)
	return nil
}

// reclaimErrored reloads a backup and reclaims its temporary resources if
// it ended in error. A backup that no longer exists has nothing to reclaim.
func (m *manager) reclaimErrored(ctx context.Context, id string) {
	log := logger.FromContext(ctx)

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to reload backup for temp cleanup", "backup_id", id, "error", err)
		return
	}
	if err := m.temp.ReclaimIfErrored(ctx, b); err != nil {
		log.ErrorContext(ctx, "failed to reclaim temporary resources", "backup_id", id, "error", err)
	}
}

// recoverBackup resolves a backup left in a transitional status.
func (m *manager) recoverBackup(ctx context.Context, b *Backup) error {
	log := logger.FromContext(ctx)

	switch b.Status {
	case StatusCreating:
		log.InfoContext(ctx, "resetting incomplete backup", "backup_id", b.Id, "volume_id", b.VolumeId)
		if err := m.recoverVolume(ctx, b.VolumeId); err != nil {
			log.WarnContext(ctx, "failed to reset backup source volume", "backup_id", b.Id, "volume_id", b.VolumeId, "error", err)
		}
		if b.SnapshotId != "" {
			m.recoverSnapshot(ctx, b.SnapshotId)
		}
		return m.setStatus(ctx, b, StatusError, "incomplete backup reset on manager restart")

	case StatusRestoring:
		log.InfoContext(ctx, "resetting incomplete restore", "backup_id", b.Id, "volume_id", b.RestoreVolumeId)
		if b.RestoreVolumeId != "" {
			if err := m.recoverVolume(ctx, b.RestoreVolumeId); err != nil {
				log.WarnContext(ctx, "failed to reset restore target volume", "backup_id", b.Id, "volume_id", b.RestoreVolumeId, "error", err)
			}
		}
		b.RestoreVolumeId = ""
		return m.setStatus(ctx, b, StatusAvailable, "")

	case StatusDeleting:
		if m.cfg.InitHostOffload {
			m.enqueueDelete(ctx, b.Id)
			return nil
		}
		log.InfoContext(ctx, "resuming backup deletion", "backup_id", b.Id)
		return m.DeleteBackup(ctx, b.Id)
	}
	return nil
}

// recoverVolume puts a volume left mid-backup or mid-restore back into a
// stable status and detaches anything this host attached to it.
func (m *manager) recoverVolume(ctx context.Context, id string) error {
	vol, err := m.store.GetVolume(ctx, id)
	if errors.Is(err, volumes.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch vol.Status {
	case volumes.StatusBackingUp:
		m.detachLocalAttachments(ctx, vol)
		m.setVolumeStatus(ctx, vol.Id, vol.Status, vol.PreviousStatus, nil)
	case volumes.StatusRestoringBackup:
		m.detachLocalAttachments(ctx, vol)
		m.setVolumeStatus(ctx, vol.Id, vol.Status, volumes.StatusErrorRestoring, nil)
	}
	return nil
}

// detachLocalAttachments detaches attachments this host made for a transfer.
// Attachments that belong to an instance are left alone.
func (m *manager) detachLocalAttachments(ctx context.Context, vol *volumes.Volume) {
	log := logger.FromContext(ctx)
	local := lo.Filter(vol.Attachments, func(a volumes.Attachment, _ int) bool {
		return a.AttachedHost == m.cfg.Host && a.InstanceUUID == ""
	})
	for _, a := range local {
		if err := m.volumes.DetachVolume(ctx, vol, a.Id); err != nil {
			log.WarnContext(ctx, "failed to detach stale attachment", "volume_id", vol.Id, "attachment_id", a.Id, "error", err)
		}
	}
}

func (m *manager) recoverSnapshot(ctx context.Context, id string) {
	snap, err := m.store.GetSnapshot(ctx, id)
	if err != nil || snap.Status != volumes.SnapshotBackingUp {
		return
	}
	if err := m.store.UpdateSnapshotStatus(ctx, id, volumes.SnapshotAvailable); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to reset backup source snapshot", "snapshot_id", id, "error", err)
	}
}
