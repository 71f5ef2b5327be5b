package backups

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/onkernel/backupd/lib/attach"
	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
)

// RestoreBackup writes the backup's data onto volumeID.
//
// The backup returns to available on every path that keeps its data intact,
// including a failed transfer; the failure is reported on the volume.
func (m *manager) RestoreBackup(ctx context.Context, id, volumeID string) (err error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "RestoreBackup")
	defer end()
	defer func() { m.recordDuration(ctx, "restore", start, err) }()

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	vol, err := m.store.GetVolume(ctx, volumeID)
	if err != nil {
		return fmt.Errorf("load volume %s: %w", volumeID, err)
	}

	log.InfoContext(ctx, "restore backup started", "backup_id", id, "volume_id", volumeID)
	m.notify(ctx, EventRestoreStart, b)

	if vol.Status != volumes.StatusRestoringBackup {
		reason := fmt.Sprintf("Restore backup aborted, expected volume status %s but got %s.", volumes.StatusRestoringBackup, vol.Status)
		b.RestoreVolumeId = ""
		m.failBackup(ctx, b, StatusAvailable, reason)
		return fmt.Errorf("%w: %s", ErrInvalidVolume, reason)
	}

	if b.Status != StatusRestoring {
		reason := fmt.Sprintf("Restore backup aborted: expected backup status %s but got %s.", StatusRestoring, b.Status)
		m.failBackup(ctx, b, StatusError, reason)
		m.setVolumeStatus(ctx, vol.Id, volumes.StatusRestoringBackup, volumes.StatusError, nil)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if vol.SizeGb > b.SizeGb {
		log.InfoContext(ctx, "volume is larger than backup, restoring into the leading part",
			"backup_id", id, "volume_id", volumeID, "volume_size_gb", vol.SizeGb, "backup_size_gb", b.SizeGb)
	}

	if err := m.checkRestoreService(b); err != nil {
		b.RestoreVolumeId = ""
		m.failBackup(ctx, b, StatusAvailable, err.Error())
		m.setVolumeStatus(ctx, vol.Id, volumes.StatusRestoringBackup, volumes.StatusError, nil)
		return err
	}

	if err := m.runRestore(ctx, b, vol); err != nil {
		log.ErrorContext(ctx, "restore transfer failed", "backup_id", id, "volume_id", volumeID, "error", err)
		m.setVolumeStatus(ctx, vol.Id, volumes.StatusRestoringBackup, volumes.StatusErrorRestoring, nil)
		b.RestoreVolumeId = ""
		m.failBackup(ctx, b, StatusAvailable, err.Error())
		return fmt.Errorf("restore backup %s: %w", id, err)
	}

	m.setVolumeStatus(ctx, vol.Id, volumes.StatusRestoringBackup, volumes.StatusAvailable, nil)
	b.RestoreVolumeId = ""
	if err := m.setStatus(ctx, b, StatusAvailable, ""); err != nil {
		return err
	}

	log.InfoContext(ctx, "restore backup completed", "backup_id", id, "volume_id", volumeID, "duration", time.Since(start))
	m.notify(ctx, EventRestoreEnd, b)
	return nil
}

// runRestore attaches the target volume and streams the backup onto it.
// The volume is always detached afterwards.
func (m *manager) runRestore(ctx context.Context, b *Backup, vol *volumes.Volume) error {
	log := logger.FromContext(ctx)

	secure, err := m.volumes.SecureFileOperationsEnabled(ctx, vol)
	if err != nil {
		return fmt.Errorf("check secure file operations: %w", err)
	}

	target := attach.Target{Volume: vol}
	a, err := m.broker.Attach(ctx, target, m.cfg.Connector)
	if err != nil {
		return fmt.Errorf("attach restore target: %w", err)
	}
	defer func() {
		if derr := m.broker.Detach(context.WithoutCancel(ctx), a, target, m.cfg.Connector, true); derr != nil {
			log.WarnContext(ctx, "failed to detach restore target", "backup_id", b.Id, "volume_id", vol.Id, "error", derr)
		}
	}()

	return attach.OpenDevice(ctx, a.Device, attach.ModeWrite, secure, func(rw io.ReadWriter) error {
		return m.driver.Restore(ctx, b, vol.Id, rw)
	})
}

// checkRestoreService requires a recorded service that matches this host's
// driver. A backup with no service never finished a create here.
func (m *manager) checkRestoreService(b *Backup) error {
	if b.Service == "" {
		return fmt.Errorf("%w: backup %s has no recorded backup service to restore from", ErrInvalidBackup, b.Id)
	}
	return m.checkService(b)
}
