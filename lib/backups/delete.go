package backups

import (
	"context"
	"fmt"
	"time"

	"github.com/onkernel/backupd/lib/logger"
)

// DeleteBackup removes the backup's stored data and then its record.
// Quota is released only after the record is gone.
func (m *manager) DeleteBackup(ctx context.Context, id string) (err error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "DeleteBackup")
	defer end()
	defer func() { m.recordDuration(ctx, "delete", start, err) }()

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "delete backup started", "backup_id", id)
	m.notify(ctx, EventDeleteStart, b)

	if b.Status != StatusDeleting {
		reason := fmt.Sprintf("Delete_backup aborted, expected backup status %s but got %s.", StatusDeleting, b.Status)
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if !m.driverWorking(ctx) {
		reason := "Delete backup aborted due to backup service is down."
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if b.Service != "" {
		if err := m.checkService(b); err != nil {
			reason := fmt.Sprintf("Delete backup aborted, the backup service currently configured [%s] is not the backup service that was used to create this backup [%s].",
				m.cfg.DriverName, b.Service)
			m.failBackup(ctx, b, StatusError, reason)
			return err
		}
		if err := m.driver.Delete(ctx, b); err != nil {
			log.ErrorContext(ctx, "driver failed to delete backup data", "backup_id", id, "error", err)
			m.failBackup(ctx, b, StatusError, err.Error())
			return fmt.Errorf("delete backup %s data: %w", id, err)
		}
	}

	reservation, err := m.store.ReserveQuota(ctx, b.ProjectId, map[string]int64{
		QuotaBackups:         -1,
		QuotaBackupGigabytes: -b.SizeGb,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to update usages deleting backup", "backup_id", id, "error", err)
		reservation = ""
	}

	if err := m.store.DestroyBackup(ctx, id); err != nil {
		return fmt.Errorf("destroy backup %s: %w", id, err)
	}
	m.recordTransition(ctx, StatusDeleting, "deleted")

	if b.ParentId != "" {
		parent, err := m.store.GetBackup(ctx, b.ParentId)
		switch {
		case err != nil:
			log.WarnContext(ctx, "failed to load parent backup", "backup_id", id, "parent_id", b.ParentId, "error", err)
		case parent.NumDependentBackups > 0:
			if err := m.store.AdjustDependentBackups(ctx, parent.Id, -1); err != nil {
				log.WarnContext(ctx, "failed to decrement parent dependent count", "backup_id", id, "parent_id", parent.Id, "error", err)
			}
		}
	}

	if reservation != "" {
		if err := m.store.CommitQuota(ctx, reservation); err != nil {
			log.ErrorContext(ctx, "failed to commit quota reservation", "backup_id", id, "reservation_id", reservation, "error", err)
		}
	}

	log.InfoContext(ctx, "delete backup completed", "backup_id", id, "duration", time.Since(start))
	m.notify(ctx, EventDeleteEnd, b)
	return nil
}

// enqueueDelete schedules a deletion on the delete queue.
func (m *manager) enqueueDelete(ctx context.Context, id string) {
	log := logger.FromContext(ctx)
	runCtx := context.WithoutCancel(ctx)
	pos := m.deletes.Enqueue(id, func() {
		if err := m.DeleteBackup(runCtx, id); err != nil {
			log.ErrorContext(runCtx, "queued delete failed", "backup_id", id, "error", err)
			m.reclaimErrored(runCtx, id)
		}
	})
	log.InfoContext(ctx, "queued backup deletion", "backup_id", id, "position", pos)
}
