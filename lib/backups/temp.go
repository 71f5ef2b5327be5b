package backups

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
)

// TempTracker deletes the temporary volumes and snapshots the volume service
// creates to back up in-use volumes, and clears their ids from the backup.
type TempTracker struct {
	store   Store
	volumes volumes.API
	metrics *Metrics
}

// NewTempTracker creates a tracker. metrics may be nil.
func NewTempTracker(store Store, vols volumes.API, metrics *Metrics) *TempTracker {
	return &TempTracker{store: store, volumes: vols, metrics: metrics}
}

// ReclaimIfErrored reclaims temporary resources only if b ended in error.
func (t *TempTracker) ReclaimIfErrored(ctx context.Context, b *Backup) error {
	if b.Status != StatusError {
		return nil
	}
	return t.reclaim(ctx, b)
}

// ReclaimOnSuccess reclaims temporary resources once a create has finished.
func (t *TempTracker) ReclaimOnSuccess(ctx context.Context, b *Backup) error {
	return t.reclaim(ctx, b)
}

func (t *TempTracker) reclaim(ctx context.Context, b *Backup) error {
	var errs []error

	if b.TempVolumeId != "" {
		if err := t.deleteVolume(ctx, b.TempVolumeId); err != nil {
			errs = append(errs, err)
		} else if err := t.store.ClearTempResources(ctx, b.Id, true, false); err != nil {
			errs = append(errs, fmt.Errorf("clear temp volume of backup %s: %w", b.Id, err))
		} else {
			b.TempVolumeId = ""
		}
	}

	if b.TempSnapshotId != "" {
		if err := t.deleteSnapshot(ctx, b.TempSnapshotId); err != nil {
			errs = append(errs, err)
		} else if err := t.store.ClearTempResources(ctx, b.Id, false, true); err != nil {
			errs = append(errs, fmt.Errorf("clear temp snapshot of backup %s: %w", b.Id, err))
		} else {
			b.TempSnapshotId = ""
		}
	}

	return errors.Join(errs...)
}

func (t *TempTracker) deleteVolume(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	vol, err := t.store.GetVolume(ctx, id)
	if errors.Is(err, volumes.ErrNotFound) {
		log.DebugContext(ctx, "temporary volume already gone", "volume_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load temp volume %s: %w", id, err)
	}
	if err := t.volumes.DeleteVolume(ctx, vol); err != nil && !errors.Is(err, volumes.ErrNotFound) {
		return fmt.Errorf("delete temp volume %s: %w", id, err)
	}
	log.InfoContext(ctx, "deleted temporary volume", "volume_id", id)
	t.metrics.recordReclaimed(ctx, "volume")
	return nil
}

func (t *TempTracker) deleteSnapshot(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	snap, err := t.store.GetSnapshot(ctx, id)
	if errors.Is(err, volumes.ErrSnapshotNotFound) {
		log.DebugContext(ctx, "temporary snapshot already gone", "snapshot_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load temp snapshot %s: %w", id, err)
	}
	if err := t.store.UpdateSnapshotStatus(ctx, id, volumes.SnapshotDeleting); err != nil {
		return fmt.Errorf("mark temp snapshot %s deleting: %w", id, err)
	}
	snap.Status = volumes.SnapshotDeleting
	if err := t.volumes.DeleteSnapshot(ctx, snap); err != nil && !errors.Is(err, volumes.ErrSnapshotNotFound) {
		return fmt.Errorf("delete temp snapshot %s: %w", id, err)
	}
	log.InfoContext(ctx, "deleted temporary snapshot", "snapshot_id", id)
	t.metrics.recordReclaimed(ctx, "snapshot")
	return nil
}
