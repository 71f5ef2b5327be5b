package backups

import (
	"context"

	"github.com/onkernel/backupd/lib/logger"
)

// Usage notification events.
const (
	EventCreateStart  = "backup.create.start"
	EventCreateEnd    = "backup.create.end"
	EventRestoreStart = "backup.restore.start"
	EventRestoreEnd   = "backup.restore.end"
	EventDeleteStart  = "backup.delete.start"
	EventDeleteEnd    = "backup.delete.end"
)

// Notifier receives usage events for billing and auditing.
type Notifier interface {
	Notify(ctx context.Context, event string, b *Backup)
}

// LogNotifier emits usage events as structured log lines.
type LogNotifier struct{}

// Notify logs the event with the backup's usage-relevant fields.
func (LogNotifier) Notify(ctx context.Context, event string, b *Backup) {
	logger.FromContext(ctx).InfoContext(ctx, "usage notification",
		"event", event,
		"backup_id", b.Id,
		"volume_id", b.VolumeId,
		"project_id", b.ProjectId,
		"status", b.Status,
		"size_gb", b.SizeGb,
		"availability_zone", b.AvailabilityZone,
	)
}

func (m *manager) notify(ctx context.Context, event string, b *Backup) {
	m.recordNotification(ctx, event)
	if m.notifier != nil {
		m.notifier.Notify(ctx, event, b)
	}
}
