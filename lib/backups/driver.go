package backups

import (
	"context"
	"io"
)

// Driver stores and retrieves backup data.
type Driver interface {
	// Backup reads the source device to the end and stores it under b.
	Backup(ctx context.Context, b *Backup, src io.Reader) (*BackupUpdates, error)

	// Restore writes the data of b to dst, the device of volumeID.
	Restore(ctx context.Context, b *Backup, volumeID string, dst io.Writer) error

	// Delete removes the stored data of b. Missing data is not an error.
	Delete(ctx context.Context, b *Backup) error

	// ExportRecord returns driver-private data needed to import b elsewhere.
	ExportRecord(ctx context.Context, b *Backup) (map[string]any, error)

	// ImportRecord accepts the driver-private data of an exported record and
	// may fill in fields of b.
	ImportRecord(ctx context.Context, b *Backup, driverInfo map[string]any) error

	// SupportsForceDelete reports whether a backup in any status may be deleted.
	SupportsForceDelete() bool

	// Verifier returns the driver's verification capability, or nil.
	Verifier() Verifier
}

// Verifier checks that stored data for a backup is intact.
type Verifier interface {
	Verify(ctx context.Context, backupID string) error
}

// HealthChecker is implemented by drivers that can report readiness.
type HealthChecker interface {
	IsWorking(ctx context.Context) bool
}
