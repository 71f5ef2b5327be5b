package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/logger"
)

const backupColumns = `id, volume_id, snapshot_id, parent_id, num_dependent_backups, status,
	fail_reason, host, service, availability_zone, project_id, user_id, display_name,
	display_description, container, service_metadata, object_count, size_gb,
	restore_volume_id, temp_volume_id, temp_snapshot_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*backups.Backup, error) {
	var b backups.Backup
	err := row.Scan(
		&b.Id, &b.VolumeId, &b.SnapshotId, &b.ParentId, &b.NumDependentBackups, &b.Status,
		&b.FailReason, &b.Host, &b.Service, &b.AvailabilityZone, &b.ProjectId, &b.UserId, &b.DisplayName,
		&b.DisplayDescription, &b.Container, &b.ServiceMetadata, &b.ObjectCount, &b.SizeGb,
		&b.RestoreVolumeId, &b.TempVolumeId, &b.TempSnapshotId, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBackup loads one backup.
func (s *Store) GetBackup(ctx context.Context, id string) (*backups.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`

	b, err := scanBackup(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", backups.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	return b, nil
}

// ListBackupsByHost returns the backups owned by host, ordered by id.
func (s *Store) ListBackupsByHost(ctx context.Context, host string) ([]*backups.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE host = $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, host)
	if err != nil {
		return nil, fmt.Errorf("list backups for host %s: %w", host, err)
	}
	defer rows.Close()

	var out []*backups.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backups for host %s: %w", host, err)
	}
	return out, nil
}

// SaveBackup writes the mutable fields of b. With a non-empty expected
// status the write only happens if the stored status still matches.
// Temp resource ids are left alone; only ClearTempResources and the
// volume API record them.
func (s *Store) SaveBackup(ctx context.Context, b *backups.Backup, expected backups.Status) error {
	query := `UPDATE backups SET
		volume_id = $2, snapshot_id = $3, parent_id = $4, status = $5, fail_reason = $6,
		host = $7, service = $8, availability_zone = $9, display_name = $10,
		display_description = $11, container = $12, service_metadata = $13, object_count = $14,
		size_gb = $15, restore_volume_id = $16,
		updated_at = now()
		WHERE id = $1 AND ($17::text = '' OR status = $17)`

	res, err := s.db.ExecContext(ctx, query,
		b.Id, b.VolumeId, b.SnapshotId, b.ParentId, string(b.Status), b.FailReason,
		b.Host, b.Service, b.AvailabilityZone, b.DisplayName,
		b.DisplayDescription, b.Container, b.ServiceMetadata, b.ObjectCount,
		b.SizeGb, b.RestoreVolumeId,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", b.Id, err)
	}
	return s.checkGuarded(ctx, res, b.Id, expected)
}

// checkGuarded turns a zero-row conditional update into ErrNotFound or
// ErrStatusConflict.
func (s *Store) checkGuarded(ctx context.Context, res sql.Result, id string, expected backups.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM backups WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", backups.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get backup status %s: %w", id, err)
	}
	logger.FromContext(ctx).DebugContext(ctx, "conditional backup update lost",
		"backup_id", id, "expected", expected, "current", current)
	return fmt.Errorf("%w: backup %s is %s, expected %s", backups.ErrStatusConflict, id, current, expected)
}

// DestroyBackup removes a backup still in the deleting status.
func (s *Store) DestroyBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1 AND status = $2`, id, string(backups.StatusDeleting))
	if err != nil {
		return fmt.Errorf("destroy backup %s: %w", id, err)
	}
	return s.checkGuarded(ctx, res, id, backups.StatusDeleting)
}

// AdjustDependentBackups adds delta to the dependent count of id. A change
// that would go below zero is skipped.
func (s *Store) AdjustDependentBackups(ctx context.Context, id string, delta int) error {
	query := `UPDATE backups SET num_dependent_backups = num_dependent_backups + $2, updated_at = now()
		WHERE id = $1 AND num_dependent_backups + $2 >= 0`

	res, err := s.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("adjust dependents of backup %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetBackup(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ClearTempResources empties the temporary volume and/or snapshot ids.
func (s *Store) ClearTempResources(ctx context.Context, id string, volume, snapshot bool) error {
	if !volume && !snapshot {
		return nil
	}
	query := `UPDATE backups SET
		temp_volume_id = CASE WHEN $2::boolean THEN '' ELSE temp_volume_id END,
		temp_snapshot_id = CASE WHEN $3::boolean THEN '' ELSE temp_snapshot_id END,
		updated_at = now()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, volume, snapshot)
	if err != nil {
		return fmt.Errorf("clear temp resources of backup %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", backups.ErrNotFound, id)
	}
	return nil
}
