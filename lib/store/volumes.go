package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/volumes"
)

// GetVolume loads a volume with its attachments.
func (s *Store) GetVolume(ctx context.Context, id string) (*volumes.Volume, error) {
	query := `SELECT id, status, previous_status, size_gb, host, project_id FROM volumes WHERE id = $1`

	var v volumes.Volume
	err := s.db.QueryRowContext(ctx, query, id).Scan(&v.Id, &v.Status, &v.PreviousStatus, &v.SizeGb, &v.Host, &v.ProjectId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", volumes.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get volume %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attached_host, instance_uuid FROM volume_attachments WHERE volume_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list attachments of volume %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a volumes.Attachment
		if err := rows.Scan(&a.Id, &a.AttachedHost, &a.InstanceUUID); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		v.Attachments = append(v.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments of volume %s: %w", id, err)
	}
	return &v, nil
}

// UpdateVolume sets the status of a volume and, if given, its previous
// status. With upd.Expected set the write only happens if the stored status
// still matches, and a mismatch returns volumes.ErrStatusConflict.
func (s *Store) UpdateVolume(ctx context.Context, id string, upd volumes.Update) error {
	var (
		res sql.Result
		err error
	)
	if upd.PreviousStatus != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE volumes SET status = $2, previous_status = $3, updated_at = now() WHERE id = $1 AND ($4::text = '' OR status = $4)`,
			id, upd.Status, *upd.PreviousStatus, upd.Expected)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE volumes SET status = $2, updated_at = now() WHERE id = $1 AND ($3::text = '' OR status = $3)`,
			id, upd.Status, upd.Expected)
	}
	if err != nil {
		return fmt.Errorf("update volume %s: %w", id, err)
	}
	if upd.Expected == "" {
		return requireRow(res, volumes.ErrNotFound, id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM volumes WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", volumes.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get volume status %s: %w", id, err)
	}
	return fmt.Errorf("%w: volume %s is %s, expected %s", volumes.ErrStatusConflict, id, current, upd.Expected)
}

// GetSnapshot loads a snapshot.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*volumes.Snapshot, error) {
	query := `SELECT id, volume_id, status, size_gb, volume_host FROM snapshots WHERE id = $1`

	var snap volumes.Snapshot
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snap.Id, &snap.VolumeId, &snap.Status, &snap.SizeGb, &snap.VolumeHost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", volumes.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// UpdateSnapshotStatus sets the status of a snapshot.
func (s *Store) UpdateSnapshotStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update snapshot %s: %w", id, err)
	}
	return requireRow(res, volumes.ErrSnapshotNotFound, id)
}

func requireRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
