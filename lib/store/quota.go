package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

// ReserveQuota records pending usage deltas for a project and returns the
// reservation id to commit later.
func (s *Store) ReserveQuota(ctx context.Context, projectID string, deltas map[string]int64) (string, error) {
	id := cuid2.Generate()

	resources := lo.Keys(deltas)
	slices.Sort(resources)

	err := s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		for _, r := range resources {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO quota_usages (project_id, resource, reserved) VALUES ($1, $2, $3)
				 ON CONFLICT (project_id, resource) DO UPDATE SET reserved = quota_usages.reserved + EXCLUDED.reserved`,
				projectID, r, deltas[r]); err != nil {
				return fmt.Errorf("reserve %s: %w", r, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reservations (id, project_id, resource, delta) VALUES ($1, $2, $3, $4)`,
				id, projectID, r, deltas[r]); err != nil {
				return fmt.Errorf("record reservation %s: %w", r, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reserve quota for project %s: %w", projectID, err)
	}
	return id, nil
}

// CommitQuota moves the reserved deltas of a reservation into usage and
// removes the reservation. Usage never goes below zero.
func (s *Store) CommitQuota(ctx context.Context, reservationID string) error {
	err := s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE quota_usages q SET
				in_use = GREATEST(q.in_use + r.delta, 0),
				reserved = q.reserved - r.delta
			 FROM reservations r
			 WHERE r.id = $1 AND q.project_id = r.project_id AND q.resource = r.resource`,
			reservationID); err != nil {
			return fmt.Errorf("apply reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, reservationID); err != nil {
			return fmt.Errorf("remove reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit quota reservation %s: %w", reservationID, err)
	}
	return nil
}
