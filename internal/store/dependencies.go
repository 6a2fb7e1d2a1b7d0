package store

import (
	"context"
	"fmt"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
)

// ReplaceDependencies deletes any existing Dependency rows for appID and
// inserts the supplied set, all within one transaction.
func (s *Store) ReplaceDependencies(ctx context.Context, appID string, deps []model.Dependency) error {
	lock := s.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning dependency tx for %s: %w", appID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE app_id = ?`, appID); err != nil {
		return fmt.Errorf("store: clearing dependencies for %s: %w", appID, err)
	}

	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (app_id, kind, target, satisfied) VALUES (?, ?, ?, ?)`,
			appID, string(d.Kind), d.Target, d.Satisfied,
		); err != nil {
			return fmt.Errorf("store: inserting dependency for %s: %w", appID, err)
		}
	}

	return tx.Commit()
}

// ListDependencies returns every Dependency row for appID.
func (s *Store) ListDependencies(ctx context.Context, appID string) ([]model.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, kind, target, satisfied FROM dependencies WHERE app_id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: listing dependencies for %s: %w", appID, err)
	}
	defer rows.Close()

	var deps []model.Dependency
	for rows.Next() {
		var d model.Dependency
		var kind string
		if err := rows.Scan(&d.ID, &d.AppID, &kind, &d.Target, &d.Satisfied); err != nil {
			return nil, fmt.Errorf("store: scanning dependency row: %w", err)
		}
		d.Kind = enum.DependencyKind(kind)
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// MarkDependencySatisfied flips the satisfied flag for a single dependency.
func (s *Store) MarkDependencySatisfied(ctx context.Context, id int64, satisfied bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dependencies SET satisfied = ? WHERE id = ?`, satisfied, id)
	if err != nil {
		return fmt.Errorf("store: updating dependency %d: %w", id, err)
	}
	return nil
}
