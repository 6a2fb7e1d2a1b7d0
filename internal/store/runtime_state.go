package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
)

// UpsertRuntimeState writes the current RuntimeState for an app, inserting
// a row on first write and updating thereafter.
func (s *Store) UpsertRuntimeState(ctx context.Context, rs model.RuntimeState) error {
	lock := s.lockFor(rs.AppID)
	lock.Lock()
	defer lock.Unlock()

	rs.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_states
			(app_id, state, restart_count, last_exit_code, last_error, started_at, stopped_at, next_restart_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			state = excluded.state,
			restart_count = excluded.restart_count,
			last_exit_code = excluded.last_exit_code,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			next_restart_at = excluded.next_restart_at,
			updated_at = excluded.updated_at`,
		rs.AppID, string(rs.State), rs.RestartCount, rs.LastExitCode, rs.LastError,
		rs.StartedAt, rs.StoppedAt, rs.NextRestartAt, rs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upserting runtime state for %s: %w", rs.AppID, err)
	}
	return nil
}

// GetRuntimeState returns the RuntimeState for appID.
func (s *Store) GetRuntimeState(ctx context.Context, appID string) (*model.RuntimeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, state, restart_count, last_exit_code, last_error, started_at, stopped_at, next_restart_at, updated_at
		FROM runtime_states WHERE app_id = ?`, appID)

	var rs model.RuntimeState
	var state string
	err := row.Scan(&rs.AppID, &state, &rs.RestartCount, &rs.LastExitCode, &rs.LastError,
		&rs.StartedAt, &rs.StoppedAt, &rs.NextRestartAt, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting runtime state for %s: %w", appID, err)
	}
	rs.State = enum.LifecycleState(state)
	return &rs, nil
}
