package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// CreateApplication inserts a new Application row, serialized per app_id.
func (s *Store) CreateApplication(ctx context.Context, app model.Application) error {
	lock := s.lockFor(app.AppID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications
			(app_id, name, type, version, status, restart_policy, auto_start, manifest, container_id, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.AppID, app.Name, string(app.Type), app.Version, string(app.Status),
		string(app.RestartPolicy), app.AutoStart, app.Manifest, app.ContainerID, app.Source, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: creating application %s: %w", app.AppID, err)
	}
	return nil
}

// GetApplication fetches a single Application row by id.
func (s *Store) GetApplication(ctx context.Context, appID string) (*model.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, name, type, version, status, restart_policy, auto_start, manifest, container_id, source, created_at, updated_at
		FROM applications WHERE app_id = ?`, appID)

	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting application %s: %w", appID, err)
	}
	return app, nil
}

// ApplicationFilter narrows ListApplications to a subset of rows. Every
// populated field is ANDed together; a zero-value field is ignored. Status
// and Type match exactly; NamePattern matches as a SQL LIKE pattern against
// the app's name (callers pass their own "%"/"_" wildcards).
type ApplicationFilter struct {
	Status      enum.AppStatus
	Type        enum.AppType
	NamePattern string
}

// ListApplications returns Application rows matching filter, ordered by
// creation time. A zero-value filter returns every row.
func (s *Store) ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error) {
	query := `
		SELECT app_id, name, type, version, status, restart_policy, auto_start, manifest, container_id, source, created_at, updated_at
		FROM applications`

	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.NamePattern != "" {
		conditions = append(conditions, "name LIKE ?")
		args = append(args, filter.NamePattern)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning application row: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*model.Application, error) {
	var app model.Application
	var appType, status, restartPolicy string
	err := row.Scan(&app.AppID, &app.Name, &appType, &app.Version, &status, &restartPolicy,
		&app.AutoStart, &app.Manifest, &app.ContainerID, &app.Source, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}
	app.Type = enum.AppType(appType)
	app.Status = enum.AppStatus(status)
	app.RestartPolicy = enum.RestartPolicy(restartPolicy)
	return &app, nil
}

// UpdateApplicationStatus updates status, container_id, and updated_at in a
// single statement, serialized per app_id.
func (s *Store) UpdateApplicationStatus(ctx context.Context, appID string, status enum.AppStatus, containerID string) error {
	lock := s.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET status = ?, container_id = ?, updated_at = ? WHERE app_id = ?`,
		string(status), containerID, time.Now().UTC(), appID)
	if err != nil {
		return fmt.Errorf("store: updating application %s status: %w", appID, err)
	}
	return checkRowsAffected(res, appID)
}

// DeleteApplication removes the Application row and, via ON DELETE CASCADE,
// its runtime state, dependencies, subscriptions, and log lines.
func (s *Store) DeleteApplication(ctx context.Context, appID string) error {
	lock := s.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("store: deleting application %s: %w", appID, err)
	}
	return checkRowsAffected(res, appID)
}

func checkRowsAffected(res sql.Result, appID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking rows affected for %s: %w", appID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
