package store

import (
	"context"
	"fmt"

	"edgeruntime/internal/model"
)

// AddSignalSubscription records that appID wants updates for path.
func (s *Store) AddSignalSubscription(ctx context.Context, appID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_subscriptions (app_id, path) VALUES (?, ?)
		ON CONFLICT(app_id, path) DO NOTHING`, appID, path)
	if err != nil {
		return fmt.Errorf("store: subscribing %s to %s: %w", appID, path, err)
	}
	return nil
}

// RemoveSignalSubscription drops a single (app_id, path) subscription.
func (s *Store) RemoveSignalSubscription(ctx context.Context, appID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM signal_subscriptions WHERE app_id = ? AND path = ?`, appID, path)
	if err != nil {
		return fmt.Errorf("store: unsubscribing %s from %s: %w", appID, path, err)
	}
	return nil
}

// ListSubscribersForPath returns every app_id subscribed to path.
func (s *Store) ListSubscribersForPath(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_id FROM signal_subscriptions WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("store: listing subscribers for %s: %w", path, err)
	}
	defer rows.Close()

	var appIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning subscriber row: %w", err)
		}
		appIDs = append(appIDs, id)
	}
	return appIDs, rows.Err()
}

// ListSubscriptionsForApp returns every SignalSubscription for appID.
func (s *Store) ListSubscriptionsForApp(ctx context.Context, appID string) ([]model.SignalSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_id, path FROM signal_subscriptions WHERE app_id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: listing subscriptions for %s: %w", appID, err)
	}
	defer rows.Close()

	var subs []model.SignalSubscription
	for rows.Next() {
		var sub model.SignalSubscription
		if err := rows.Scan(&sub.AppID, &sub.Path); err != nil {
			return nil, fmt.Errorf("store: scanning subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
