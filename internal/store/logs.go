package store

import (
	"context"
	"fmt"
	"time"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
)

// AppendLogLine persists one captured log line for appID.
func (s *Store) AppendLogLine(ctx context.Context, line model.LogLine) error {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_lines (app_id, stream, line, timestamp) VALUES (?, ?, ?, ?)`,
		line.AppID, string(line.Stream), line.Line, line.Timestamp)
	if err != nil {
		return fmt.Errorf("store: appending log line for %s: %w", line.AppID, err)
	}
	return nil
}

// TailLogLines returns up to limit most recent log lines for appID, oldest
// first, surviving a runtime root restart (unlike the Log Hub's in-memory
// ring).
func (s *Store) TailLogLines(ctx context.Context, appID string, limit int) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, stream, line, timestamp FROM log_lines
		WHERE app_id = ? ORDER BY id DESC LIMIT ?`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: tailing log lines for %s: %w", appID, err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		var stream string
		if err := rows.Scan(&l.ID, &l.AppID, &stream, &l.Line, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scanning log line row: %w", err)
		}
		l.Stream = enum.StreamKind(stream)
		lines = append(lines, l)
	}

	// rows came back newest-first; reverse to oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, rows.Err()
}

// PruneLogLines deletes log lines for appID older than olderThan, returning
// the number of rows removed. The runtime does not call it on a schedule;
// callers invoke it directly.
func (s *Store) PruneLogLines(ctx context.Context, appID string, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM log_lines WHERE app_id = ? AND timestamp < ?`, appID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: pruning log lines for %s: %w", appID, err)
	}
	return res.RowsAffected()
}
