package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

// InsertEvent appends one row to the server event log
func (s *SQLStore) InsertEvent(ctx context.Context, event *types.ServerEvent) error {
	if err := s.guard(); err != nil {
		return err
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	attrs := ""
	if len(event.Attributes) > 0 {
		encoded, err := json.MarshalToString(event.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode event attributes: %w", err)
		}
		attrs = encoded
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO EVENTS (EVENT_TIME, SERVER_ID, LEVEL, NAME, OUTCOME, ATTRIBUTES) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventTime, nullString(event.ServerID), string(event.Level), event.Name,
		nullString(string(event.Outcome)), nullString(attrs))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns the newest events first
func (s *SQLStore) GetEvents(ctx context.Context, limit int) ([]*types.ServerEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	stmt := `SELECT ID, EVENT_TIME, SERVER_ID, LEVEL, NAME, OUTCOME, ATTRIBUTES FROM EVENTS ORDER BY ID DESC`
	var args []any
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.ServerEvent
	for rows.Next() {
		ev := &types.ServerEvent{}
		var serverID, outcome, attrs sql.NullString
		var level string
		if err := rows.Scan(&ev.ID, &ev.EventTime, &serverID, &level, &ev.Name, &outcome, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.ServerID = serverID.String
		ev.Level = types.EventLevel(level)
		ev.Outcome = types.EventOutcome(outcome.String)
		if attrs.Valid && attrs.String != "" {
			if err := json.UnmarshalFromString(attrs.String, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode event attributes: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the cutoff, returning the count
func (s *SQLStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM EVENTS WHERE EVENT_TIME < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
