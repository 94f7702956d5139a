package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meridianhq/meridian/internal/storage"
)

// SetConfig upserts one configuration value under a category
func (s *SQLStore) SetConfig(ctx context.Context, category, name, value string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.UpsertConfigSQL(), category, name, value); err != nil {
		return fmt.Errorf("failed to set config %s/%s: %w", category, name, err)
	}
	return nil
}

// GetConfig reads one configuration value. Missing entries return
// storage.ErrNotFound.
func (s *SQLStore) GetConfig(ctx context.Context, category, name string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT VALUE FROM CONFIGURATION WHERE CATEGORY = ? AND NAME = ?`, category, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %s/%s: %w", category, name, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s/%s: %w", category, name, err)
	}
	return value.String, nil
}

// GetConfigCategory reads every name/value pair under one category
func (s *SQLStore) GetConfigCategory(ctx context.Context, category string) (map[string]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT NAME, VALUE FROM CONFIGURATION WHERE CATEGORY = ? ORDER BY NAME`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list config category %s: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		out[name] = value.String
	}
	return out, rows.Err()
}

// RemoveConfig deletes one configuration entry; removing a missing entry is
// not an error.
func (s *SQLStore) RemoveConfig(ctx context.Context, category, name string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM CONFIGURATION WHERE CATEGORY = ? AND NAME = ?`, category, name); err != nil {
		return fmt.Errorf("failed to remove config %s/%s: %w", category, name, err)
	}
	return nil
}
