package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveChannel upserts a channel's configuration row. The caller owns the
// revision number; deploy bumps it before saving.
func (s *SQLStore) SaveChannel(ctx context.Context, channel *types.Channel) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := channel.Validate(); err != nil {
		return fmt.Errorf("invalid channel: %w", err)
	}
	encoded, err := json.MarshalToString(channel)
	if err != nil {
		return fmt.Errorf("failed to encode channel %s: %w", channel.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.UpsertChannelSQL(),
		channel.ID, channel.Name, channel.Revision, encoded); err != nil {
		return fmt.Errorf("failed to save channel %s: %w", channel.ID, err)
	}
	return nil
}

// GetChannel loads one channel configuration by ID
func (s *SQLStore) GetChannel(ctx context.Context, channelID string) (*types.Channel, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT CHANNEL FROM CHANNELS WHERE CHANNEL_ID = ?`, channelID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, storage.ErrChannelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	return decodeChannel(encoded)
}

// GetChannels loads every stored channel configuration, ordered by name
func (s *SQLStore) GetChannels(ctx context.Context) ([]*types.Channel, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT CHANNEL FROM CHANNELS ORDER BY NAME`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*types.Channel
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		ch, err := decodeChannel(encoded)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// RemoveChannel deletes the configuration row. The channel's message tables
// are removed separately by RemoveChannelTables.
func (s *SQLStore) RemoveChannel(ctx context.Context, channelID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM CHANNELS WHERE CHANNEL_ID = ?`, channelID)
	if err != nil {
		return fmt.Errorf("failed to remove channel %s: %w", channelID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", channelID, storage.ErrChannelNotFound)
	}
	return nil
}

func decodeChannel(encoded string) (*types.Channel, error) {
	var ch types.Channel
	if err := json.UnmarshalFromString(encoded, &ch); err != nil {
		return nil, fmt.Errorf("failed to decode channel configuration: %w", err)
	}
	ch.SetDefaults()
	return &ch, nil
}

// CreateChannelTables creates the per-channel table set if it does not
// exist. When the tables already exist, only custom metadata columns that
// were added to the channel since the last deploy are created; existing
// columns are never altered or dropped.
func (s *SQLStore) CreateChannelTables(ctx context.Context, channelID string, columns []types.MetaDataColumn) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}

	exists, err := s.tableExists(ctx, messageTable(suffix))
	if err != nil {
		return err
	}
	if exists {
		return s.addMissingMetaDataColumns(ctx, suffix, columns)
	}

	for _, stmt := range channelSchema(s.dialect, suffix, columns) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables for channel %s: %w", channelID, err)
		}
	}
	return nil
}

// HasChannelTables reports whether the channel's message table exists
func (s *SQLStore) HasChannelTables(ctx context.Context, channelID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return false, err
	}
	return s.tableExists(ctx, messageTable(suffix))
}

// RemoveChannelTables drops the channel's whole table set. Missing tables
// are ignored so a partial previous removal can be finished.
func (s *SQLStore) RemoveChannelTables(ctx context.Context, channelID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}
	for _, table := range channelTables(suffix) {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLStore) tableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.TableExistsSQL(), table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return true, nil
}

// addMissingMetaDataColumns diffs the MCM table's columns against the
// configured metadata columns and adds whatever is missing. Resolving the
// current columns through a zero-row select keeps this backend-agnostic.
func (s *SQLStore) addMissingMetaDataColumns(ctx context.Context, suffix string, columns []types.MetaDataColumn) error {
	if len(columns) == 0 {
		return nil
	}
	table := customMetaDataTable(suffix)
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table+" LIMIT 0")
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	existing, err := rows.Columns()
	closeErr := rows.Close()
	if err != nil {
		return fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to list columns of %s: %w", table, closeErr)
	}

	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for _, col := range columns {
		name := quoteIdent(col.Name)
		if have[name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, metaDataColumnType(col.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add metadata column %s: %w", name, err)
		}
	}
	return nil
}
