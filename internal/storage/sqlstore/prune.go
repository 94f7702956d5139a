package sqlstore

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/storage"
)

// GetPrunableMessageIDs selects message IDs eligible for removal under the
// given options, in ascending ID order.
func (s *SQLStore) GetPrunableMessageIDs(ctx context.Context, channelID string, opts storage.PruneOptions) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}

	m := messageTable(suffix)
	stmt := `SELECT ID FROM ` + m + ` WHERE RECEIVED_DATE < ?`
	args := []any{opts.Before}
	if opts.SkipIncomplete {
		stmt += ` AND PROCESSED = ?`
		args = append(args, true)
	}
	if len(opts.SkipStatuses) > 0 {
		stmt += ` AND NOT EXISTS (SELECT 1 FROM ` + connectorMessageTable(suffix) +
			` MM WHERE MM.MESSAGE_ID = ` + m + `.ID AND MM.STATUS IN (` + placeholders(len(opts.SkipStatuses)) + `))`
		for _, st := range opts.SkipStatuses {
			args = append(args, st.Code())
		}
	}
	stmt += ` ORDER BY ID`
	if opts.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select prunable messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveMessages deletes whole messages by ID. Connector rows, content,
// attachments, and custom metadata follow through the cascading foreign
// keys. Returns how many message rows were deleted.
func (s *SQLStore) RemoveMessages(ctx context.Context, channelID string, messageIDs []int64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, chunk := range chunkIDs(messageIDs, 500) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+messageTable(suffix)+` WHERE ID IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to remove messages: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// RemoveContent deletes the content rows of the given messages while
// keeping the message and connector metadata. Returns how many content rows
// were deleted.
func (s *SQLStore) RemoveContent(ctx context.Context, channelID string, messageIDs []int64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, chunk := range chunkIDs(messageIDs, 500) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+contentTable(suffix)+` WHERE MESSAGE_ID IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to remove content: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// RemoveAllMessages truncates a channel's message data and restarts its ID
// sequence. Statistics are left alone; use ResetStatistics for those.
func (s *SQLStore) RemoveAllMessages(ctx context.Context, channelID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+messageTable(suffix)); err != nil {
		return fmt.Errorf("failed to remove all messages for channel %s: %w", channelID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE `+sequenceTable(suffix)+` SET NEXT_ID = 0 WHERE SEQ_KEY = 1`); err != nil {
		return fmt.Errorf("failed to reset message sequence for channel %s: %w", channelID, err)
	}
	return nil
}
