package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// AttachmentSegmentSize is the largest single row an attachment occupies.
// Bigger attachments are split across consecutive SEGMENT_ID rows.
const AttachmentSegmentSize = 10_000_000

// InsertAttachment stores an attachment, segmented when its content exceeds
// AttachmentSegmentSize.
func (s *SQLStore) InsertAttachment(ctx context.Context, channelID string, messageID int64, att *types.Attachment) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}
	return insertAttachment(ctx, s.db, suffix, messageID, att)
}

func insertAttachment(ctx context.Context, q dbtx, suffix string, messageID int64, att *types.Attachment) error {
	if att.ID == "" {
		return fmt.Errorf("attachment id is required")
	}
	table := attachmentTable(suffix)
	content := att.Content
	segment := 1
	for {
		part := content
		if len(part) > AttachmentSegmentSize {
			part = content[:AttachmentSegmentSize]
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO `+table+` (ID, MESSAGE_ID, TYPE, SEGMENT_ID, ATTACHMENT_SIZE, CONTENT) VALUES (?, ?, ?, ?, ?, ?)`,
			att.ID, messageID, nullString(att.Type), segment, len(part), part)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %s segment %d: %w", att.ID, segment, err)
		}
		if len(content) <= AttachmentSegmentSize {
			return nil
		}
		content = content[AttachmentSegmentSize:]
		segment++
	}
}

// GetAttachment reassembles one attachment from its segments
func (s *SQLStore) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*types.Attachment, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT TYPE, CONTENT FROM `+attachmentTable(suffix)+` WHERE ID = ? AND MESSAGE_ID = ? ORDER BY SEGMENT_ID`,
		attachmentID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment %s: %w", attachmentID, err)
	}
	defer func() { _ = rows.Close() }()

	att := &types.Attachment{ID: attachmentID}
	found := false
	for rows.Next() {
		var attType sql.NullString
		var segment []byte
		if err := rows.Scan(&attType, &segment); err != nil {
			return nil, fmt.Errorf("failed to scan attachment segment: %w", err)
		}
		att.Type = attType.String
		att.Content = append(att.Content, segment...)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("attachment %s on message %d: %w", attachmentID, messageID, storage.ErrNotFound)
	}
	return att, nil
}

// GetAttachments returns every attachment of a message, reassembled
func (s *SQLStore) GetAttachments(ctx context.Context, channelID string, messageID int64) ([]*types.Attachment, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ID, TYPE, CONTENT FROM `+attachmentTable(suffix)+` WHERE MESSAGE_ID = ? ORDER BY ID, SEGMENT_ID`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments for message %d: %w", messageID, err)
	}
	defer func() { _ = rows.Close() }()

	byID := map[string]*types.Attachment{}
	var order []string
	for rows.Next() {
		var id string
		var attType sql.NullString
		var segment []byte
		if err := rows.Scan(&id, &attType, &segment); err != nil {
			return nil, fmt.Errorf("failed to scan attachment segment: %w", err)
		}
		att := byID[id]
		if att == nil {
			att = &types.Attachment{ID: id, Type: attType.String}
			byID[id] = att
			order = append(order, id)
		}
		att.Content = append(att.Content, segment...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(order)
	out := make([]*types.Attachment, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// RemoveAttachments deletes every attachment of the given messages and
// returns the number of segment rows removed.
func (s *SQLStore) RemoveAttachments(ctx context.Context, channelID string, messageIDs []int64) (int64, error) {
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
			`DELETE FROM `+attachmentTable(suffix)+` WHERE MESSAGE_ID IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, fmt.Errorf("failed to remove attachments: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
