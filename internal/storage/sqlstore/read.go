package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// GetMessage loads one message with its connector views. Content slots and
// maps are loaded only when includeContent is set.
func (s *SQLStore) GetMessage(ctx context.Context, channelID string, messageID int64, includeContent bool) (*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	msg, err := s.loadMessageRow(ctx, suffix, channelID, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.loadConnectorMessages(ctx, suffix, channelID, []*types.Message{msg}); err != nil {
		return nil, err
	}
	if includeContent {
		if err := s.loadContent(ctx, suffix, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// GetMessagesByIDs loads full messages (content included) for the given IDs,
// in ascending ID order. Missing IDs are silently skipped.
func (s *SQLStore) GetMessagesByIDs(ctx context.Context, channelID string, messageIDs []int64) ([]*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	var out []*types.Message
	for _, chunk := range chunkIDs(messageIDs, 500) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			messageSelect(suffix)+` WHERE ID IN (`+placeholders(len(chunk))+`) ORDER BY ID`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		msgs, err := scanMessages(rows, channelID)
		if err != nil {
			return nil, err
		}
		if err := s.loadConnectorMessages(ctx, suffix, channelID, msgs); err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			if err := s.loadContent(ctx, suffix, msg); err != nil {
				return nil, err
			}
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// GetUnfinishedMessages returns messages not yet marked processed, oldest
// first, with full content so recovery can resume them.
func (s *SQLStore) GetUnfinishedMessages(ctx context.Context, channelID, serverID string, limit int) ([]*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	stmt := messageSelect(suffix) + ` WHERE PROCESSED = ?`
	args := []any{false}
	if serverID != "" {
		stmt += ` AND SERVER_ID = ?`
		args = append(args, serverID)
	}
	stmt += ` ORDER BY ID`
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load unfinished messages: %w", err)
	}
	msgs, err := scanMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.loadConnectorMessages(ctx, suffix, channelID, msgs); err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := s.loadContent(ctx, suffix, msg); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// GetQueuedConnectorMessages returns QUEUED connector messages for one
// destination, oldest message first, with their content and maps loaded so
// the queue can redispatch them.
func (s *SQLStore) GetQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*types.ConnectorMessage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	stmt := connectorSelect(suffix) + ` WHERE ID = ? AND STATUS = ? ORDER BY MESSAGE_ID`
	args := []any{metaDataID, types.StatusQueued.Code()}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued messages: %w", err)
	}
	cms, err := scanConnectorMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	for _, cm := range cms {
		if err := s.loadConnectorContent(ctx, suffix, cm); err != nil {
			return nil, err
		}
	}
	return cms, nil
}

// GetMessages searches a channel's messages, newest first. Content is not
// loaded; use GetMessage or GetMessagesByIDs for full bodies.
func (s *SQLStore) GetMessages(ctx context.Context, channelID string, filter *types.MessageFilter) ([]*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	where, args := buildMessageFilter(suffix, filter)
	stmt := messageSelect(suffix) + where + ` ORDER BY ID DESC`
	if filter != nil && filter.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			stmt += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	msgs, err := scanMessages(rows, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.loadConnectorMessages(ctx, suffix, channelID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessageCount counts the messages a filter matches
func (s *SQLStore) GetMessageCount(ctx context.Context, channelID string, filter *types.MessageFilter) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return 0, err
	}
	where, args := buildMessageFilter(suffix, filter)
	var count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+messageTable(suffix)+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func messageSelect(suffix string) string {
	return `SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID, IMPORT_CHANNEL_ID FROM ` + messageTable(suffix)
}

func connectorSelect(suffix string) string {
	return `SELECT ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID FROM ` + connectorMessageTable(suffix)
}

// buildMessageFilter renders a MessageFilter as a WHERE clause on the
// message table. All per-connector conditions go through EXISTS subqueries
// so a message matches when any of its connectors does.
func buildMessageFilter(suffix string, filter *types.MessageFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}
	var conds []string
	var args []any

	if filter.MinMessageID != nil {
		conds = append(conds, "ID >= ?")
		args = append(args, *filter.MinMessageID)
	}
	if filter.MaxMessageID != nil {
		conds = append(conds, "ID <= ?")
		args = append(args, *filter.MaxMessageID)
	}
	if filter.OriginalID != nil {
		conds = append(conds, "ORIGINAL_ID = ?")
		args = append(args, *filter.OriginalID)
	}
	if filter.StartDate != nil {
		conds = append(conds, "RECEIVED_DATE >= ?")
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		conds = append(conds, "RECEIVED_DATE <= ?")
		args = append(args, *filter.EndDate)
	}
	if filter.ServerID != "" {
		conds = append(conds, "SERVER_ID = ?")
		args = append(args, filter.ServerID)
	}
	if filter.Processed != nil {
		conds = append(conds, "PROCESSED = ?")
		args = append(args, *filter.Processed)
	}
	if len(filter.Statuses) > 0 || len(filter.IncludedMetaDataIDs) > 0 {
		sub := `EXISTS (SELECT 1 FROM ` + connectorMessageTable(suffix) + ` MM WHERE MM.MESSAGE_ID = ` + messageTable(suffix) + `.ID`
		if len(filter.Statuses) > 0 {
			sub += ` AND MM.STATUS IN (` + placeholders(len(filter.Statuses)) + `)`
			for _, st := range filter.Statuses {
				args = append(args, st.Code())
			}
		}
		if len(filter.IncludedMetaDataIDs) > 0 {
			sub += ` AND MM.ID IN (` + placeholders(len(filter.IncludedMetaDataIDs)) + `)`
			for _, id := range filter.IncludedMetaDataIDs {
				args = append(args, id)
			}
		}
		conds = append(conds, sub+`)`)
	}
	if filter.TextSearch != "" {
		pattern := "%" + filter.TextSearch + "%"
		sub := `(EXISTS (SELECT 1 FROM ` + contentTable(suffix) + ` MC WHERE MC.MESSAGE_ID = ` + messageTable(suffix) + `.ID AND MC.CONTENT LIKE ?`
		args = append(args, pattern)
		if len(filter.ContentTypes) > 0 {
			sub += ` AND MC.CONTENT_TYPE IN (` + placeholders(len(filter.ContentTypes)) + `)`
			for _, ct := range filter.ContentTypes {
				args = append(args, int(ct))
			}
		}
		sub += `) OR EXISTS (SELECT 1 FROM ` + connectorMessageTable(suffix) + ` MM2 WHERE MM2.MESSAGE_ID = ` + messageTable(suffix) + `.ID AND MM2.CONNECTOR_NAME LIKE ?))`
		args = append(args, pattern)
		conds = append(conds, sub)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) loadMessageRow(ctx context.Context, suffix, channelID string, messageID int64) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect(suffix)+` WHERE ID = ?`, messageID)
	msg, err := scanMessage(row, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d in channel %s: %w", messageID, channelID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", messageID, err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, channelID string) (*types.Message, error) {
	msg := &types.Message{ChannelID: channelID, ConnectorMessages: map[int]*types.ConnectorMessage{}}
	var serverID, importChannelID sql.NullString
	var originalID, importID sql.NullInt64
	if err := row.Scan(&msg.MessageID, &serverID, &msg.ReceivedDate, &msg.Processed,
		&originalID, &importID, &importChannelID); err != nil {
		return nil, err
	}
	msg.ServerID = serverID.String
	if originalID.Valid {
		msg.OriginalID = &originalID.Int64
	}
	if importID.Valid {
		msg.ImportID = &importID.Int64
	}
	if importChannelID.Valid {
		msg.ImportChannelID = &importChannelID.String
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows, channelID string) ([]*types.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows, channelID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanConnectorMessages(rows *sql.Rows, channelID string) ([]*types.ConnectorMessage, error) {
	defer func() { _ = rows.Close() }()
	var cms []*types.ConnectorMessage
	for rows.Next() {
		cm := &types.ConnectorMessage{ChannelID: channelID}
		var serverID, connectorName, statusCode sql.NullString
		var sendDate, responseDate sql.NullTime
		if err := rows.Scan(&cm.MetaDataID, &cm.MessageID, &serverID, &cm.ReceivedDate, &statusCode,
			&connectorName, &cm.SendAttempts, &sendDate, &responseDate,
			&cm.ErrorCode, &cm.ChainID, &cm.OrderID); err != nil {
			return nil, fmt.Errorf("failed to scan connector message row: %w", err)
		}
		cm.ServerID = serverID.String
		cm.ConnectorName = connectorName.String
		status, err := types.StatusFromCode(statusCode.String)
		if err != nil {
			return nil, fmt.Errorf("connector message %d/%d: %w", cm.MessageID, cm.MetaDataID, err)
		}
		cm.Status = status
		if sendDate.Valid {
			cm.SendDate = &sendDate.Time
		}
		if responseDate.Valid {
			cm.ResponseDate = &responseDate.Time
		}
		cms = append(cms, cm)
	}
	return cms, rows.Err()
}

// loadConnectorMessages attaches connector rows to their parent messages
func (s *SQLStore) loadConnectorMessages(ctx context.Context, suffix, channelID string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*types.Message, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		byID[msg.MessageID] = msg
		ids = append(ids, msg.MessageID)
	}
	for _, chunk := range chunkIDs(ids, 500) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			connectorSelect(suffix)+` WHERE MESSAGE_ID IN (`+placeholders(len(chunk))+`) ORDER BY MESSAGE_ID, ID`, args...)
		if err != nil {
			return fmt.Errorf("failed to load connector messages: %w", err)
		}
		cms, err := scanConnectorMessages(rows, channelID)
		if err != nil {
			return err
		}
		for _, cm := range cms {
			if msg := byID[cm.MessageID]; msg != nil {
				if msg.ConnectorMessages == nil {
					msg.ConnectorMessages = map[int]*types.ConnectorMessage{}
				}
				msg.ConnectorMessages[cm.MetaDataID] = cm
			}
		}
	}
	return nil
}

// loadContent loads every content row of a message and distributes the rows
// to the connector views.
func (s *SQLStore) loadContent(ctx context.Context, suffix string, msg *types.Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED FROM `+contentTable(suffix)+` WHERE MESSAGE_ID = ?`,
		msg.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load content for message %d: %w", msg.MessageID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		mc := &types.MessageContent{ChannelID: msg.ChannelID, MessageID: msg.MessageID}
		var content, dataType sql.NullString
		var ct int
		if err := rows.Scan(&mc.MetaDataID, &ct, &content, &dataType, &mc.Encrypted); err != nil {
			return fmt.Errorf("failed to scan content row: %w", err)
		}
		mc.ContentType = types.ContentType(ct)
		mc.Content = content.String
		mc.DataType = dataType.String
		cm := msg.ConnectorMessages[mc.MetaDataID]
		if cm == nil {
			continue
		}
		if err := applyContent(cm, mc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// loadConnectorContent loads the content rows belonging to one connector
// view only.
func (s *SQLStore) loadConnectorContent(ctx context.Context, suffix string, cm *types.ConnectorMessage) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED FROM `+contentTable(suffix)+` WHERE MESSAGE_ID = ? AND METADATA_ID = ?`,
		cm.MessageID, cm.MetaDataID)
	if err != nil {
		return fmt.Errorf("failed to load content for message %d/%d: %w", cm.MessageID, cm.MetaDataID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		mc := &types.MessageContent{ChannelID: cm.ChannelID, MessageID: cm.MessageID, MetaDataID: cm.MetaDataID}
		var content, dataType sql.NullString
		var ct int
		if err := rows.Scan(&ct, &content, &dataType, &mc.Encrypted); err != nil {
			return fmt.Errorf("failed to scan content row: %w", err)
		}
		mc.ContentType = types.ContentType(ct)
		mc.Content = content.String
		mc.DataType = dataType.String
		if err := applyContent(cm, mc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// applyContent routes a content row into the right slot or map field
func applyContent(cm *types.ConnectorMessage, mc *types.MessageContent) error {
	if !mc.ContentType.IsMap() {
		cm.SetContent(mc)
		return nil
	}
	m, err := decodeMap(mc.Content)
	if err != nil {
		return fmt.Errorf("failed to decode %s for message %d/%d: %w", mc.ContentType, mc.MessageID, mc.MetaDataID, err)
	}
	switch mc.ContentType {
	case types.ContentSourceMap:
		cm.SourceMap = m
	case types.ContentConnectorMap:
		cm.ConnectorMap = m
	case types.ContentChannelMap:
		cm.ChannelMap = m
	case types.ContentResponseMap:
		cm.ResponseMap = m
	}
	return nil
}

// chunkIDs splits ids into slices of at most size, preserving order
func chunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]int64
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	return append(chunks, ids)
}
