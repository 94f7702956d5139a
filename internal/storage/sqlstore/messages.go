package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// NextMessageID atomically allocates the next message ID for a channel from
// its sequence table. IDs start at 1 and never repeat, even across restarts,
// because the allocation is transactional. Callers that also insert the
// message should allocate through the Tx instead, so a rollback returns the
// ID to the sequence.
func (s *SQLStore) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(conn *sql.Conn) error {
		id, err = nextMessageID(ctx, conn, suffix)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertMessage writes the message row
func (s *SQLStore) InsertMessage(ctx context.Context, msg *types.Message) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(msg.ChannelID)
	if err != nil {
		return err
	}
	return insertMessage(ctx, s.db, suffix, msg)
}

// InsertConnectorMessage writes one connector view of a message, seeds its
// statistics row, and counts it as received. With storeMaps the source,
// connector, channel, and response maps are serialized alongside.
func (s *SQLStore) InsertConnectorMessage(ctx context.Context, cm *types.ConnectorMessage, storeMaps bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return insertConnectorMessage(ctx, s.db, s.dialect, suffix, cm, storeMaps)
}

// StoreContent upserts one content slot
func (s *SQLStore) StoreContent(ctx context.Context, mc *types.MessageContent) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(mc.ChannelID)
	if err != nil {
		return err
	}
	return storeContent(ctx, s.db, s.dialect, suffix, mc)
}

// UpdateStatus moves a connector message to cm.Status and adjusts the
// channel statistics for the transition away from previous.
func (s *SQLStore) UpdateStatus(ctx context.Context, cm *types.ConnectorMessage, previous types.Status) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateStatus(ctx, s.db, suffix, cm, previous)
}

// UpdateErrors persists the error content slots present on the connector
// message and its error code bitmask.
func (s *SQLStore) UpdateErrors(ctx context.Context, cm *types.ConnectorMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateErrors(ctx, s.db, s.dialect, suffix, cm)
}

// UpdateMaps reserializes the connector, channel, and response maps
func (s *SQLStore) UpdateMaps(ctx context.Context, cm *types.ConnectorMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateMaps(ctx, s.db, s.dialect, suffix, cm)
}

// UpdateSendAttempts records dispatch bookkeeping: attempt count, last send
// time, and last response time.
func (s *SQLStore) UpdateSendAttempts(ctx context.Context, cm *types.ConnectorMessage) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateSendAttempts(ctx, s.db, suffix, cm)
}

// SetMetaData writes the custom metadata column values for a connector
// message, pulled from its maps by the caller.
func (s *SQLStore) SetMetaData(ctx context.Context, cm *types.ConnectorMessage, columns []types.MetaDataColumn) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return setMetaData(ctx, s.db, s.dialect, suffix, cm, columns)
}

// MarkProcessed flips the message's processed flag, ending its lifecycle
func (s *SQLStore) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}
	return markProcessed(ctx, s.db, suffix, messageID)
}

// Shared write helpers. Each takes a dbtx so the same SQL serves both the
// pooled store methods and the dedicated transaction connection.

func nextMessageID(ctx context.Context, q dbtx, suffix string) (int64, error) {
	msq := sequenceTable(suffix)
	if _, err := q.ExecContext(ctx, "UPDATE "+msq+" SET NEXT_ID = NEXT_ID + 1 WHERE SEQ_KEY = 1"); err != nil {
		return 0, classify("failed to advance message sequence", err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, "SELECT NEXT_ID FROM "+msq+" WHERE SEQ_KEY = 1").Scan(&id); err != nil {
		return 0, classify("failed to read message sequence", err)
	}
	return id, nil
}

func insertMessage(ctx context.Context, q dbtx, suffix string, msg *types.Message) error {
	if msg.ReceivedDate.IsZero() {
		msg.ReceivedDate = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+messageTable(suffix)+` (ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID, IMPORT_CHANNEL_ID)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, nullString(msg.ServerID), msg.ReceivedDate, msg.Processed,
		msg.OriginalID, msg.ImportID, msg.ImportChannelID)
	if err != nil {
		return classify(fmt.Sprintf("failed to insert message %d", msg.MessageID), err)
	}
	return nil
}

func insertConnectorMessage(ctx context.Context, q dbtx, d Dialect, suffix string, cm *types.ConnectorMessage, storeMaps bool) error {
	if cm.ReceivedDate.IsZero() {
		cm.ReceivedDate = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+connectorMessageTable(suffix)+` (ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME,
		SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cm.MetaDataID, cm.MessageID, nullString(cm.ServerID), cm.ReceivedDate, cm.Status.Code(),
		nullString(cm.ConnectorName), cm.SendAttempts, cm.SendDate, cm.ResponseDate,
		cm.ErrorCode, cm.ChainID, cm.OrderID)
	if err != nil {
		return classify(fmt.Sprintf("failed to insert connector message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}

	if storeMaps {
		if err := updateSourceMap(ctx, q, d, suffix, cm); err != nil {
			return err
		}
		if err := updateMaps(ctx, q, d, suffix, cm); err != nil {
			return err
		}
	}

	if err := ensureStatisticsRow(ctx, q, d, suffix, cm.MetaDataID); err != nil {
		return err
	}
	return bumpStatistic(ctx, q, suffix, cm.MetaDataID, "RECEIVED", 1)
}

func storeContent(ctx context.Context, q dbtx, d Dialect, suffix string, mc *types.MessageContent) error {
	_, err := q.ExecContext(ctx, d.UpsertContentSQL(contentTable(suffix)),
		mc.MessageID, mc.MetaDataID, int(mc.ContentType), mc.Content, nullString(mc.DataType), mc.Encrypted)
	if err != nil {
		return classify(fmt.Sprintf("failed to store %s content for message %d/%d",
			mc.ContentType, mc.MessageID, mc.MetaDataID), err)
	}
	return nil
}

func updateStatus(ctx context.Context, q dbtx, suffix string, cm *types.ConnectorMessage, previous types.Status) error {
	_, err := q.ExecContext(ctx,
		`UPDATE `+connectorMessageTable(suffix)+` SET STATUS = ? WHERE MESSAGE_ID = ? AND ID = ?`,
		cm.Status.Code(), cm.MessageID, cm.MetaDataID)
	if err != nil {
		return classify(fmt.Sprintf("failed to update status for message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}
	if cm.Status == previous {
		return nil
	}
	if col := statisticColumn(cm.Status); col != "" {
		if err := bumpStatistic(ctx, q, suffix, cm.MetaDataID, col, 1); err != nil {
			return err
		}
	}
	// QUEUED is a gauge of currently parked messages, not a counter.
	if previous == types.StatusQueued {
		if err := bumpStatistic(ctx, q, suffix, cm.MetaDataID, "QUEUED", -1); err != nil {
			return err
		}
	}
	return nil
}

func updateErrors(ctx context.Context, q dbtx, d Dialect, suffix string, cm *types.ConnectorMessage) error {
	for _, slot := range []*types.MessageContent{cm.ProcessingError, cm.PostprocessorError, cm.ResponseError} {
		if slot == nil {
			continue
		}
		if err := storeContent(ctx, q, d, suffix, slot); err != nil {
			return err
		}
	}
	_, err := q.ExecContext(ctx,
		`UPDATE `+connectorMessageTable(suffix)+` SET ERROR_CODE = ? WHERE MESSAGE_ID = ? AND ID = ?`,
		cm.ErrorCode, cm.MessageID, cm.MetaDataID)
	if err != nil {
		return classify(fmt.Sprintf("failed to update error code for message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}
	return nil
}

func updateMaps(ctx context.Context, q dbtx, d Dialect, suffix string, cm *types.ConnectorMessage) error {
	maps := []struct {
		ct types.ContentType
		m  map[string]any
	}{
		{types.ContentConnectorMap, cm.ConnectorMap},
		{types.ContentChannelMap, cm.ChannelMap},
		{types.ContentResponseMap, cm.ResponseMap},
	}
	for _, entry := range maps {
		if entry.m == nil {
			continue
		}
		encoded, err := encodeMap(entry.m)
		if err != nil {
			return fmt.Errorf("failed to encode %s for message %d/%d: %w", entry.ct, cm.MessageID, cm.MetaDataID, err)
		}
		mc := &types.MessageContent{
			ChannelID:   cm.ChannelID,
			MessageID:   cm.MessageID,
			MetaDataID:  cm.MetaDataID,
			ContentType: entry.ct,
			Content:     encoded,
		}
		if err := storeContent(ctx, q, d, suffix, mc); err != nil {
			return err
		}
	}
	return nil
}

func updateSourceMap(ctx context.Context, q dbtx, d Dialect, suffix string, cm *types.ConnectorMessage) error {
	if cm.SourceMap == nil {
		return nil
	}
	encoded, err := encodeMap(cm.SourceMap)
	if err != nil {
		return fmt.Errorf("failed to encode source map for message %d/%d: %w", cm.MessageID, cm.MetaDataID, err)
	}
	return storeContent(ctx, q, d, suffix, &types.MessageContent{
		ChannelID:   cm.ChannelID,
		MessageID:   cm.MessageID,
		MetaDataID:  cm.MetaDataID,
		ContentType: types.ContentSourceMap,
		Content:     encoded,
	})
}

func updateSendAttempts(ctx context.Context, q dbtx, suffix string, cm *types.ConnectorMessage) error {
	_, err := q.ExecContext(ctx,
		`UPDATE `+connectorMessageTable(suffix)+` SET SEND_ATTEMPTS = ?, SEND_DATE = ?, RESPONSE_DATE = ? WHERE MESSAGE_ID = ? AND ID = ?`,
		cm.SendAttempts, cm.SendDate, cm.ResponseDate, cm.MessageID, cm.MetaDataID)
	if err != nil {
		return classify(fmt.Sprintf("failed to update send attempts for message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}
	return nil
}

func setMetaData(ctx context.Context, q dbtx, d Dialect, suffix string, cm *types.ConnectorMessage, columns []types.MetaDataColumn) error {
	if len(columns) == 0 {
		return nil
	}
	cols := "MESSAGE_ID, METADATA_ID"
	placeholders := "?, ?"
	args := []any{cm.MessageID, cm.MetaDataID}
	for _, col := range columns {
		cols += ", " + quoteIdent(col.Name)
		placeholders += ", ?"
		args = append(args, metaDataValue(cm, col))
	}
	// Delete-then-insert keeps the upsert portable across backends.
	table := customMetaDataTable(suffix)
	if _, err := q.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE MESSAGE_ID = ? AND METADATA_ID = ?`,
		cm.MessageID, cm.MetaDataID); err != nil {
		return classify(fmt.Sprintf("failed to clear metadata for message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, placeholders), args...); err != nil {
		return classify(fmt.Sprintf("failed to insert metadata for message %d/%d", cm.MessageID, cm.MetaDataID), err)
	}
	return nil
}

// metaDataValue resolves a metadata column's value from the connector maps,
// checking the connector map first, then the channel map, then the source
// map. Unresolvable or mistyped values store as NULL.
func metaDataValue(cm *types.ConnectorMessage, col types.MetaDataColumn) any {
	var raw any
	found := false
	for _, m := range []map[string]any{cm.ConnectorMap, cm.ChannelMap, cm.SourceMap} {
		if m == nil {
			continue
		}
		if v, ok := m[col.MappingName]; ok {
			raw, found = v, true
			break
		}
	}
	if !found || raw == nil {
		return nil
	}
	switch col.Type {
	case types.MetaDataNumber:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
		return nil
	case types.MetaDataBoolean:
		if v, ok := raw.(bool); ok {
			return v
		}
		return nil
	case types.MetaDataTimestamp:
		if v, ok := raw.(time.Time); ok {
			return v
		}
		return nil
	default:
		return fmt.Sprintf("%v", raw)
	}
}

func markProcessed(ctx context.Context, q dbtx, suffix string, messageID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE `+messageTable(suffix)+` SET PROCESSED = ? WHERE ID = ?`, true, messageID)
	if err != nil {
		return classify(fmt.Sprintf("failed to mark message %d processed", messageID), err)
	}
	return nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.MarshalToString(m)
}

func decodeMap(encoded string) (map[string]any, error) {
	if encoded == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.UnmarshalFromString(encoded, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// nullString maps "" to NULL for nullable VARCHAR columns
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
