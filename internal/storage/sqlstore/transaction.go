package sqlstore

import (
	"context"
	"database/sql"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// Compile-time interface check
var _ storage.Tx = (*sqlTx)(nil)

// sqlTx implements storage.Tx on a dedicated connection with an open
// transaction. It reuses the same helpers as the pooled store methods.
type sqlTx struct {
	conn   *sql.Conn
	parent *SQLStore
}

func (t *sqlTx) suffix(channelID string) (string, error) {
	return storage.TableSuffix(channelID)
}

func (t *sqlTx) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	suffix, err := t.suffix(channelID)
	if err != nil {
		return 0, err
	}
	return nextMessageID(ctx, t.conn, suffix)
}

func (t *sqlTx) InsertMessage(ctx context.Context, msg *types.Message) error {
	suffix, err := t.suffix(msg.ChannelID)
	if err != nil {
		return err
	}
	return insertMessage(ctx, t.conn, suffix, msg)
}

func (t *sqlTx) InsertConnectorMessage(ctx context.Context, cm *types.ConnectorMessage, storeMaps bool) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return insertConnectorMessage(ctx, t.conn, t.parent.dialect, suffix, cm, storeMaps)
}

func (t *sqlTx) StoreContent(ctx context.Context, mc *types.MessageContent) error {
	suffix, err := t.suffix(mc.ChannelID)
	if err != nil {
		return err
	}
	return storeContent(ctx, t.conn, t.parent.dialect, suffix, mc)
}

func (t *sqlTx) UpdateStatus(ctx context.Context, cm *types.ConnectorMessage, previous types.Status) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateStatus(ctx, t.conn, suffix, cm, previous)
}

func (t *sqlTx) UpdateErrors(ctx context.Context, cm *types.ConnectorMessage) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateErrors(ctx, t.conn, t.parent.dialect, suffix, cm)
}

func (t *sqlTx) UpdateMaps(ctx context.Context, cm *types.ConnectorMessage) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateMaps(ctx, t.conn, t.parent.dialect, suffix, cm)
}

func (t *sqlTx) UpdateSendAttempts(ctx context.Context, cm *types.ConnectorMessage) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return updateSendAttempts(ctx, t.conn, suffix, cm)
}

func (t *sqlTx) SetMetaData(ctx context.Context, cm *types.ConnectorMessage, columns []types.MetaDataColumn) error {
	suffix, err := t.suffix(cm.ChannelID)
	if err != nil {
		return err
	}
	return setMetaData(ctx, t.conn, t.parent.dialect, suffix, cm, columns)
}

func (t *sqlTx) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	suffix, err := t.suffix(channelID)
	if err != nil {
		return err
	}
	return markProcessed(ctx, t.conn, suffix, messageID)
}

func (t *sqlTx) InsertAttachment(ctx context.Context, channelID string, messageID int64, att *types.Attachment) error {
	suffix, err := t.suffix(channelID)
	if err != nil {
		return err
	}
	return insertAttachment(ctx, t.conn, suffix, messageID, att)
}
