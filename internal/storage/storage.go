// Package storage provides shared types for the message store.
//
// The concrete implementation lives in the sqlstore sub-package. This
// package holds the interface and value types referenced by both the
// implementation and its consumers (the engine, pruner, archiver, and CLI).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrChannelNotFound is returned when a channel ID has no configuration row.
var ErrChannelNotFound = errors.New("channel not found")

// ErrNoChannelTables is returned when a message operation targets a channel
// whose per-channel tables have never been created.
var ErrNoChannelTables = errors.New("channel tables do not exist")

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("store is closed")

// Kind classifies a storage failure so callers can pick a recovery policy:
// retry, surface, or stop the channel.
type Kind int

const (
	// KindUnknown is an unclassified failure. Callers treat it as
	// non-retryable but non-fatal.
	KindUnknown Kind = iota
	// KindMissingTables means the channel's tables have never been created.
	KindMissingTables
	// KindConflict is a lock or serialization conflict. Retryable.
	KindConflict
	// KindTransient is a temporary backend failure (dropped connection,
	// timeout). Retryable.
	KindTransient
	// KindFatal means the store cannot make progress (closed, corrupt).
	// The owning channel must stop.
	KindFatal
)

// Retryable reports whether a failure of this kind is worth retrying.
func (k Kind) Retryable() bool {
	return k == KindConflict || k == KindTransient
}

// Error is a classified storage failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the missing-tables sentinel so callers can keep using
// errors.Is(err, ErrNoChannelTables) against classified errors.
func (e *Error) Is(target error) bool {
	return target == ErrNoChannelTables && e.Kind == KindMissingTables
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNoChannelTables):
		return KindMissingTables
	case errors.Is(err, ErrClosed):
		return KindFatal
	}
	return KindUnknown
}

// PruneOptions selects which messages of a channel are eligible for removal.
type PruneOptions struct {
	// Before excludes messages received at or after this instant.
	Before time.Time
	// SkipStatuses protects messages where any connector still carries
	// one of these statuses.
	SkipStatuses []types.Status
	// SkipIncomplete protects messages not yet marked processed.
	SkipIncomplete bool
	// Limit caps how many message IDs one call returns.
	Limit int
}

// Store is the interface satisfied by *sqlstore.SQLStore.
// Consumers depend on this interface rather than on the concrete type so
// that alternative implementations (mocks, proxies) can be substituted.
type Store interface {
	// Channel registry
	SaveChannel(ctx context.Context, channel *types.Channel) error
	GetChannel(ctx context.Context, channelID string) (*types.Channel, error)
	GetChannels(ctx context.Context) ([]*types.Channel, error)
	RemoveChannel(ctx context.Context, channelID string) error

	// Per-channel table lifecycle. CreateChannelTables is idempotent and
	// includes the custom metadata columns in the connector table.
	CreateChannelTables(ctx context.Context, channelID string, columns []types.MetaDataColumn) error
	HasChannelTables(ctx context.Context, channelID string) (bool, error)
	RemoveChannelTables(ctx context.Context, channelID string) error

	// Message lifecycle
	NextMessageID(ctx context.Context, channelID string) (int64, error)
	InsertMessage(ctx context.Context, msg *types.Message) error
	InsertConnectorMessage(ctx context.Context, cm *types.ConnectorMessage, storeMaps bool) error
	StoreContent(ctx context.Context, mc *types.MessageContent) error
	UpdateStatus(ctx context.Context, cm *types.ConnectorMessage, previous types.Status) error
	UpdateErrors(ctx context.Context, cm *types.ConnectorMessage) error
	UpdateMaps(ctx context.Context, cm *types.ConnectorMessage) error
	UpdateSendAttempts(ctx context.Context, cm *types.ConnectorMessage) error
	SetMetaData(ctx context.Context, cm *types.ConnectorMessage, columns []types.MetaDataColumn) error
	MarkProcessed(ctx context.Context, channelID string, messageID int64) error

	// Reads
	GetMessage(ctx context.Context, channelID string, messageID int64, includeContent bool) (*types.Message, error)
	GetMessages(ctx context.Context, channelID string, filter *types.MessageFilter) ([]*types.Message, error)
	GetMessageCount(ctx context.Context, channelID string, filter *types.MessageFilter) (int64, error)
	GetMessagesByIDs(ctx context.Context, channelID string, messageIDs []int64) ([]*types.Message, error)

	// Recovery and queueing
	GetUnfinishedMessages(ctx context.Context, channelID, serverID string, limit int) ([]*types.Message, error)
	GetQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID, limit int) ([]*types.ConnectorMessage, error)

	// Attachments
	InsertAttachment(ctx context.Context, channelID string, messageID int64, att *types.Attachment) error
	GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*types.Attachment, error)
	GetAttachments(ctx context.Context, channelID string, messageID int64) ([]*types.Attachment, error)
	RemoveAttachments(ctx context.Context, channelID string, messageIDs []int64) (int64, error)

	// Pruning and bulk removal
	GetPrunableMessageIDs(ctx context.Context, channelID string, opts PruneOptions) ([]int64, error)
	RemoveMessages(ctx context.Context, channelID string, messageIDs []int64) (int64, error)
	RemoveContent(ctx context.Context, channelID string, messageIDs []int64) (int64, error)
	RemoveAllMessages(ctx context.Context, channelID string) error

	// Statistics
	GetStatistics(ctx context.Context, channelID string) ([]*types.ChannelStatistics, error)
	ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int) error

	// Configuration (global category/name pairs)
	SetConfig(ctx context.Context, category, name, value string) error
	GetConfig(ctx context.Context, category, name string) (string, error)
	GetConfigCategory(ctx context.Context, category string) (map[string]string, error)
	RemoveConfig(ctx context.Context, category, name string) error

	// Server event log
	InsertEvent(ctx context.Context, event *types.ServerEvent) error
	GetEvents(ctx context.Context, limit int) ([]*types.ServerEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Maintenance and lifecycle
	Vacuum(ctx context.Context) error
	Close() error
}

// Tx exposes the message-write subset of the store inside one database
// transaction. The pipeline uses it so the sequence allocation, the message
// row, its connector rows, and their content land atomically: a rollback
// returns the allocated ID to the sequence instead of burning it.
//
//   - All operations share the same database connection
//   - If the callback returns an error or panics, the transaction rolls back
//   - On successful return the transaction commits
type Tx interface {
	NextMessageID(ctx context.Context, channelID string) (int64, error)
	InsertMessage(ctx context.Context, msg *types.Message) error
	InsertConnectorMessage(ctx context.Context, cm *types.ConnectorMessage, storeMaps bool) error
	StoreContent(ctx context.Context, mc *types.MessageContent) error
	UpdateStatus(ctx context.Context, cm *types.ConnectorMessage, previous types.Status) error
	UpdateErrors(ctx context.Context, cm *types.ConnectorMessage) error
	UpdateMaps(ctx context.Context, cm *types.ConnectorMessage) error
	UpdateSendAttempts(ctx context.Context, cm *types.ConnectorMessage) error
	SetMetaData(ctx context.Context, cm *types.ConnectorMessage, columns []types.MetaDataColumn) error
	MarkProcessed(ctx context.Context, channelID string, messageID int64) error
	InsertAttachment(ctx context.Context, channelID string, messageID int64, att *types.Attachment) error
}
