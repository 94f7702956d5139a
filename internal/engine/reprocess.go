package engine

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/channel"
	"github.com/meridianhq/meridian/internal/types"
)

// Reprocess replays a stored message's raw content through its channel's
// pipeline as a new message linked to the original. metaDataIDs, when not
// empty, restricts processing to those destinations. The channel must be
// deployed; a stopped channel processes the replay under force.
func (e *Engine) Reprocess(ctx context.Context, channelID string, messageID int64, metaDataIDs []int) (*types.DispatchResult, error) {
	rt := e.Channel(channelID)
	if rt == nil {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotDeployed)
	}

	stored, err := e.store.GetMessage(ctx, channelID, messageID, true)
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", messageID, err)
	}
	src := stored.Source()
	if src == nil || src.Raw == nil {
		return nil, fmt.Errorf("message %d has no stored raw content to reprocess", messageID)
	}

	raw := &types.RawMessage{
		Raw:                    src.Raw.Content,
		SourceMap:              src.SourceMap,
		DestinationMetaDataIDs: metaDataIDs,
	}
	originalID := messageID
	if stored.OriginalID != nil {
		// Chained reprocesses all point at the first original.
		originalID = *stored.OriginalID
	}
	return rt.Dispatch(ctx, raw, channel.DispatchOptions{
		Force:      true,
		Wait:       true,
		OriginalID: &originalID,
	})
}
