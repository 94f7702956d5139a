package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/types"
)

// recoveryNote is attached to connector messages resolved by crash
// recovery rather than by their own pipeline run.
const recoveryNote = "message recovered after engine restart"

// Recover resolves messages a previous run left unfinished. Source views
// that never reached TRANSFORMED become ERROR; destination views caught
// mid-stage re-queue when the destination has a queue, otherwise they
// become ERROR too. Delivery is at-least-once: a send whose outcome the
// crash hid may run again.
func (rt *Runtime) Recover(ctx context.Context) error {
	if !rt.durable() {
		return nil
	}
	msgs, err := rt.store.GetUnfinishedMessages(ctx, rt.cfg.ID, rt.serverID, queueBatchLimit)
	if err != nil {
		return fmt.Errorf("load unfinished messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	rt.log.Info("recovering unfinished messages", "count", len(msgs))

	for _, msg := range msgs {
		rt.recoverMessage(ctx, msg)
	}
	return nil
}

func (rt *Runtime) recoverMessage(ctx context.Context, msg *types.Message) {
	src := msg.Source()
	if src != nil && !src.Status.IsTerminal() && src.Status != types.StatusTransformed {
		rt.recordError(ctx, src, types.ContentProcessingError, types.ErrorProcessing, recoveryNote)
		if err := rt.setStatus(ctx, src, types.StatusError); err != nil {
			rt.log.Error("failed to persist recovered source status", "messageId", msg.MessageID, "error", err)
		}
	}

	for _, id := range msg.MetaDataIDs() {
		if id == 0 {
			continue
		}
		cm := msg.ConnectorMessages[id]
		if cm.Status.IsTerminal() || cm.Status == types.StatusQueued {
			// QUEUED rows are the queue worker's to recover.
			continue
		}
		d := rt.byID[id]
		if d != nil && d.cfg.Queue.Enabled {
			d.park(ctx, cm, time.Time{})
			continue
		}
		rt.recordError(ctx, cm, types.ContentProcessingError, types.ErrorProcessing, recoveryNote)
		if err := rt.setStatus(ctx, cm, types.StatusError); err != nil {
			rt.log.Error("failed to persist recovered destination status",
				"messageId", msg.MessageID, "metaDataId", id, "error", err)
		}
	}

	// Resolve postprocessing and the processed flag for anything now fully
	// terminal.
	rt.finalizeDetached(ctx, msg.MessageID)
}
