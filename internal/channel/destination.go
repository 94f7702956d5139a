package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/types"
)

// queueBatchLimit bounds how many store-queued messages one recovery pass
// loads per destination.
const queueBatchLimit = 100

// destination binds one destination connector to its pipeline stages: the
// filter/transformer, the dispatch loop, the response transformer, and the
// queue worker that retries parked messages.
type destination struct {
	rt   *Runtime
	cfg  *types.DestinationConnector
	conn connector.Destination

	// maxAttempts is the total delivery budget when the queue is enabled;
	// RetryCount 0 still allows the first attempt.
	maxAttempts int
	interval    time.Duration

	qmu    sync.Mutex
	parked []*queuedItem

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// queuedItem is one parked connector message waiting for the queue worker.
type queuedItem struct {
	cm        *types.ConnectorMessage
	notBefore time.Time
}

func newDestination(rt *Runtime, cfg *types.DestinationConnector, conn connector.Destination) *destination {
	maxAttempts := cfg.Queue.RetryCount
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &destination{
		rt:          rt,
		cfg:         cfg,
		conn:        conn,
		maxAttempts: maxAttempts,
		interval:    time.Duration(cfg.Queue.RetryIntervalMillis) * time.Millisecond,
		wake:        make(chan struct{}, 1),
	}
}

// budget is the total attempt ceiling for the current configuration. The
// documented retry rule requires the queue: without it a failed send goes
// straight to ERROR.
func (d *destination) budget() int {
	if !d.cfg.Queue.Enabled {
		return 1
	}
	return d.maxAttempts
}

// process runs this destination's stages for one connector message: filter,
// transform, then dispatch. Script and send failures resolve the message
// internally; only a storage failure that leaves the status unresolvable is
// returned, so the chain can error out its remainder.
func (d *destination) process(ctx context.Context, msg *types.Message, cm *types.ConnectorMessage) error {
	rt := d.rt
	working := contentOf(cm.Raw)

	key := DestinationFilterTransformerKey(rt.cfg.ID, d.cfg.MetaDataID)
	if rt.scripts.HasProgram(key) {
		accepted, transformed, err := rt.scripts.RunFilterTransformer(
			ctx, key, rt.scriptEnv(msg.MessageID), cm, working, d.cfg.Transformer)
		if err != nil {
			d.fail(ctx, cm, fmt.Errorf("destination filter/transformer: %w", err))
			return nil
		}
		if !accepted {
			if merr := rt.persistMaps(ctx, cm); merr != nil {
				rt.log.Error("failed to persist destination maps", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", merr)
			}
			if serr := rt.setStatus(ctx, cm, types.StatusFiltered); serr != nil {
				rt.log.Error("failed to persist filtered status", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", serr)
			}
			rt.completeDestination(ctx, cm, &types.Response{
				Status:        types.StatusFiltered,
				StatusMessage: "Message filtered before sending",
			})
			return nil
		}
		working = transformed
		if perr := rt.persistContent(ctx, cm, types.ContentTransformed, transformed); perr != nil {
			rt.log.Error("failed to persist transformed content", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", perr)
		}
	}
	if err := rt.persistContent(ctx, cm, types.ContentEncoded, working); err != nil {
		rt.log.Error("failed to persist encoded content", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
	}
	if err := rt.persistMaps(ctx, cm); err != nil {
		rt.log.Error("failed to persist destination maps", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
	}
	if len(rt.cfg.Properties.MetaDataColumns) > 0 && rt.durable() {
		if err := rt.persist(ctx, func() error {
			return rt.store.SetMetaData(ctx, cm, rt.cfg.Properties.MetaDataColumns)
		}); err != nil {
			rt.log.Warn("failed to write custom metadata", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}
	if err := rt.setStatus(ctx, cm, types.StatusPending); err != nil {
		d.fail(ctx, cm, fmt.Errorf("persist pending status: %w", err))
		return err
	}

	if d.cfg.Queue.Enabled && !d.cfg.Queue.SendFirst {
		d.park(ctx, cm, time.Time{})
		return nil
	}
	d.dispatch(ctx, cm)
	return nil
}

// dispatch drives the inline attempt loop. Each attempt persists QUEUED
// before the physical send; retries wait out the configured interval.
func (d *destination) dispatch(ctx context.Context, cm *types.ConnectorMessage) {
	bo := backoff.WithContext(backoff.NewConstantBackOff(d.interval), ctx)
	for {
		if d.attempt(ctx, cm) {
			return
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			d.fail(ctx, cm, ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			d.fail(ctx, cm, ctx.Err())
			return
		case <-time.After(next):
		}
	}
}

// attempt makes one delivery attempt and reports whether the message
// resolved (terminal status or handed back to the queue worker via finish).
// A false return means the budget still has room and the caller owns the
// retry delay.
func (d *destination) attempt(ctx context.Context, cm *types.ConnectorMessage) bool {
	rt := d.rt

	// QUEUED lands before the physical send so a crash mid-send leaves the
	// message recoverable instead of lost in PENDING.
	if cm.Status != types.StatusQueued {
		if err := rt.setStatus(ctx, cm, types.StatusQueued); err != nil {
			rt.log.Error("failed to persist queued status", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}
	cm.SendAttempts++
	now := time.Now()
	cm.SendDate = &now
	if rt.durable() {
		if err := rt.persist(ctx, func() error { return rt.store.UpdateSendAttempts(ctx, cm) }); err != nil {
			rt.log.Error("failed to persist send attempt", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}
	if cm.SendAttempts == 1 {
		if err := rt.persistContent(ctx, cm, types.ContentSent, contentOf(cm.Encoded)); err != nil {
			rt.log.Error("failed to persist sent content", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}

	resp, err := d.conn.Send(ctx, d.outbound(ctx, cm))
	respTime := time.Now()
	cm.ResponseDate = &respTime
	if rt.durable() {
		if uerr := rt.persist(ctx, func() error { return rt.store.UpdateSendAttempts(ctx, cm) }); uerr != nil {
			rt.log.Error("failed to persist response date", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", uerr)
		}
	}
	if err != nil {
		resp = &types.Response{
			Status:        types.StatusError,
			StatusMessage: fmt.Sprintf("Send attempt %d failed", cm.SendAttempts),
			Error:         err.Error(),
		}
	}
	if resp == nil {
		resp = types.NewResponse(types.StatusSent, "")
	}
	resp.FixStatus(d.cfg.Queue.Enabled)

	switch resp.Status {
	case types.StatusSent, types.StatusFiltered:
		d.finish(ctx, cm, resp)
		return true
	default:
		// ERROR from the connector and connector-requested QUEUED both
		// consume a retry slot; the queue ceiling bounds them either way.
		if cm.SendAttempts >= d.budget() {
			resp.Status = types.StatusError
			d.finish(ctx, cm, resp)
			return true
		}
		rt.log.Warn("destination send failed, will retry",
			"messageId", cm.MessageID, "metaDataId", cm.MetaDataID,
			"attempt", cm.SendAttempts, "error", resp.Error)
		return false
	}
}

// finish resolves a delivery outcome: response transformer, validator, then
// the terminal status write. When the transformer or validator pushes the
// status back to QUEUED and budget remains, the message parks instead.
func (d *destination) finish(ctx context.Context, cm *types.ConnectorMessage, resp *types.Response) {
	rt := d.rt

	if resp.Message != "" {
		if err := rt.persistContent(ctx, cm, types.ContentResponse, resp.Message); err != nil {
			rt.log.Error("failed to persist response content", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}

	key := DestinationResponseTransformerKey(rt.cfg.ID, d.cfg.MetaDataID)
	if rt.scripts.HasProgram(key) {
		transformed, err := rt.scripts.RunResponseTransformer(
			ctx, key, rt.scriptEnv(cm.MessageID), cm, d.cfg.ResponseTransformer, resp)
		if err != nil {
			rt.recordError(ctx, cm, types.ContentResponseError, types.ErrorResponse, err.Error())
			rt.emitMessageError(ctx, cm, fmt.Errorf("response transformer: %w", err))
		} else if transformed != "" {
			if perr := rt.persistContent(ctx, cm, types.ContentResponseTransformed, transformed); perr != nil {
				rt.log.Error("failed to persist transformed response", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", perr)
			}
		}
	}
	if rt.validator != nil {
		rt.validator.Validate(resp, cm)
	}
	resp.FixStatus(d.cfg.Queue.Enabled)

	if resp.Status == types.StatusQueued {
		if cm.SendAttempts < d.budget() {
			d.park(ctx, cm, time.Now().Add(d.interval))
			return
		}
		resp.Status = types.StatusError
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("retry budget exhausted after %d attempts", cm.SendAttempts)
		}
	}

	if resp.Status == types.StatusError {
		errText := resp.Error
		if errText == "" {
			errText = resp.StatusMessage
		}
		rt.recordError(ctx, cm, types.ContentProcessingError, types.ErrorProcessing, errText)
		rt.emitMessageError(ctx, cm, fmt.Errorf("destination %s: %s", cm.ConnectorName, errText))
	}
	if err := rt.persistMaps(ctx, cm); err != nil {
		rt.log.Error("failed to persist destination maps", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
	}
	if err := rt.setStatus(ctx, cm, resp.Status); err != nil {
		rt.log.Error("failed to persist terminal status", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
	}
	rt.completeDestination(ctx, cm, resp)
}

// fail resolves a connector message as ERROR with the given cause.
func (d *destination) fail(ctx context.Context, cm *types.ConnectorMessage, err error) {
	if err == nil {
		err = ErrStopped
	}
	rt := d.rt
	rt.recordError(ctx, cm, types.ContentProcessingError, types.ErrorProcessing, err.Error())
	rt.emitMessageError(ctx, cm, err)
	if serr := rt.setStatus(ctx, cm, types.StatusError); serr != nil {
		rt.log.Error("failed to persist error status", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", serr)
	}
	rt.completeDestination(ctx, cm, errorResponse(err))
}

// outbound returns the connector message the transport sends. Attachment
// tokens in the encoded content are re-inlined on a copy so the stored
// content keeps its tokens.
func (d *destination) outbound(ctx context.Context, cm *types.ConnectorMessage) *types.ConnectorMessage {
	rt := d.rt
	body := contentOf(cm.Encoded)
	if !rt.cfg.Properties.StoreAttachments || !rt.durable() || !strings.Contains(body, "${ATTACH:") {
		return cm
	}
	atts, err := rt.store.GetAttachments(ctx, rt.cfg.ID, cm.MessageID)
	if err != nil {
		rt.log.Error("failed to load attachments for send", "messageId", cm.MessageID, "error", err)
		return cm
	}
	out := *cm
	enc := *cm.Encoded
	enc.Content = Reattach(body, atts)
	out.Encoded = &enc
	return &out
}

// park hands a QUEUED connector message to the queue worker. notBefore
// delays the next attempt; the zero time means immediately.
func (d *destination) park(ctx context.Context, cm *types.ConnectorMessage, notBefore time.Time) {
	rt := d.rt
	if cm.Status != types.StatusQueued {
		if err := rt.setStatus(ctx, cm, types.StatusQueued); err != nil {
			rt.log.Error("failed to persist queued status", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}
	d.qmu.Lock()
	d.parked = append(d.parked, &queuedItem{cm: cm, notBefore: notBefore})
	d.qmu.Unlock()
	d.signal()
}

func (d *destination) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// startQueue launches the queue worker when the destination queue is
// enabled. The worker first re-parks messages left QUEUED in the store by a
// previous run, then serves parked messages on the retry interval.
func (d *destination) startQueue(ctx context.Context) {
	if !d.cfg.Queue.Enabled {
		return
	}
	qctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.runQueue(qctx)
}

func (d *destination) stopQueue() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.cancel = nil
}

func (d *destination) runQueue(ctx context.Context) {
	defer d.wg.Done()
	d.recoverQueued(ctx)

	interval := d.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

// recoverQueued re-parks connector messages a previous run left QUEUED.
// Their completion resolves through the detached path, which reloads the
// full message to decide whether postprocessing is due.
func (d *destination) recoverQueued(ctx context.Context) {
	rt := d.rt
	if !rt.durable() {
		return
	}
	cms, err := rt.store.GetQueuedConnectorMessages(ctx, rt.cfg.ID, d.cfg.MetaDataID, queueBatchLimit)
	if err != nil {
		rt.log.Error("failed to load queued messages for recovery", "metaDataId", d.cfg.MetaDataID, "error", err)
		return
	}
	if len(cms) == 0 {
		return
	}
	rt.log.Info("recovered queued messages", "metaDataId", d.cfg.MetaDataID, "count", len(cms))
	d.qmu.Lock()
	parked := make(map[int64]bool, len(d.parked))
	for _, item := range d.parked {
		parked[item.cm.MessageID] = true
	}
	for _, cm := range cms {
		if !parked[cm.MessageID] {
			d.parked = append(d.parked, &queuedItem{cm: cm})
		}
	}
	d.qmu.Unlock()
	d.signal()
}

// drain attempts every parked message that is due. Messages that fail with
// budget remaining go back to the end of the queue, pushed past one more
// interval.
func (d *destination) drain(ctx context.Context) {
	d.qmu.Lock()
	items := d.parked
	d.parked = nil
	d.qmu.Unlock()

	now := time.Now()
	var keep []*queuedItem
	for _, item := range items {
		if ctx.Err() != nil {
			keep = append(keep, item)
			continue
		}
		if item.notBefore.After(now) {
			keep = append(keep, item)
			continue
		}
		if !d.attempt(ctx, item.cm) {
			item.notBefore = time.Now().Add(d.interval)
			keep = append(keep, item)
		}
	}
	if len(keep) > 0 {
		d.qmu.Lock()
		d.parked = append(keep, d.parked...)
		d.qmu.Unlock()
	}
}
