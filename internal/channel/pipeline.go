package channel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/internal/script"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// DispatchOptions adjusts a single dispatch into the channel.
type DispatchOptions struct {
	// Force processes the message even while the channel is stopped.
	// Reprocessing and manual sends use it.
	Force bool

	// Wait blocks Dispatch until every destination reached a terminal
	// status and the postprocessor ran, so the response can reflect the
	// full outcome. Without it the response is produced as soon as the
	// raw content is durable.
	Wait bool

	// OriginalID links a reprocessed message back to the original.
	OriginalID *int64

	// ImportID and ImportChannelID record where an imported message
	// came from.
	ImportID        *int64
	ImportChannelID *string
}

// Dispatch pushes one raw message through the channel pipeline. The raw
// content is persisted before any script runs; from that point on the
// message resolves to terminal statuses even when the caller goes away.
func (rt *Runtime) Dispatch(ctx context.Context, raw *types.RawMessage, opts DispatchOptions) (*types.DispatchResult, error) {
	if raw == nil {
		return nil, fmt.Errorf("raw message is required")
	}
	if !rt.lc.isRunning() && !opts.Force {
		return nil, ErrStopped
	}

	// Admission control: MaxProcessingThreads messages in the pipeline at
	// once, in arrival order.
	if err := rt.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	rt.lc.inflight.Add(1)
	release := func() {
		rt.workers.Release(1)
		rt.lc.inflight.Done()
	}

	msg, src, err := rt.receive(ctx, raw, opts)
	if err != nil {
		release()
		return nil, err
	}

	ds := script.NewDestinationSet(rt.cfg.Destinations)
	if len(raw.DestinationMetaDataIDs) > 0 {
		keep := make([]any, len(raw.DestinationMetaDataIDs))
		for i, id := range raw.DestinationMetaDataIDs {
			keep[i] = id
		}
		ds.RemoveAllExcept(keep)
	}

	if opts.Wait {
		defer release()
		resp := rt.process(ctx, msg, src, ds, true)
		return &types.DispatchResult{MessageID: msg.MessageID, Response: resp}, nil
	}

	// Deferred mode: respond now, keep processing on the channel's run
	// context so the source connector's context does not cut it short.
	runCtx := rt.lc.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go func() {
		defer release()
		rt.process(runCtx, msg, src, ds, false)
	}()

	var resp *types.Response
	if sel := rt.cfg.Source.ResponseVariable; sel != "" && sel != types.ResponseNone {
		resp = types.NewResponse(types.StatusReceived,
			fmt.Sprintf("Message %d accepted by channel %s", msg.MessageID, rt.cfg.Name))
	}
	return &types.DispatchResult{MessageID: msg.MessageID, Response: resp}, nil
}

// receive persists the message skeleton: the sequence allocation, the
// message row, the source connector view in RECEIVED, the raw content, and
// any extracted attachments, all in one transaction, so a failure between
// the allocation and the inserts cannot burn a message ID. Attachment
// extraction happens first so the stored raw carries tokens instead of
// bodies.
func (rt *Runtime) receive(ctx context.Context, raw *types.RawMessage, opts DispatchOptions) (*types.Message, *types.ConnectorMessage, error) {
	stripped := raw.Raw
	var atts []*types.Attachment
	if rt.extractor != nil {
		stripped, atts = rt.extractor.extract(raw.Raw)
	}

	now := time.Now()
	msg := &types.Message{
		ServerID:          rt.serverID,
		ChannelID:         rt.cfg.ID,
		ReceivedDate:      now,
		OriginalID:        opts.OriginalID,
		ImportID:          opts.ImportID,
		ImportChannelID:   opts.ImportChannelID,
		ConnectorMessages: map[int]*types.ConnectorMessage{},
	}
	src := &types.ConnectorMessage{
		MetaDataID:    0,
		ChannelID:     rt.cfg.ID,
		ChannelName:   rt.cfg.Name,
		ConnectorName: rt.cfg.Source.Name,
		ServerID:      rt.serverID,
		ReceivedDate:  now,
		Status:        types.StatusReceived,
		SourceMap:     cloneMap(raw.SourceMap),
	}
	src.Raw = &types.MessageContent{
		ChannelID:   rt.cfg.ID,
		MetaDataID:  0,
		ContentType: types.ContentRaw,
		Content:     stripped,
	}
	msg.ConnectorMessages[0] = src
	assignID := func(id int64) {
		msg.MessageID = id
		src.MessageID = id
		src.Raw.MessageID = id
	}

	if rt.durable() {
		mode := rt.cfg.Properties.StorageMode
		err := rt.persist(ctx, func() error {
			return rt.store.RunInTransaction(ctx, func(tx storage.Tx) error {
				id, err := tx.NextMessageID(ctx, rt.cfg.ID)
				if err != nil {
					return err
				}
				assignID(id)
				if err := tx.InsertMessage(ctx, msg); err != nil {
					return err
				}
				// The mutable maps are still nil here, so only the source
				// map lands with the insert.
				if err := tx.InsertConnectorMessage(ctx, src, mode.StoresContent(types.ContentSourceMap)); err != nil {
					return err
				}
				if mode.StoresContent(types.ContentRaw) {
					if err := tx.StoreContent(ctx, src.Raw); err != nil {
						return err
					}
				}
				for _, att := range atts {
					if err := tx.InsertAttachment(ctx, rt.cfg.ID, id, att); err != nil {
						return err
					}
				}
				return nil
			})
		})
		if err != nil {
			if errors.Is(err, storage.ErrNoChannelTables) {
				return nil, nil, fmt.Errorf("channel %s storage unavailable: %w", rt.cfg.ID, err)
			}
			return nil, nil, fmt.Errorf("persist received message: %w", err)
		}
	} else {
		id, err := rt.store.NextMessageID(ctx, rt.cfg.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("allocate message id: %w", err)
		}
		assignID(id)
	}

	src.ConnectorMap = map[string]any{}
	src.ChannelMap = map[string]any{}
	src.ResponseMap = map[string]any{}
	return msg, src, nil
}

// process runs preprocessing, the source filter/transformer, the
// destination chains, and postprocessing. It returns the response selected
// per the source connector's ResponseVariable; in deferred mode the caller
// discards it.
func (rt *Runtime) process(ctx context.Context, msg *types.Message, src *types.ConnectorMessage, ds *script.DestinationSet, wait bool) *types.Response {
	working := contentOf(src.Raw)

	// Preprocessors: global first, then the channel's.
	for _, key := range []string{GlobalPreprocessorKey, PreprocessorKey(rt.cfg.ID)} {
		if !rt.scripts.HasProgram(key) {
			continue
		}
		out, err := rt.scripts.RunPreprocessor(ctx, key, rt.scriptEnv(msg.MessageID), src, working, ds)
		if err != nil {
			rt.failSource(ctx, msg, src, fmt.Errorf("preprocessor: %w", err))
			lm := rt.tracker.register(msg, nil)
			rt.finalizeMessage(ctx, lm)
			return rt.selectResponse(msg, src, lm)
		}
		working = out
	}
	if working != contentOf(src.Raw) {
		if err := rt.persistContent(ctx, src, types.ContentProcessedRaw, working); err != nil {
			rt.log.Error("failed to persist processed raw content", "messageId", msg.MessageID, "error", err)
		}
	}

	// Source filter and transformer.
	encoded := working
	ftKey := SourceFilterTransformerKey(rt.cfg.ID)
	if rt.scripts.HasProgram(ftKey) {
		accepted, transformed, err := rt.scripts.RunFilterTransformer(
			ctx, ftKey, rt.scriptEnv(msg.MessageID), src, working, rt.cfg.Source.Transformer)
		if err != nil {
			rt.failSource(ctx, msg, src, fmt.Errorf("source filter/transformer: %w", err))
			lm := rt.tracker.register(msg, nil)
			rt.finalizeMessage(ctx, lm)
			return rt.selectResponse(msg, src, lm)
		}
		if !accepted {
			if err := rt.persistMaps(ctx, src); err != nil {
				rt.log.Error("failed to persist source maps", "messageId", msg.MessageID, "error", err)
			}
			if err := rt.setStatus(ctx, src, types.StatusFiltered); err != nil {
				rt.log.Error("failed to persist filtered status", "messageId", msg.MessageID, "error", err)
			}
			lm := rt.tracker.register(msg, nil)
			rt.finalizeMessage(ctx, lm)
			return rt.selectResponse(msg, src, lm)
		}
		encoded = transformed
		if err := rt.persistContent(ctx, src, types.ContentTransformed, transformed); err != nil {
			rt.log.Error("failed to persist transformed content", "messageId", msg.MessageID, "error", err)
		}
	}
	if err := rt.persistContent(ctx, src, types.ContentEncoded, encoded); err != nil {
		rt.log.Error("failed to persist encoded content", "messageId", msg.MessageID, "error", err)
	}
	if err := rt.persistMaps(ctx, src); err != nil {
		rt.log.Error("failed to persist source maps", "messageId", msg.MessageID, "error", err)
	}
	if len(rt.cfg.Properties.MetaDataColumns) > 0 && rt.durable() {
		if err := rt.persist(ctx, func() error {
			return rt.store.SetMetaData(ctx, src, rt.cfg.Properties.MetaDataColumns)
		}); err != nil {
			rt.log.Warn("failed to write custom metadata", "messageId", msg.MessageID, "error", err)
		}
	}
	if err := rt.setStatus(ctx, src, types.StatusTransformed); err != nil {
		rt.log.Error("failed to persist transformed status", "messageId", msg.MessageID, "error", err)
	}

	targets := ds.MetaDataIDs()
	if len(targets) == 0 {
		// Every destination was removed; the message completes at the
		// source.
		lm := rt.tracker.register(msg, nil)
		rt.finalizeMessage(ctx, lm)
		return rt.selectResponse(msg, src, lm)
	}

	chains := rt.fanOut(ctx, msg, src, targets)
	lm := rt.tracker.register(msg, targets)
	rt.runChains(ctx, msg, chains)

	if wait {
		lm.wait(ctx)
	}
	return rt.selectResponse(msg, src, lm)
}

// fanOut creates the destination connector views for the targeted
// destinations. Each chain shares one channel map and one response map, so
// writes propagate down the chain but never across chains. The destination
// raw content is the source's encoded output; it is not persisted again.
func (rt *Runtime) fanOut(ctx context.Context, msg *types.Message, src *types.ConnectorMessage, targets []int) []types.Chain {
	keep := make(map[int]bool, len(targets))
	for _, id := range targets {
		keep[id] = true
	}

	var active []types.Chain
	for _, ch := range rt.chains {
		var dests []*types.DestinationConnector
		for _, dcfg := range ch.Destinations {
			if keep[dcfg.MetaDataID] {
				dests = append(dests, dcfg)
			}
		}
		if len(dests) > 0 {
			active = append(active, types.Chain{ID: ch.ID, Destinations: dests})
		}
	}

	srcEncoded := contentOf(src.Encoded)
	now := time.Now()
	for _, ch := range active {
		chainChannelMap := cloneMap(src.ChannelMap)
		chainResponseMap := cloneMap(src.ResponseMap)
		for i, dcfg := range ch.Destinations {
			cm := &types.ConnectorMessage{
				MessageID:     msg.MessageID,
				MetaDataID:    dcfg.MetaDataID,
				ChannelID:     rt.cfg.ID,
				ChannelName:   rt.cfg.Name,
				ConnectorName: dcfg.Name,
				ServerID:      rt.serverID,
				ReceivedDate:  now,
				Status:        types.StatusReceived,
				SourceMap:     src.SourceMap,
				ConnectorMap:  map[string]any{},
				ChannelMap:    chainChannelMap,
				ResponseMap:   chainResponseMap,
				ChainID:       ch.ID,
				OrderID:       i + 1,
			}
			cm.Raw = &types.MessageContent{
				ChannelID:   rt.cfg.ID,
				MessageID:   msg.MessageID,
				MetaDataID:  dcfg.MetaDataID,
				ContentType: types.ContentRaw,
				Content:     srcEncoded,
			}
			msg.ConnectorMessages[dcfg.MetaDataID] = cm
			if rt.durable() {
				if err := rt.persist(ctx, func() error {
					return rt.store.InsertConnectorMessage(ctx, cm, rt.cfg.Properties.StorageMode.StoresMaps())
				}); err != nil {
					rt.log.Error("failed to insert destination view",
						"messageId", msg.MessageID, "metaDataId", cm.MetaDataID, "error", err)
				}
			}
		}
	}
	return active
}

// runChains executes the destination chains, concurrently when the channel
// dispatches in parallel mode.
func (rt *Runtime) runChains(ctx context.Context, msg *types.Message, chains []types.Chain) {
	if rt.cfg.Properties.DispatchMode == types.DispatchParallel && len(chains) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range chains {
			g.Go(func() error {
				return rt.processChain(gctx, msg, ch)
			})
		}
		if err := g.Wait(); err != nil {
			rt.log.Error("destination chain aborted", "messageId", msg.MessageID, "error", err)
		}
		return
	}
	for _, ch := range chains {
		if err := rt.processChain(ctx, msg, ch); err != nil {
			rt.log.Error("destination chain aborted", "messageId", msg.MessageID, "error", err)
		}
	}
}

// processChain runs one chain's destinations in order. A hard failure
// (storage gone) errors out the rest of the chain so the message still
// resolves.
func (rt *Runtime) processChain(ctx context.Context, msg *types.Message, chain types.Chain) error {
	for i, dcfg := range chain.Destinations {
		d := rt.byID[dcfg.MetaDataID]
		cm := msg.ConnectorMessages[dcfg.MetaDataID]
		if err := d.process(ctx, msg, cm); err != nil {
			for _, rest := range chain.Destinations[i:] {
				rcm := msg.ConnectorMessages[rest.MetaDataID]
				if rcm.Status.IsTerminal() || rcm.Status == types.StatusQueued {
					continue
				}
				rt.recordError(ctx, rcm, types.ContentProcessingError, types.ErrorProcessing, err.Error())
				if serr := rt.setStatus(ctx, rcm, types.StatusError); serr != nil {
					rt.log.Error("failed to persist error status",
						"messageId", rcm.MessageID, "metaDataId", rcm.MetaDataID, "error", serr)
				}
				rt.completeDestination(ctx, rcm, errorResponse(err))
			}
			return err
		}
	}
	return nil
}

// completeDestination records a destination's terminal response and, when
// it was the last one outstanding, finishes the message.
func (rt *Runtime) completeDestination(ctx context.Context, cm *types.ConnectorMessage, resp *types.Response) {
	if resp != nil && cm.ResponseMap != nil {
		entry := responseToMap(resp)
		cm.ResponseMap[fmt.Sprintf("d%d", cm.MetaDataID)] = entry
		if cm.ConnectorName != "" {
			cm.ResponseMap[cm.ConnectorName] = entry
		}
		if err := rt.persistMaps(ctx, cm); err != nil {
			rt.log.Error("failed to persist response map",
				"messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
		}
	}

	lm := rt.tracker.lookup(cm.MessageID)
	if lm == nil {
		rt.finalizeDetached(ctx, cm.MessageID)
		return
	}
	if last := lm.destinationDone(cm.MetaDataID, resp); last {
		rt.finalizeMessage(ctx, lm)
	}
}

// failSource marks the source view ERROR and records why.
func (rt *Runtime) failSource(ctx context.Context, msg *types.Message, src *types.ConnectorMessage, err error) {
	rt.recordError(ctx, src, types.ContentProcessingError, types.ErrorProcessing, err.Error())
	rt.emitMessageError(ctx, src, err)
	if serr := rt.setStatus(ctx, src, types.StatusError); serr != nil {
		rt.log.Error("failed to persist source error status", "messageId", msg.MessageID, "error", serr)
	}
	if merr := rt.persistMaps(ctx, src); merr != nil {
		rt.log.Error("failed to persist source maps", "messageId", msg.MessageID, "error", merr)
	}
}

// finalizeMessage runs the postprocessors, marks the message processed,
// and applies the channel's completion cleanup. Exactly one goroutine per
// message gets here: either the pipeline (no destinations outstanding) or
// whichever destination completion drew the last pending slot.
func (rt *Runtime) finalizeMessage(ctx context.Context, lm *liveMessage) {
	msg := lm.msg
	lm.setPost(rt.runPostprocessors(ctx, msg))
	if rt.durable() {
		if err := rt.persist(ctx, func() error {
			return rt.store.MarkProcessed(ctx, rt.cfg.ID, msg.MessageID)
		}); err != nil {
			rt.log.Error("failed to mark message processed", "messageId", msg.MessageID, "error", err)
		}
	}
	rt.removeOnCompletion(ctx, msg)
	rt.tracker.complete(lm)
}

// finalizeDetached finishes a message with no live tracking entry, which
// happens when a queue worker resolves a message from a previous run.
func (rt *Runtime) finalizeDetached(ctx context.Context, messageID int64) {
	if !rt.durable() {
		return
	}
	if !rt.tracker.claimDetached(messageID) {
		return
	}
	defer rt.tracker.releaseDetached(messageID)

	msg, err := rt.store.GetMessage(ctx, rt.cfg.ID, messageID, true)
	if err != nil {
		rt.log.Error("failed to load message for completion", "messageId", messageID, "error", err)
		return
	}
	if msg.Processed {
		return
	}
	for _, cm := range msg.ConnectorMessages {
		if cm.MetaDataID > 0 && !cm.Status.IsTerminal() {
			return
		}
	}
	rt.runPostprocessors(ctx, msg)
	if err := rt.persist(ctx, func() error {
		return rt.store.MarkProcessed(ctx, rt.cfg.ID, messageID)
	}); err != nil {
		rt.log.Error("failed to mark message processed", "messageId", messageID, "error", err)
	}
	rt.removeOnCompletion(ctx, msg)
}

// runPostprocessors runs the channel postprocessor then the global one.
// The channel script's response wins; script failures land in the source
// view's postprocessor error slot without changing any status.
func (rt *Runtime) runPostprocessors(ctx context.Context, msg *types.Message) *types.Response {
	var resp *types.Response
	for _, key := range []string{PostprocessorKey(rt.cfg.ID), GlobalPostprocessorKey} {
		if !rt.scripts.HasProgram(key) {
			continue
		}
		r, err := rt.scripts.RunPostprocessor(ctx, key, rt.scriptEnv(msg.MessageID), msg)
		if err != nil {
			if src := msg.Source(); src != nil {
				rt.recordError(ctx, src, types.ContentPostprocessorError, types.ErrorPostprocessor, err.Error())
				rt.emitMessageError(ctx, src, fmt.Errorf("postprocessor: %w", err))
			}
			continue
		}
		if resp == nil {
			resp = r
		}
	}
	return resp
}

// removeOnCompletion applies the channel's completion cleanup settings.
func (rt *Runtime) removeOnCompletion(ctx context.Context, msg *types.Message) {
	if !rt.durable() {
		return
	}
	props := rt.cfg.Properties
	if props.RemoveContentOnCompletion && (!props.RemoveOnlyFilteredOnCompletion || allDestinationsFiltered(msg)) {
		if err := rt.persist(ctx, func() error {
			_, err := rt.store.RemoveContent(ctx, rt.cfg.ID, []int64{msg.MessageID})
			return err
		}); err != nil {
			rt.log.Error("failed to remove content on completion", "messageId", msg.MessageID, "error", err)
		}
	}
	if props.RemoveAttachmentsOnCompletion {
		if err := rt.persist(ctx, func() error {
			_, err := rt.store.RemoveAttachments(ctx, rt.cfg.ID, []int64{msg.MessageID})
			return err
		}); err != nil {
			rt.log.Error("failed to remove attachments on completion", "messageId", msg.MessageID, "error", err)
		}
	}
}

func allDestinationsFiltered(msg *types.Message) bool {
	sawDest := false
	for _, cm := range msg.ConnectorMessages {
		if cm.MetaDataID == 0 {
			continue
		}
		sawDest = true
		if cm.Status != types.StatusFiltered {
			return false
		}
	}
	if !sawDest {
		src := msg.Source()
		return src != nil && src.Status == types.StatusFiltered
	}
	return true
}

// completionTracker follows the messages currently inside the pipeline so
// whichever goroutine resolves the last destination triggers completion.
type completionTracker struct {
	mu       sync.Mutex
	live     map[int64]*liveMessage
	detached map[int64]bool
}

func newCompletionTracker() *completionTracker {
	return &completionTracker{
		live:     map[int64]*liveMessage{},
		detached: map[int64]bool{},
	}
}

func (t *completionTracker) register(msg *types.Message, targets []int) *liveMessage {
	lm := &liveMessage{
		msg:       msg,
		pending:   make(map[int]bool, len(targets)),
		responses: make(map[int]*types.Response, len(targets)),
		done:      make(chan struct{}),
	}
	for _, id := range targets {
		lm.pending[id] = true
	}
	t.mu.Lock()
	t.live[msg.MessageID] = lm
	t.mu.Unlock()
	return lm
}

func (t *completionTracker) lookup(messageID int64) *liveMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[messageID]
}

func (t *completionTracker) complete(lm *liveMessage) {
	t.mu.Lock()
	delete(t.live, lm.msg.MessageID)
	t.mu.Unlock()
	close(lm.done)
}

func (t *completionTracker) claimDetached(messageID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached[messageID] {
		return false
	}
	t.detached[messageID] = true
	return true
}

func (t *completionTracker) releaseDetached(messageID int64) {
	t.mu.Lock()
	delete(t.detached, messageID)
	t.mu.Unlock()
}

// liveMessage is one in-pipeline message's completion state.
type liveMessage struct {
	msg *types.Message

	mu        sync.Mutex
	pending   map[int]bool
	responses map[int]*types.Response
	post      *types.Response

	done chan struct{}
}

// destinationDone marks a destination terminal and reports whether it was
// the last one outstanding.
func (lm *liveMessage) destinationDone(metaDataID int, resp *types.Response) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if !lm.pending[metaDataID] {
		return false
	}
	delete(lm.pending, metaDataID)
	if resp != nil {
		lm.responses[metaDataID] = resp
	}
	return len(lm.pending) == 0
}

func (lm *liveMessage) setPost(resp *types.Response) {
	lm.mu.Lock()
	lm.post = resp
	lm.mu.Unlock()
}

func (lm *liveMessage) postResponse() *types.Response {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.post
}

func (lm *liveMessage) responseFor(metaDataID int) *types.Response {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.responses[metaDataID]
}

// wait blocks until the message finished or the context ended.
func (lm *liveMessage) wait(ctx context.Context) {
	select {
	case <-lm.done:
	case <-ctx.Done():
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

func contentOf(mc *types.MessageContent) string {
	if mc == nil {
		return ""
	}
	return mc.Content
}
