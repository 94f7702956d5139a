// Package channel runs deployed channels. A Runtime owns one channel's
// source connector, destination connectors, compiled scripts, and queue
// workers; every message the channel handles enters through Dispatch and
// leaves through the destination chains and the postprocessor.
//
// The message lifecycle follows the store's status model: the source view
// moves RECEIVED -> TRANSFORMED (or FILTERED/ERROR), each destination view
// moves RECEIVED -> TRANSFORMED -> PENDING -> SENT, parking as QUEUED
// between retry attempts when the destination queue is enabled.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/script"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

// ErrStopped is returned by Dispatch when the channel is deployed but not
// running and the caller did not force processing.
var ErrStopped = errors.New("channel is not running")

const defaultStopTimeout = 30 * time.Second

// lifecycle bundles a runtime's start/stop state. runCtx outlives any
// single Dispatch call; background work (queue retries, deferred
// processing) runs on it and ends when the channel stops.
type lifecycle struct {
	mu       sync.Mutex
	running  atomic.Bool
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func (l *lifecycle) isRunning() bool { return l.running.Load() }

// Params carries everything a channel runtime needs from the engine.
type Params struct {
	Channel  *types.Channel
	Store    storage.Store
	Scripts  *script.Runtime
	Events   *events.Bus
	Vars     *vars.Service
	Router   connector.Router
	ServerID string
	Logger   *slog.Logger

	// Validator, when set, inspects every destination response after the
	// response transformer ran.
	Validator connector.ResponseValidator

	// StopTimeout bounds how long Stop waits for in-flight messages.
	// Zero means 30 seconds.
	StopTimeout time.Duration
}

// Runtime is one deployed channel.
type Runtime struct {
	cfg      *types.Channel
	store    storage.Store
	scripts  *script.Runtime
	events   *events.Bus
	vars     *vars.Service
	router   connector.Router
	serverID string
	log      *slog.Logger

	replacer  *connector.Replacer
	extractor *extractor
	validator connector.ResponseValidator

	source connector.Source
	dests  []*destination
	byID   map[int]*destination
	chains []types.Chain

	workers     *semaphore.Weighted
	stopTimeout time.Duration
	tracker     *completionTracker

	lc    lifecycle
	fatal atomic.Bool
}

// New builds a runtime for the channel configuration. The configuration is
// validated and defaulted in place; connector factories run here, so an
// unknown transport fails the deploy rather than the first message.
func New(p Params) (*Runtime, error) {
	cfg := p.Channel
	if cfg == nil {
		return nil, errors.New("channel configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
	}
	if p.Store == nil {
		return nil, errors.New("message store is required")
	}
	if p.Scripts == nil {
		return nil, errors.New("script runtime is required")
	}

	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("channel", cfg.Name, "channelId", cfg.ID)

	ex, err := newExtractor(cfg.Properties)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
	}

	rt := &Runtime{
		cfg:         cfg,
		store:       p.Store,
		scripts:     p.Scripts,
		events:      p.Events,
		vars:        p.Vars,
		router:      p.Router,
		serverID:    p.ServerID,
		log:         log,
		replacer:    connector.NewReplacer(p.Vars),
		extractor:   ex,
		validator:   p.Validator,
		byID:        make(map[int]*destination),
		chains:      cfg.Chains(),
		workers:     semaphore.NewWeighted(int64(cfg.Properties.MaxProcessingThreads)),
		stopTimeout: p.StopTimeout,
		tracker:     newCompletionTracker(),
	}
	if rt.stopTimeout <= 0 {
		rt.stopTimeout = defaultStopTimeout
	}

	deps := connector.Deps{
		ChannelID:   cfg.ID,
		ChannelName: cfg.Name,
		Logger:      log,
		Events:      p.Events,
		Vars:        p.Vars,
		Router:      p.Router,
	}
	rt.source, err = connector.NewSource(cfg.Source, deps)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
	}
	for _, dcfg := range cfg.Destinations {
		if !dcfg.Enabled {
			continue
		}
		conn, err := connector.NewDestination(dcfg, deps)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
		}
		d := newDestination(rt, dcfg, conn)
		rt.dests = append(rt.dests, d)
		rt.byID[dcfg.MetaDataID] = d
	}
	if len(rt.dests) == 0 {
		return nil, fmt.Errorf("channel %s: no enabled destinations", cfg.ID)
	}
	return rt, nil
}

// ID returns the channel id.
func (rt *Runtime) ID() string { return rt.cfg.ID }

// Name returns the channel name.
func (rt *Runtime) Name() string { return rt.cfg.Name }

// Config returns the channel configuration the runtime was built from.
// Callers must treat it as read-only.
func (rt *Runtime) Config() *types.Channel { return rt.cfg }

// Running reports whether the channel accepts messages.
func (rt *Runtime) Running() bool { return rt.lc.isRunning() }

// Start brings the channel online: destination connectors first, then
// queue workers, then the source connector, so nothing can be received
// before everything downstream is ready to take it.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.lc.mu.Lock()
	defer rt.lc.mu.Unlock()
	if rt.lc.running.Load() {
		return nil
	}
	rt.fatal.Store(false)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for i, d := range rt.dests {
		if err := d.conn.Start(runCtx); err != nil {
			for _, prev := range rt.dests[:i] {
				_ = prev.conn.Stop()
			}
			cancel()
			return fmt.Errorf("start destination %s: %w", d.cfg.Name, err)
		}
	}
	for _, d := range rt.dests {
		d.startQueue(runCtx)
	}
	if err := rt.source.Start(runCtx, rt.ingest); err != nil {
		for _, d := range rt.dests {
			d.stopQueue()
			_ = d.conn.Stop()
		}
		cancel()
		return fmt.Errorf("start source: %w", err)
	}

	rt.lc.runCtx = runCtx
	rt.lc.cancel = cancel
	rt.lc.running.Store(true)
	rt.emitLifecycle(ctx, events.TypeChannelStarted)
	rt.log.Info("channel started",
		"destinations", len(rt.dests),
		"chains", len(rt.chains),
		"dispatchMode", string(rt.cfg.Properties.DispatchMode))
	return nil
}

// Stop takes the channel offline. The source stops first so nothing new
// arrives, then in-flight messages get stopTimeout to drain, then queue
// workers and destination connectors shut down. Queued messages stay in
// the store and resume on the next Start.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.lc.mu.Lock()
	defer rt.lc.mu.Unlock()
	if !rt.lc.running.Load() {
		return nil
	}
	rt.lc.running.Store(false)

	var firstErr error
	if err := rt.source.Stop(); err != nil {
		firstErr = fmt.Errorf("stop source: %w", err)
	}

	done := make(chan struct{})
	go func() {
		rt.lc.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rt.stopTimeout):
		rt.log.Warn("in-flight messages did not drain before shutdown", "timeout", rt.stopTimeout)
	}

	for _, d := range rt.dests {
		d.stopQueue()
	}
	for _, d := range rt.dests {
		if err := d.conn.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop destination %s: %w", d.cfg.Name, err)
		}
	}
	rt.lc.cancel()
	rt.emitLifecycle(ctx, events.TypeChannelStopped)
	rt.log.Info("channel stopped")
	return firstErr
}

// ingest is the Ingest callback handed to the source connector.
func (rt *Runtime) ingest(ctx context.Context, raw *types.RawMessage) (*types.DispatchResult, error) {
	return rt.Dispatch(ctx, raw, DispatchOptions{Wait: rt.cfg.Source.RespondAfterProcessing})
}

// scriptEnv builds the execution environment scripts of this channel see.
// The attachment surface is per-message; messageID 0 yields an environment
// without one (deploy/undeploy scripts).
func (rt *Runtime) scriptEnv(messageID int64) script.Env {
	env := script.Env{
		ChannelID:   rt.cfg.ID,
		ChannelName: rt.cfg.Name,
		Router:      rt.router,
	}
	if messageID > 0 {
		mime := rt.cfg.Properties.AttachmentMimeType
		if mime == "" {
			mime = "text/plain"
		}
		env.Attachments = &attachmentAccessor{
			store:     rt.store,
			channelID: rt.cfg.ID,
			messageID: messageID,
			mime:      mime,
		}
	}
	return env
}

// durable reports whether this channel persists messages at all.
func (rt *Runtime) durable() bool {
	return rt.cfg.Properties.StorageMode.Durable()
}

// persistRetries bounds how many times one storage write is reattempted
// after a retryable failure.
const persistRetries = 3

// persist runs one storage write, retrying lock conflicts and transient
// backend failures with backoff. A fatal failure (store closed) takes the
// channel offline: nothing can be recorded anymore, so continuing would
// lose messages silently. Missing tables and other failures surface to the
// caller unchanged.
func (rt *Runtime) persist(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = time.Second
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil || storage.KindOf(err).Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, persistRetries), ctx))
	if storage.KindOf(err) == storage.KindFatal {
		rt.stopOnFatal(err)
	}
	return err
}

// stopOnFatal takes the channel offline after an unrecoverable storage
// failure. Stop runs on its own goroutine because the failing write usually
// happens on an in-flight worker Stop waits for.
func (rt *Runtime) stopOnFatal(err error) {
	if !rt.fatal.CompareAndSwap(false, true) {
		return
	}
	rt.log.Error("storage failure is unrecoverable, stopping channel", "error", err)
	go func() {
		_ = rt.Stop(context.Background())
	}()
}

// persistContent writes a content slot when the storage mode keeps it, and
// records it on the connector message either way so later stages see it.
func (rt *Runtime) persistContent(ctx context.Context, cm *types.ConnectorMessage, ct types.ContentType, content string) error {
	mc := &types.MessageContent{
		ChannelID:   cm.ChannelID,
		MessageID:   cm.MessageID,
		MetaDataID:  cm.MetaDataID,
		ContentType: ct,
		Content:     content,
	}
	cm.SetContent(mc)
	if !rt.durable() || !rt.cfg.Properties.StorageMode.StoresContent(ct) {
		return nil
	}
	return rt.persist(ctx, func() error { return rt.store.StoreContent(ctx, mc) })
}

// persistMaps flushes the connector message's mutable maps when the
// storage mode keeps them.
func (rt *Runtime) persistMaps(ctx context.Context, cm *types.ConnectorMessage) error {
	if !rt.durable() || !rt.cfg.Properties.StorageMode.StoresMaps() {
		return nil
	}
	return rt.persist(ctx, func() error { return rt.store.UpdateMaps(ctx, cm) })
}

// setStatus persists a status transition and mirrors it on the in-memory
// view. The store maintains the per-status statistics from the delta.
func (rt *Runtime) setStatus(ctx context.Context, cm *types.ConnectorMessage, status types.Status) error {
	previous := cm.Status
	cm.Status = status
	if !rt.durable() {
		return nil
	}
	return rt.persist(ctx, func() error { return rt.store.UpdateStatus(ctx, cm, previous) })
}

// recordError attaches error content to the connector message and persists
// it. Error content survives in every durable storage mode.
func (rt *Runtime) recordError(ctx context.Context, cm *types.ConnectorMessage, ct types.ContentType, code int, errText string) {
	cm.SetContent(&types.MessageContent{
		ChannelID:   cm.ChannelID,
		MessageID:   cm.MessageID,
		MetaDataID:  cm.MetaDataID,
		ContentType: ct,
		Content:     errText,
	})
	cm.ErrorCode |= code
	if !rt.durable() {
		return
	}
	if err := rt.persist(ctx, func() error { return rt.store.UpdateErrors(ctx, cm) }); err != nil {
		rt.log.Error("failed to persist message error", "messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "error", err)
	}
}

// emitMessageError publishes a per-message failure event.
func (rt *Runtime) emitMessageError(ctx context.Context, cm *types.ConnectorMessage, err error) {
	rt.log.Error("message processing error",
		"messageId", cm.MessageID, "metaDataId", cm.MetaDataID, "connector", cm.ConnectorName, "error", err)
	if rt.events == nil {
		return
	}
	ev := &events.Event{
		Type:          events.TypeMessageError,
		Time:          time.Now(),
		ServerID:      rt.serverID,
		ChannelID:     rt.cfg.ID,
		ChannelName:   rt.cfg.Name,
		MetaDataID:    cm.MetaDataID,
		ConnectorName: cm.ConnectorName,
		MessageID:     cm.MessageID,
		Error:         err.Error(),
	}
	if derr := rt.events.Dispatch(ctx, ev); derr != nil {
		rt.log.Warn("message error event dropped", "error", derr)
	}
}

func (rt *Runtime) emitLifecycle(ctx context.Context, typ events.Type) {
	if rt.events == nil {
		return
	}
	ev := events.NewChannelEvent(typ, rt.cfg.ID, rt.cfg.Name)
	ev.ServerID = rt.serverID
	if err := rt.events.Dispatch(ctx, ev); err != nil {
		rt.log.Warn("lifecycle event dropped", "type", typ, "error", err)
	}
}
