// Package engine owns the registry of deployed channels. It is the single
// inbound path for raw messages: source connectors dispatch through the
// engine, and the engine doubles as the in-process router that carries
// messages from one channel's VM destination into another channel's source.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/channel"
	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/script"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

// Configuration rows owned by the engine.
const (
	serverCategory = "server"
	serverIDKey    = "server.id"
)

// ErrAlreadyDeployed is returned when a channel id already has a deployed
// runtime. At most one runtime per id may exist.
var ErrAlreadyDeployed = errors.New("channel is already deployed")

// ErrNotDeployed is returned by operations that require a deployed channel.
var ErrNotDeployed = errors.New("channel is not deployed")

// DeployError wraps a deploy failure. The registry is unchanged when a
// deploy fails.
type DeployError struct {
	ChannelID string
	Stage     string
	Err       error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy channel %s: %s: %v", e.ChannelID, e.Stage, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// GlobalScripts are the engine-wide hooks that run around every channel's
// own scripts.
type GlobalScripts struct {
	Deploy        string
	Undeploy      string
	Preprocessor  string
	Postprocessor string
}

// Config assembles an Engine.
type Config struct {
	Store  storage.Store
	Logger *slog.Logger

	// ServerID identifies this process in message rows. Empty means load
	// or mint one from the configuration table.
	ServerID string

	GlobalScripts GlobalScripts

	// ScriptTimeout bounds each script invocation; zero keeps the script
	// runtime default.
	ScriptTimeout time.Duration

	// StopTimeout bounds draining in-flight messages on channel stop.
	StopTimeout time.Duration

	// Validator, when set, is handed to every deployed channel.
	Validator connector.ResponseValidator
}

// Engine is the channel registry and dispatch entry point.
type Engine struct {
	store    storage.Store
	log      *slog.Logger
	bus      *events.Bus
	vars     *vars.Service
	scripts  *script.Runtime
	serverID string

	validator   connector.ResponseValidator
	stopTimeout time.Duration

	mu       sync.RWMutex
	channels map[string]*channel.Runtime
	closed   bool
}

// New builds an engine over the store: loads or mints the server id, loads
// the configuration map, wires the event bus with its audit handler, and
// compiles the global scripts.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	serverID := cfg.ServerID
	if serverID == "" {
		var err error
		serverID, err = loadServerID(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	varsSvc := vars.NewService()
	if err := varsSvc.LoadConfiguration(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("load configuration map: %w", err)
	}

	bus := events.New(log)
	bus.Register(&events.AuditHandler{ServerID: serverID, Store: cfg.Store})

	var scriptOpts []script.Option
	if cfg.ScriptTimeout > 0 {
		scriptOpts = append(scriptOpts, script.WithTimeout(cfg.ScriptTimeout))
	}
	scripts := script.New(log, varsSvc, scriptOpts...)

	e := &Engine{
		store:       cfg.Store,
		log:         log,
		bus:         bus,
		vars:        varsSvc,
		scripts:     scripts,
		serverID:    serverID,
		validator:   cfg.Validator,
		stopTimeout: cfg.StopTimeout,
		channels:    make(map[string]*channel.Runtime),
	}
	if err := e.compileGlobalScripts(cfg.GlobalScripts); err != nil {
		return nil, err
	}
	e.emit(ctx, &events.Event{Type: events.TypeEngineStarted, Time: time.Now(), ServerID: serverID})
	return e, nil
}

// loadServerID reads the persisted server id, minting and storing a fresh
// uuid on first start.
func loadServerID(ctx context.Context, store storage.Store) (string, error) {
	id, err := store.GetConfig(ctx, serverCategory, serverIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load server id: %w", err)
	}
	id = uuid.NewString()
	if err := store.SetConfig(ctx, serverCategory, serverIDKey, id); err != nil {
		return "", fmt.Errorf("persist server id: %w", err)
	}
	return id, nil
}

func (e *Engine) compileGlobalScripts(gs GlobalScripts) error {
	global := []struct{ key, name, source string }{
		{channel.GlobalDeployKey, "global deploy", gs.Deploy},
		{channel.GlobalUndeployKey, "global undeploy", gs.Undeploy},
		{channel.GlobalPreprocessorKey, "global preprocessor", gs.Preprocessor},
		{channel.GlobalPostprocessorKey, "global postprocessor", gs.Postprocessor},
	}
	for _, s := range global {
		if s.source == "" {
			continue
		}
		if err := e.scripts.CompileChannelScript(s.key, s.name, s.source); err != nil {
			return fmt.Errorf("compile %s: %w", s.name, err)
		}
	}
	return nil
}

// ServerID returns this engine's persistent identity.
func (e *Engine) ServerID() string { return e.serverID }

// Store exposes the message store for maintenance surfaces (pruner, CLI).
func (e *Engine) Store() storage.Store { return e.store }

// Events exposes the event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// Vars exposes the shared variable maps.
func (e *Engine) Vars() *vars.Service { return e.vars }

// Deploy builds and registers the runtime for a channel configuration:
// tables, compiled scripts, connectors, deploy hooks, crash recovery, and
// (for an enabled channel) the source connector. A failure at any stage
// leaves the registry unchanged.
func (e *Engine) Deploy(ctx context.Context, cfg *types.Channel) error {
	if cfg == nil {
		return errors.New("channel configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return &DeployError{ChannelID: cfg.ID, Stage: "validate", Err: err}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine is closed")
	}
	if _, exists := e.channels[cfg.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("channel %s: %w", cfg.ID, ErrAlreadyDeployed)
	}
	e.mu.Unlock()

	if cfg.Properties.StorageMode.Durable() {
		if err := e.store.CreateChannelTables(ctx, cfg.ID, cfg.Properties.MetaDataColumns); err != nil {
			return &DeployError{ChannelID: cfg.ID, Stage: "create tables", Err: err}
		}
		if err := e.store.SaveChannel(ctx, cfg); err != nil {
			return &DeployError{ChannelID: cfg.ID, Stage: "save channel", Err: err}
		}
	}

	if err := channel.CompileScripts(e.scripts, cfg); err != nil {
		channel.InvalidateScripts(e.scripts, cfg.ID)
		return &DeployError{ChannelID: cfg.ID, Stage: "compile scripts", Err: err}
	}

	rt, err := channel.New(channel.Params{
		Channel:     cfg,
		Store:       e.store,
		Scripts:     e.scripts,
		Events:      e.bus,
		Vars:        e.vars,
		Router:      e,
		ServerID:    e.serverID,
		Logger:      e.log,
		Validator:   e.validator,
		StopTimeout: e.stopTimeout,
	})
	if err != nil {
		channel.InvalidateScripts(e.scripts, cfg.ID)
		return &DeployError{ChannelID: cfg.ID, Stage: "build runtime", Err: err}
	}

	env := script.Env{ChannelID: cfg.ID, ChannelName: cfg.Name, Router: e}
	for _, key := range []string{channel.GlobalDeployKey, channel.DeployKey(cfg.ID)} {
		if !e.scripts.HasProgram(key) {
			continue
		}
		if err := e.scripts.RunChannelScript(ctx, key, env); err != nil {
			channel.InvalidateScripts(e.scripts, cfg.ID)
			return &DeployError{ChannelID: cfg.ID, Stage: "deploy script", Err: err}
		}
	}

	e.mu.Lock()
	if _, exists := e.channels[cfg.ID]; exists {
		e.mu.Unlock()
		channel.InvalidateScripts(e.scripts, cfg.ID)
		return fmt.Errorf("channel %s: %w", cfg.ID, ErrAlreadyDeployed)
	}
	e.channels[cfg.ID] = rt
	e.mu.Unlock()

	if err := rt.Recover(ctx); err != nil {
		e.log.Error("channel recovery failed", "channel", cfg.ID, "error", err)
	}
	e.emit(ctx, events.NewChannelEvent(events.TypeChannelDeployed, cfg.ID, cfg.Name))

	if cfg.Enabled {
		if err := rt.Start(ctx); err != nil {
			e.log.Error("channel autostart failed", "channel", cfg.ID, "error", err)
			return fmt.Errorf("channel %s deployed but failed to start: %w", cfg.ID, err)
		}
	}
	return nil
}

// Undeploy stops a channel, runs its undeploy hooks, and removes it from
// the registry. Persistent data stays put.
func (e *Engine) Undeploy(ctx context.Context, channelID string) error {
	e.mu.Lock()
	rt, ok := e.channels[channelID]
	if ok {
		delete(e.channels, channelID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotDeployed)
	}

	var firstErr error
	if err := rt.Stop(ctx); err != nil {
		firstErr = err
	}

	env := script.Env{ChannelID: channelID, ChannelName: rt.Name(), Router: e}
	for _, key := range []string{channel.UndeployKey(channelID), channel.GlobalUndeployKey} {
		if !e.scripts.HasProgram(key) {
			continue
		}
		if err := e.scripts.RunChannelScript(ctx, key, env); err != nil {
			e.log.Error("undeploy script failed", "channel", channelID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	channel.InvalidateScripts(e.scripts, channelID)
	e.vars.RemoveChannel(channelID)
	e.emit(ctx, events.NewChannelEvent(events.TypeChannelUndeployed, channelID, rt.Name()))
	return firstErr
}

// Start brings a deployed channel online.
func (e *Engine) Start(ctx context.Context, channelID string) error {
	rt := e.Channel(channelID)
	if rt == nil {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotDeployed)
	}
	return rt.Start(ctx)
}

// Stop takes a deployed channel offline without tearing it down.
func (e *Engine) Stop(ctx context.Context, channelID string) error {
	rt := e.Channel(channelID)
	if rt == nil {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotDeployed)
	}
	return rt.Stop(ctx)
}

// Channel returns the deployed runtime for channelID, or nil.
func (e *Engine) Channel(channelID string) *channel.Runtime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[channelID]
}

// ChannelByName returns the deployed runtime with the given name, or nil.
func (e *Engine) ChannelByName(name string) *channel.Runtime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rt := range e.channels {
		if rt.Name() == name {
			return rt
		}
	}
	return nil
}

// Channels returns every deployed runtime.
func (e *Engine) Channels() []*channel.Runtime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*channel.Runtime, 0, len(e.channels))
	for _, rt := range e.channels {
		out = append(out, rt)
	}
	return out
}

// DispatchRawMessage is the single inbound path for raw messages. It
// returns (nil, nil) when the channel is not deployed, or deployed but not
// running and force is unset, so callers can distinguish "unavailable"
// from a processing failure.
func (e *Engine) DispatchRawMessage(ctx context.Context, channelID string, raw *types.RawMessage, force, wait bool) (*types.DispatchResult, error) {
	rt := e.Channel(channelID)
	if rt == nil {
		return nil, nil
	}
	if !rt.Running() && !force {
		return nil, nil
	}
	result, err := rt.Dispatch(ctx, raw, channel.DispatchOptions{Force: force, Wait: wait})
	if errors.Is(err, channel.ErrStopped) {
		return nil, nil
	}
	return result, err
}

// Close undeploys every channel and announces shutdown. The store is the
// caller's to close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := e.Undeploy(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.emit(ctx, &events.Event{Type: events.TypeEngineStopped, Time: time.Now(), ServerID: e.serverID})
	return firstErr
}

func (e *Engine) emit(ctx context.Context, ev *events.Event) {
	if ev.ServerID == "" {
		ev.ServerID = e.serverID
	}
	if err := e.bus.Dispatch(ctx, ev); err != nil {
		e.log.Warn("engine event dropped", "type", ev.Type, "error", err)
	}
}
