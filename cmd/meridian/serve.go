package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/engine"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/lockfile"
	"github.com/meridianhq/meridian/internal/pruner"
	"github.com/meridianhq/meridian/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine until interrupted",
	Long: `Serve locks the data directory, opens the message store, deploys every
channel found in the channel directory, and processes messages until the
process receives SIGINT or SIGTERM. Channel files edited while serving are
redeployed in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	lock, err := lockfile.Acquire(cfg.DataDir, lockfile.LockInfo{
		Database: cfg.DSN(),
		Version:  Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := telemetry.Init(ctx, "meridian", Version); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	scripts, err := config.LoadGlobalScripts(cfg.GlobalScriptsDir)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, engine.Config{
		Store:         store,
		Logger:        logger,
		GlobalScripts: scripts,
		ScriptTimeout: cfg.ScriptTimeout,
		StopTimeout:   cfg.StopTimeout,
	})
	if err != nil {
		return err
	}
	eng.Events().Register(telemetry.NewMetricsHandler())
	eng.Events().Register(connectionLogHandler{})

	if cfg.ChannelDir != "" {
		channels, err := config.LoadChannelDir(cfg.ChannelDir)
		if err != nil {
			return err
		}
		for _, ch := range channels {
			if err := eng.Deploy(ctx, ch); err != nil {
				logger.Error("deploy failed", "channel_id", ch.ID, "error", err)
			}
		}
	}

	pr, err := pruner.New(ctx, pruner.Config{
		Store:  store,
		Logger: logger,
		Events: eng.Events(),
	})
	if err != nil {
		return err
	}
	pr.Start(ctx)
	defer pr.Stop()

	var watcher *fsnotify.Watcher
	if cfg.ChannelDir != "" {
		if watcher, err = watchChannels(ctx, eng); err != nil {
			logger.Warn("channel hot redeploy unavailable", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	logger.Info("meridian serving",
		"server_id", eng.ServerID(),
		"channels", len(eng.Channels()),
		"database", cfg.DSN())

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := contextWithStopTimeout()
	defer cancel()
	return eng.Close(closeCtx)
}

// watchChannels redeploys channels as their files change on disk. Editors
// fire bursts of events per save, so changes are debounced per path.
func watchChannels(ctx context.Context, eng *engine.Engine) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.ChannelDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		pending := make(map[string]*time.Timer)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !config.IsChannelFile(event.Name) {
					continue
				}
				path := event.Name
				if t, ok := pending[path]; ok {
					t.Stop()
				}
				op := event.Op
				pending[path] = time.AfterFunc(250*time.Millisecond, func() {
					redeployFile(ctx, eng, path, op)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("channel watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}

func redeployFile(ctx context.Context, eng *engine.Engine, path string, op fsnotify.Op) {
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		// The file name is the only link to the channel; find it by
		// reloading what remains and undeploying the orphan.
		undeployMissing(ctx, eng)
		return
	}

	ch, err := config.LoadChannelFile(path)
	if err != nil {
		logger.Error("channel file rejected", "path", path, "error", err)
		return
	}
	if eng.Channel(ch.ID) != nil {
		if err := eng.Undeploy(ctx, ch.ID); err != nil {
			logger.Error("undeploy for redeploy failed", "channel_id", ch.ID, "error", err)
			return
		}
	}
	if err := eng.Deploy(ctx, ch); err != nil {
		logger.Error("redeploy failed", "channel_id", ch.ID, "error", err)
		return
	}
	logger.Info("channel redeployed", "channel_id", ch.ID, "path", filepath.Base(path))
}

// undeployMissing removes deployed channels whose files are gone.
func undeployMissing(ctx context.Context, eng *engine.Engine) {
	channels, err := config.LoadChannelDir(cfg.ChannelDir)
	if err != nil {
		logger.Warn("channel directory rescan failed", "error", err)
		return
	}
	keep := make(map[string]bool, len(channels))
	for _, ch := range channels {
		keep[ch.ID] = true
	}
	for _, rt := range eng.Channels() {
		if keep[rt.ID()] {
			continue
		}
		if err := eng.Undeploy(ctx, rt.ID()); err != nil && !errors.Is(err, engine.ErrNotDeployed) {
			logger.Error("undeploy failed", "channel_id", rt.ID(), "error", err)
		} else {
			logger.Info("channel undeployed", "channel_id", rt.ID())
		}
	}
}

// subscribeConnectionLog mirrors connector state changes into the log at
// debug level. Handy when bringing a new channel up.
type connectionLogHandler struct{}

func (connectionLogHandler) ID() string            { return "connection-log" }
func (connectionLogHandler) Handles() []events.Type { return []events.Type{events.TypeConnection} }
func (connectionLogHandler) Priority() int         { return 100 }
func (connectionLogHandler) Handle(_ context.Context, event *events.Event) error {
	logger.Debug("connector state",
		"channel_id", event.ChannelID,
		"connector", event.ConnectorName,
		"state", strings.ToLower(string(event.State)))
	return nil
}
