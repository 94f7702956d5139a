// Command meridian runs and administers the integration engine: serve
// hosts the deployed channels, the rest of the commands operate on the
// message store directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/storage/factory"

	// Built-in transports register themselves with the connector registry.
	_ "github.com/meridianhq/meridian/internal/connector/fileconn"
	_ "github.com/meridianhq/meridian/internal/connector/vmconn"
)

// Version is stamped by the release build; dev builds report "dev".
var Version = "dev"

var (
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	// Signal-aware context for graceful shutdown.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "meridian",
	Short:         "Message integration engine",
	Long:          "meridian routes, transforms and stores messages flowing between systems, one pipeline per configured channel.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore connects to the configured message store.
func openStore(ctx context.Context) (storage.Store, error) {
	backend, path, err := storage.ParseDSN(cfg.DSN())
	if err != nil {
		return nil, err
	}
	return factory.New(ctx, backend, path)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to meridian.yaml (default: ./meridian.yaml)")

	rootCmd.AddCommand(
		serveCmd,
		channelCmd,
		messageCmd,
		pruneCmd,
		archiveCmd,
		versionCmd,
	)

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meridian version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meridian %s\n", Version)
	},
}
