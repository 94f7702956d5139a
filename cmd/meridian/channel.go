package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/engine"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/ui"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channel configurations",
}

var channelPurge bool

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered channels with statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		channels, err := store.GetChannels(ctx)
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			fmt.Println(ui.RenderMuted("no channels registered"))
			return nil
		}

		table := ui.NewTable("ID", "NAME", "STATE", "REV", "RECEIVED", "FILTERED", "SENT", "ERRORED")
		for _, ch := range channels {
			received, filtered, sent, errored := channelTotals(ctx, store, ch.ID)
			state := "DISABLED"
			if ch.Enabled {
				state = "ENABLED"
			}
			table.AddRow(
				ch.ID,
				ui.Truncate(ch.Name, 32),
				ui.RenderState(state),
				strconv.Itoa(ch.Revision),
				strconv.FormatInt(received, 10),
				strconv.FormatInt(filtered, 10),
				strconv.FormatInt(sent, 10),
				strconv.FormatInt(errored, 10),
			)
		}
		fmt.Print(table.Render())
		return nil
	},
}

// channelTotals sums per-connector statistics. Received counts only the
// source connector so fan-out channels do not inflate it.
func channelTotals(ctx context.Context, store storage.Store, channelID string) (received, filtered, sent, errored int64) {
	stats, err := store.GetStatistics(ctx, channelID)
	if err != nil {
		return 0, 0, 0, 0
	}
	for _, s := range stats {
		if s.MetaDataID == 0 {
			received += s.Received
		}
		filtered += s.Filtered
		sent += s.Sent
		errored += s.Errored
	}
	return received, filtered, sent, errored
}

var channelDeployCmd = &cobra.Command{
	Use:   "deploy <file>...",
	Short: "Deploy channel configuration files",
	Long: `Deploy validates each channel file, creates its message tables, and
registers it in the store. A serving engine picks up deployed channels from
the channel directory; this command prepares the store for channels that
arrive outside it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		eng, err := engine.New(ctx, engine.Config{Store: store, Logger: logger})
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close(context.Background()) }()

		var failed int
		for _, path := range args {
			ch, err := config.LoadChannelFile(path)
			if err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), path, err)
				failed++
				continue
			}
			// Connectors stay offline: the transient engine only runs
			// deploy hooks and provisions storage.
			enabled := ch.Enabled
			ch.Enabled = false
			if err := eng.Deploy(ctx, ch); err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), path, err)
				failed++
				continue
			}
			ch.Enabled = enabled
			if err := store.SaveChannel(ctx, ch); err != nil {
				return err
			}
			fmt.Printf("%s deployed %s (%s)\n", ui.RenderPass("✓"), ch.Name, ch.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d channel(s) failed to deploy", failed)
		}
		return nil
	},
}

var channelUndeployCmd = &cobra.Command{
	Use:   "undeploy <channel-id>",
	Short: "Remove a channel registration",
	Long: `Undeploy removes the channel from the store so a serving engine no
longer recovers or routes to it. Message tables are kept unless --purge is
given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ch, err := resolveChannel(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err := store.RemoveChannel(ctx, ch.ID); err != nil {
			return err
		}
		if channelPurge {
			if err := store.RemoveChannelTables(ctx, ch.ID); err != nil {
				return fmt.Errorf("channel removed but table purge failed: %w", err)
			}
		}
		fmt.Printf("%s undeployed %s (%s)\n", ui.RenderPass("✓"), ch.Name, ch.ID)
		return nil
	},
}

var channelStartCmd = &cobra.Command{
	Use:   "start <channel-id>",
	Short: "Enable a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannelEnabled(cmd.Context(), args[0], true)
	},
}

var channelStopCmd = &cobra.Command{
	Use:   "stop <channel-id>",
	Short: "Disable a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannelEnabled(cmd.Context(), args[0], false)
	},
}

// setChannelEnabled flips the stored enabled flag. A serving engine applies
// the change on its next redeploy of the channel.
func setChannelEnabled(ctx context.Context, ref string, enabled bool) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ch, err := resolveChannel(ctx, store, ref)
	if err != nil {
		return err
	}
	if ch.Enabled == enabled {
		fmt.Println(ui.RenderMuted("no change"))
		return nil
	}
	ch.Enabled = enabled
	if err := store.SaveChannel(ctx, ch); err != nil {
		return err
	}
	verb := "stopped"
	if enabled {
		verb = "started"
	}
	fmt.Printf("%s %s %s (%s)\n", ui.RenderPass("✓"), verb, ch.Name, ch.ID)
	return nil
}

// resolveChannel looks a channel up by id, falling back to name match.
func resolveChannel(ctx context.Context, store storage.Store, ref string) (*types.Channel, error) {
	ch, err := store.GetChannel(ctx, ref)
	if err == nil {
		return ch, nil
	}
	channels, listErr := store.GetChannels(ctx)
	if listErr != nil {
		return nil, err
	}
	for _, c := range channels {
		if c.Name == ref {
			return c, nil
		}
	}
	return nil, fmt.Errorf("channel %q not found", ref)
}

func init() {
	channelUndeployCmd.Flags().BoolVar(&channelPurge, "purge", false, "also drop the channel's message tables")
	channelCmd.AddCommand(channelListCmd, channelDeployCmd, channelUndeployCmd, channelStartCmd, channelStopCmd)
}
