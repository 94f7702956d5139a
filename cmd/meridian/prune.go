package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/pruner"
	"github.com/meridianhq/meridian/internal/timeparsing"
	"github.com/meridianhq/meridian/internal/ui"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune and archive aged messages",
}

var pruneOlderThan string

var pruneRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pruning cycle now",
	Long: `Run executes a single pruning cycle against the store using the saved
pruner settings and each channel's retention thresholds. With --older-than,
every channel is pruned to the given cutoff instead; the expression may be a
compact duration (-30d), a date (2026-01-01), or natural language
("3 weeks ago").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		p, err := pruner.New(ctx, pruner.Config{Store: store, Logger: logger})
		if err != nil {
			return err
		}

		if pruneOlderThan == "" {
			err = p.Run(ctx)
		} else {
			var cutoff time.Time
			cutoff, err = timeparsing.ParseRelativeTime(pruneOlderThan, time.Now())
			if err != nil {
				return fmt.Errorf("--older-than: %w", err)
			}
			if !cutoff.Before(time.Now()) {
				return fmt.Errorf("--older-than %q resolves to the future (%s)",
					pruneOlderThan, cutoff.Format(time.RFC3339))
			}
			err = p.RunBefore(ctx, cutoff)
		}
		printPruneStatus(p.LastStatus())
		return err
	},
}

func printPruneStatus(status *pruner.Status) {
	if status == nil {
		fmt.Println(ui.RenderMuted("no run recorded"))
		return
	}
	fmt.Printf("%s pruning cycle finished in %s\n",
		ui.RenderPass("✓"), status.EndTime.Sub(status.StartTime).Round(time.Millisecond))
	fmt.Printf("  messages pruned: %d\n", status.MessagesPruned)
	fmt.Printf("  content pruned:  %d\n", status.ContentPruned)
	fmt.Printf("  events pruned:   %d\n", status.EventsPruned)
	fmt.Printf("  channels:        %d processed, %d failed\n",
		len(status.Processed), len(status.Failed))
	if len(status.Failed) > 0 {
		ids := make([]string, 0, len(status.Failed))
		for id := range status.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Printf("  failed:          %s\n", ui.RenderFail(strings.Join(ids, ", ")))
	}
}

var pruneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved pruner settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		settings, err := pruner.LoadSettings(ctx, store)
		if err != nil {
			return err
		}

		enabled := ui.RenderFail("disabled")
		if settings.Enabled {
			enabled = ui.RenderPass("enabled")
		}
		fmt.Printf("scheduler:        %s (every %dh)\n", enabled, settings.PollingIntervalHours)
		fmt.Printf("block sizes:      %d prune, %d archive\n",
			settings.PruningBlockSize, settings.ArchivingBlockSize)
		fmt.Printf("archiving:        %s\n", onOff(settings.ArchiveEnabled))
		if settings.ArchiveEnabled {
			fmt.Printf("archive folder:   %s\n", settings.Archiver.RootFolder)
		}
		fmt.Printf("event pruning:    %s", onOff(settings.PruneEvents))
		if settings.PruneEvents {
			fmt.Printf(" (older than %d days)", settings.MaxEventAgeDays)
		}
		fmt.Println()
		statuses := make([]string, 0, len(settings.SkipStatuses))
		for _, s := range settings.SkipStatuses {
			statuses = append(statuses, string(s))
		}
		fmt.Printf("skip statuses:    %s\n", strings.Join(statuses, ", "))
		fmt.Printf("skip incomplete:  %s\n", strconv.FormatBool(settings.SkipIncomplete))
		return nil
	},
}

func onOff(v bool) string {
	if v {
		return ui.RenderPass("on")
	}
	return ui.RenderMuted("off")
}

func init() {
	pruneRunCmd.Flags().StringVar(&pruneOlderThan, "older-than", "", "prune all channels to this cutoff instead of their configured thresholds")
	pruneCmd.AddCommand(pruneRunCmd, pruneStatusCmd)
}
