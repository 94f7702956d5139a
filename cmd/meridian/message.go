package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/archive"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/engine"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/ui"
)

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Send, inspect, and export messages",
}

var (
	sendFile string
	sendWait bool

	listStatus string
	listLimit  int

	exportOut      string
	exportFormat   string
	exportCompress bool
	exportLimit    int
)

var messageSendCmd = &cobra.Command{
	Use:   "send <channel-id> [data]",
	Short: "Dispatch a raw message into a deployed channel",
	Long: `Send deploys the channel into a transient engine, dispatches the raw
payload through its pipeline, and waits for the result. The payload comes
from the second argument, --file, or stdin.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, err := readPayload(args)
		if err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ch, err := resolveChannel(ctx, store, args[0])
		if err != nil {
			return err
		}

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
		defer func() {
			closeCtx, cancel := contextWithStopTimeout()
			defer cancel()
			_ = eng.Close(closeCtx)
		}()

		if err := eng.Deploy(ctx, ch); err != nil {
			return err
		}

		result, err := eng.DispatchRawMessage(ctx, ch.ID, &types.RawMessage{Raw: raw}, true, sendWait)
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("channel %s did not accept the message", ch.ID)
		}

		fmt.Printf("%s message %d accepted by %s\n", ui.RenderPass("✓"), result.MessageID, ch.Name)
		if result.Response != nil {
			fmt.Printf("  status:   %s\n", ui.RenderState(string(result.Response.Status)))
			if result.Response.StatusMessage != "" {
				fmt.Printf("  response: %s\n", result.Response.StatusMessage)
			}
			if result.Response.Error != "" {
				fmt.Printf("  error:    %s\n", ui.RenderFail(result.Response.Error))
			}
		}
		return nil
	},
}

func readPayload(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if sendFile != "" {
		data, err := os.ReadFile(sendFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(data) == 0 {
		return "", fmt.Errorf("no payload: pass data as an argument or via --file")
	}
	return string(data), nil
}

var messageListCmd = &cobra.Command{
	Use:   "list <channel-id>",
	Short: "List stored messages for a channel",
	Args:  cobra.ExactArgs(1),
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

		filter := &types.MessageFilter{Limit: listLimit}
		if listStatus != "" {
			status := types.Status(listStatus)
			if !status.IsValid() {
				return fmt.Errorf("unknown status %q", listStatus)
			}
			filter.Statuses = []types.Status{status}
		}

		messages, err := store.GetMessages(ctx, ch.ID, filter)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			fmt.Println(ui.RenderMuted("no messages"))
			return nil
		}

		table := ui.NewTable("ID", "RECEIVED", "PROCESSED", "CONNECTORS")
		for _, msg := range messages {
			table.AddRow(
				strconv.FormatInt(msg.MessageID, 10),
				msg.ReceivedDate.Local().Format("2006-01-02 15:04:05"),
				strconv.FormatBool(msg.Processed),
				connectorSummary(msg),
			)
		}
		fmt.Print(table.Render())
		return nil
	},
}

// connectorSummary renders per-connector statuses as "name=STATUS" pairs in
// metadata order.
func connectorSummary(msg *types.Message) string {
	out := ""
	for _, id := range msg.MetaDataIDs() {
		cm := msg.ConnectorMessages[id]
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%s", cm.ConnectorName, ui.RenderState(string(cm.Status)))
	}
	return out
}

var messageExportCmd = &cobra.Command{
	Use:   "export <channel-id>",
	Short: "Export stored messages to archive files",
	Long: `Export writes a channel's stored messages to dated archive files under
the output folder, in the same layout the data pruner's archiver uses.`,
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

		opts := archive.Options{
			RootFolder: exportOut,
			Format:     archive.Format(exportFormat),
			Compress:   exportCompress,
		}
		writer, err := archive.NewWriter(opts)
		if err != nil {
			return err
		}

		messages, err := store.GetMessages(ctx, ch.ID, &types.MessageFilter{Limit: exportLimit})
		if err != nil {
			return err
		}
		for _, msg := range messages {
			full, err := store.GetMessage(ctx, ch.ID, msg.MessageID, true)
			if err != nil {
				return err
			}
			if err := writer.Write(full); err != nil {
				return err
			}
		}
		if err := writer.Flush(); err != nil {
			return err
		}

		fmt.Printf("%s exported %d message(s) to %s\n", ui.RenderPass("✓"), len(messages), exportOut)
		return nil
	},
}

func contextWithStopTimeout() (ctx context.Context, cancel context.CancelFunc) {
	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func init() {
	messageSendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "read the payload from a file")
	messageSendCmd.Flags().BoolVar(&sendWait, "wait", true, "wait for pipeline completion and print the response")

	messageListCmd.Flags().StringVar(&listStatus, "status", "", "filter by connector status (RECEIVED, SENT, ERROR, ...)")
	messageListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum messages to list")

	messageExportCmd.Flags().StringVarP(&exportOut, "out", "o", "meridian-export", "output folder")
	messageExportCmd.Flags().StringVar(&exportFormat, "format", "json", "archive format (json or xml)")
	messageExportCmd.Flags().BoolVar(&exportCompress, "compress", false, "gzip each archive file")
	messageExportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum messages to export (0 for all)")

	messageCmd.AddCommand(messageSendCmd, messageListCmd, messageExportCmd)
}
