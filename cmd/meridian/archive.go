package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian/internal/archive"
	"github.com/meridianhq/meridian/internal/ui"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with pruner archive files",
}

var archivePassword string

var archiveDecryptCmd = &cobra.Command{
	Use:   "decrypt <file>...",
	Short: "Decrypt and decompress archive files",
	Long: `Decrypt reverses the archiver's encryption and compression, writing the
plain archive next to each input file. Existing outputs are never
overwritten.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if archivePassword == "" {
			return fmt.Errorf("--password is required")
		}
		for _, path := range args {
			out, err := archive.DecryptArchiveFile(path, archivePassword)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s %s -> %s\n", ui.RenderPass("✓"), path, out)
		}
		return nil
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print the messages in an archive file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := archive.ReadFile(args[0], archivePassword)
		if err != nil {
			return err
		}
		messages, err := archive.ReadMessages(data)
		if err != nil {
			return err
		}
		table := ui.NewTable("ID", "CHANNEL", "RECEIVED", "CONNECTORS")
		for _, msg := range messages {
			table.AddRow(
				fmt.Sprintf("%d", msg.MessageID),
				msg.ChannelID,
				msg.ReceivedDate.Format("2006-01-02 15:04:05"),
				connectorSummary(msg),
			)
		}
		fmt.Print(table.Render())
		return nil
	},
}

func init() {
	archiveCmd.PersistentFlags().StringVarP(&archivePassword, "password", "p", "", "archive encryption password")
	archiveCmd.AddCommand(archiveDecryptCmd, archiveShowCmd)
}
