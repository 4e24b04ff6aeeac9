// Package commands implements the replyclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replyclaw",
		Short: "ReplyClaw - AI auto-replies for Telegram and WhatsApp accounts",
		Long: `ReplyClaw connects personal Telegram and WhatsApp accounts and answers
messages in opted-in chats with an LLM, using the recent conversation,
voice transcripts and images as context.

Examples:
  replyclaw login +15551234567
  replyclaw serve
  replyclaw chats set 123456789 --account +15551234567 --on
  replyclaw analytics daily --days 7`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newLoginCmd(),
		newSessionsCmd(),
		newPrefsCmd(),
		newChatsCmd(),
		newAnalyticsCmd(),
		newKeyCmd(),
		newProviderCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
