package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/config"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/conversation"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/llm"
)

// newProviderCmd creates `replyclaw provider` for checking the completion
// provider configuration.
func newProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Check the completion provider",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Send a tiny request to the configured provider",
		Args:  cobra.NoArgs,
		RunE:  runProviderCheck,
	}
	check.Flags().Bool("text", false, "use the text completion endpoint instead of chat")
	cmd.AddCommand(check)
	return cmd
}

func runProviderCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return errors.New("no provider API key: set llm.api_key or " + config.EnvAPIKey)
	}
	text, _ := cmd.Flags().GetBool("text")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := llm.NewClient(cfg.LLM, logger)
	opts := llm.Options{MaxTokens: 5, Temperature: 0.1}
	start := time.Now()

	var (
		model = cfg.LLM.Model
		out   string
	)
	if text {
		model = cfg.LLM.CompletionModel
		out, err = client.CompleteText(ctx, "Reply with the single word: pong", opts)
	} else {
		out, err = client.Complete(ctx, []conversation.Entry{
			conversation.TextEntry(conversation.RoleUser, "Reply with the single word: pong"),
		}, opts)
	}
	if err != nil {
		return fmt.Errorf("provider check failed: %w", err)
	}

	fmt.Printf("provider OK: %s answered %q in %s\n", model, out, time.Since(start).Round(time.Millisecond))
	return nil
}
