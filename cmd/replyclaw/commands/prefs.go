package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
)

// newPrefsCmd creates `replyclaw prefs` for the global bot preferences.
func newPrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prefs",
		Aliases: []string{"preferences"},
		Short:   "Show or change the global bot preferences",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change preferences; omitted flags keep their value",
		Long: `Change the global bot preferences. A running daemon picks the change
up within the cache staleness window.

Examples:
  replyclaw prefs set --on --prompt "Answer briefly and politely."
  replyclaw prefs set --delay 3s --voices --images
  replyclaw prefs set --off`,
		Args: cobra.NoArgs,
		RunE: runPrefsSet,
	}
	set.Flags().Bool("on", false, "turn auto-replies on")
	set.Flags().Bool("off", false, "turn auto-replies off")
	set.Flags().String("prompt", "", "system prompt")
	set.Flags().Duration("delay", 0, "wait before each reply")
	set.Flags().Int("max-tokens", 0, "maximum reply tokens")
	set.Flags().Float64("temperature", 0, "sampling temperature (0-2)")
	set.Flags().Bool("images", false, "describe images to the model")
	set.Flags().Bool("voices", false, "transcribe voice notes for the model")
	set.MarkFlagsMutuallyExclusive("on", "off")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current preferences",
		Args:  cobra.NoArgs,
		RunE:  runPrefsShow,
	}, set)
	return cmd
}

func runPrefsShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.repos.Preferences.GlobalPreferences(cmd.Context())
	if err != nil {
		return err
	}
	if p == nil {
		fmt.Println("No preferences saved; the bot is off.")
		return nil
	}
	printPrefs(*p)
	return nil
}

func runPrefsSet(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cur := prefs.DefaultPreferences()
	existing, err := a.repos.Preferences.GlobalPreferences(cmd.Context())
	if err != nil {
		return err
	}
	if existing != nil {
		cur = *existing
	}

	f := cmd.Flags()
	if f.Changed("on") {
		cur.Enabled = true
	}
	if f.Changed("off") {
		cur.Enabled = false
	}
	if f.Changed("prompt") {
		cur.SystemPrompt, _ = f.GetString("prompt")
	}
	if f.Changed("delay") {
		d, _ := f.GetDuration("delay")
		if d < 0 {
			return errors.New("--delay must not be negative")
		}
		cur.ResponseDelay = d
	}
	if f.Changed("max-tokens") {
		n, _ := f.GetInt("max-tokens")
		if n <= 0 {
			return errors.New("--max-tokens must be positive")
		}
		cur.MaxTokens = n
	}
	if f.Changed("temperature") {
		t, _ := f.GetFloat64("temperature")
		if t < 0 || t > 2 {
			return errors.New("--temperature must be between 0 and 2")
		}
		cur.Temperature = t
	}
	if f.Changed("images") {
		cur.AnalyzeImages, _ = f.GetBool("images")
	}
	if f.Changed("voices") {
		cur.AnalyzeVoices, _ = f.GetBool("voices")
	}
	cur.UpdatedAt = time.Now()

	if err := a.repos.Preferences.Save(cmd.Context(), cur); err != nil {
		return err
	}
	printPrefs(cur)
	return nil
}

func printPrefs(p prefs.GlobalPreferences) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "enabled\t%t\n", p.Enabled)
	fmt.Fprintf(w, "prompt\t%q\n", p.SystemPrompt)
	fmt.Fprintf(w, "delay\t%s\n", p.ResponseDelay)
	fmt.Fprintf(w, "max tokens\t%d\n", p.MaxTokens)
	fmt.Fprintf(w, "temperature\t%.2f\n", p.Temperature)
	fmt.Fprintf(w, "analyze images\t%t\n", p.AnalyzeImages)
	fmt.Fprintf(w, "analyze voices\t%t\n", p.AnalyzeVoices)
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated\t%s\n", p.UpdatedAt.Local().Format(time.RFC3339))
	}
	_ = w.Flush()
}

// newChatsCmd creates `replyclaw chats` for per-chat opt-in settings.
func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage which chats get auto-replies",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List chat settings and recently active chats",
		Args:  cobra.NoArgs,
		RunE:  runChatsList,
	}
	list.Flags().String("account", "", "account to list (default: all settings)")
	list.Flags().Int("limit", 50, "recent chats to show from the message log")

	set := &cobra.Command{
		Use:   "set <chat-id>",
		Short: "Turn auto-replies on or off for a chat",
		Long: `Turn auto-replies on or off for a chat. Without --account the setting
applies to the chat on every account.

Examples:
  replyclaw chats set 123456789 --account +15551234567 --on
  replyclaw chats set -1001234567890 --on --prompt "Reply in Portuguese."
  replyclaw chats set 5511999999999@s.whatsapp.net --off`,
		Args: cobra.ExactArgs(1),
		RunE: runChatsSet,
	}
	set.Flags().String("account", "", "account the setting applies to (default: every account)")
	set.Flags().Bool("on", false, "enable auto-replies")
	set.Flags().Bool("off", false, "disable auto-replies")
	set.Flags().String("prompt", "", "custom prompt replacing the global one")
	set.Flags().Duration("delay", 0, "reply delay overriding the global one")
	set.MarkFlagsMutuallyExclusive("on", "off")
	set.MarkFlagsOneRequired("on", "off")

	rm := &cobra.Command{
		Use:     "remove <chat-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a chat's settings",
		Args:    cobra.ExactArgs(1),
		RunE:    runChatsRemove,
	}
	rm.Flags().String("account", "", "account of the setting (default: the every-account row)")

	cmd.AddCommand(list, set, rm)
	return cmd
}

func runChatsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, _ := cmd.Flags().GetString("account")
	limit, _ := cmd.Flags().GetInt("limit")

	settings, err := a.repos.Chats.List(cmd.Context(), account)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tCHAT\tAUTO-REPLY\tDELAY\tPROMPT")
	configured := make(map[string]bool, len(settings))
	for _, cs := range settings {
		configured[cs.ChatID] = true
		acc := cs.AccountID
		if acc == "" {
			acc = "*"
		}
		delay := "-"
		if cs.ResponseDelay != nil {
			delay = cs.ResponseDelay.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", acc, cs.ChatID, cs.AutoReply, delay, truncate(cs.CustomPrompt, 40))
	}

	if account != "" {
		activity, err := a.repos.Messages.Chats(cmd.Context(), account, limit)
		if err != nil {
			return err
		}
		for _, c := range activity {
			if configured[c.ChatID] {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t(last message %s)\n", account, c.ChatID, "off", c.LastActivity.Local().Format("2006-01-02 15:04"))
		}
	}
	return w.Flush()
}

func runChatsSet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f := cmd.Flags()
	account, _ := f.GetString("account")
	prompt, _ := f.GetString("prompt")
	cs := prefs.ChatSettings{
		AccountID:    account,
		ChatID:       args[0],
		AutoReply:    f.Changed("on"),
		CustomPrompt: prompt,
		UpdatedAt:    time.Now(),
	}
	if f.Changed("delay") {
		d, _ := f.GetDuration("delay")
		if d < 0 {
			return errors.New("--delay must not be negative")
		}
		cs.ResponseDelay = &d
	}

	if err := a.repos.Chats.Upsert(cmd.Context(), cs); err != nil {
		return err
	}
	state := "off"
	if cs.AutoReply {
		state = "on"
	}
	scope := account
	if scope == "" {
		scope = "every account"
	}
	fmt.Printf("auto-reply %s for chat %s (%s)\n", state, cs.ChatID, scope)
	return nil
}

func runChatsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, _ := cmd.Flags().GetString("account")
	if err := a.repos.Chats.Delete(cmd.Context(), account, args[0]); err != nil {
		return err
	}
	fmt.Printf("settings for chat %s removed\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
