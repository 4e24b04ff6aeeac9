package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

// newLoginCmd creates `replyclaw login`, the interactive one-time-code
// login for an account.
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <account>",
		Short: "Log an account in with a one-time code",
		Long: `Log a Telegram or WhatsApp account in and store its session.

Telegram sends a login code to the account; enter it when asked. WhatsApp
shows a pairing code to type on the phone under Linked devices > Link with
phone number. The account is the phone number in international format.

Examples:
  replyclaw login +15551234567
  replyclaw login +15551234567 --platform whatsapp
  replyclaw login +15551234567 --2fa`,
		Args: cobra.ExactArgs(1),
		RunE: runLogin,
	}
	cmd.Flags().StringP("platform", "p", "", "platform (telegram, whatsapp); default from config")
	cmd.Flags().Bool("2fa", false, "prompt for the Telegram two-step verification password")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	account := strings.TrimSpace(args[0])
	platform, _ := cmd.Flags().GetString("platform")
	twoFA, _ := cmd.Flags().GetBool("2fa")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	store, err := a.sessionStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var password string
	if twoFA {
		if password, err = prompt("Two-step verification password", true); err != nil {
			return err
		}
	}

	ch, err := store.AuthenticateOn(ctx, platform, account, password)
	if err != nil {
		return err
	}

	var code string
	if ch.DisplayCode != "" {
		fmt.Println()
		fmt.Println("On the phone, open WhatsApp > Linked devices > Link a device >")
		fmt.Println("Link with phone number instead, and enter:")
		fmt.Println()
		fmt.Printf("    %s\n", ch.DisplayCode)
		fmt.Println()
		fmt.Printf("The code expires at %s.\n", ch.ExpiresAt.Local().Format("15:04:05"))
		if err := confirm("Done linking on the phone?"); err != nil {
			_ = store.CancelChallenge(account)
			return err
		}
		code = ch.DisplayCode
	} else {
		fmt.Printf("A login code was sent to %s (expires %s).\n", account, ch.ExpiresAt.Local().Format("15:04:05"))
		if code, err = prompt("Login code", false); err != nil {
			_ = store.CancelChallenge(account)
			return err
		}
	}

	sess, err := store.SubmitCode(ctx, account, code)
	if err != nil {
		if errors.Is(err, channels.ErrPasswordRequired) {
			return fmt.Errorf("%w\nthe account has two-step verification; run again with --2fa", err)
		}
		return err
	}

	fmt.Printf("%s logged in on %s as %s\n", sess.AccountID, sess.Platform, sess.SelfID)
	printNextSteps(sess)
	return nil
}

func printNextSteps(sess *session.Session) {
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  replyclaw prefs set --on --prompt \"You are a helpful assistant.\"\n")
	fmt.Printf("  replyclaw chats set <chat-id> --account %s --on\n", sess.AccountID)
	fmt.Println("  replyclaw serve")
}

// stdin is shared so buffered input survives across prompts.
var stdin = bufio.NewReader(os.Stdin)

// prompt asks for one line, through a huh form on a terminal or a plain
// stdin read otherwise.
func prompt(title string, secret bool) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(title), err)
		}
		return strings.TrimSpace(line), nil
	}

	var value string
	input := huh.NewInput().
		Title(title).
		Value(&value).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("required")
			}
			return nil
		})
	if secret {
		input = input.EchoMode(huh.EchoModePassword)
	}
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// confirm blocks until the user affirms; a "no" is an error.
func confirm(title string) error {
	ok := true
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if err := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("Cancel").Value(&ok).Run(); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s [Y/n]: ", title)
		line, _ := stdin.ReadString('\n')
		ok = !strings.EqualFold(strings.TrimSpace(line), "n")
	}
	if !ok {
		return errors.New("login cancelled")
	}
	return nil
}
