package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates `replyclaw sessions` for stored account sessions.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage stored account sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			Args:  cobra.NoArgs,
			RunE:  runSessionsList,
		},
		&cobra.Command{
			Use:   "check <account>",
			Short: "Check that a stored session can still connect",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionsCheck,
		},
		&cobra.Command{
			Use:     "remove <account>",
			Aliases: []string{"rm", "logout"},
			Short:   "Log an account out and delete its stored session",
			Args:    cobra.ExactArgs(1),
			RunE:    runSessionsRemove,
		},
	)
	return cmd
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.repos.Sessions.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No stored sessions. Run 'replyclaw login <account>'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tPLATFORM\tCREATED\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.AccountID, s.Platform, formatMillis(s.CreatedAt), formatMillis(s.UpdatedAt))
	}
	return w.Flush()
}

func runSessionsCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.sessionStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if !store.IsValid(cmd.Context(), args[0]) {
		return fmt.Errorf("session for %s is not valid", args[0])
	}
	fmt.Printf("session for %s is valid\n", args[0])
	return nil
}

func runSessionsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.sessionStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("session for %s removed\n", args[0])
	return nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
