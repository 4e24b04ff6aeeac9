package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
)

// newAnalyticsCmd creates `replyclaw analytics` for reply reports.
func newAnalyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "analytics",
		Aliases: []string{"stats"},
		Short:   "Show reply activity",
	}

	daily := &cobra.Command{
		Use:   "daily",
		Short: "Messages handled per day",
		Args:  cobra.NoArgs,
		RunE:  runAnalyticsDaily,
	}
	daily.Flags().String("account", "", "restrict to one account")
	daily.Flags().Int("days", analytics.ReportDays, "days to report, ending today")

	recent := &cobra.Command{
		Use:   "recent",
		Short: "Most recent replies",
		Args:  cobra.NoArgs,
		RunE:  runAnalyticsRecent,
	}
	recent.Flags().String("account", "", "restrict to one account")
	recent.Flags().Int("limit", 20, "replies to show")

	cmd.AddCommand(daily, recent, &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than the retention window now",
		Args:  cobra.NoArgs,
		RunE:  runAnalyticsPrune,
	})
	return cmd
}

func runAnalyticsDaily(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, _ := cmd.Flags().GetString("account")
	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 || days > 366 {
		return fmt.Errorf("--days must be between 1 and 366")
	}

	counts, err := analytics.DailyCounts(cmd.Context(), a.repos.Analytics, account, days, time.Now())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tMESSAGES")
	total := 0
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Date, c.Count)
		total += c.Count
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

func runAnalyticsRecent(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	account, _ := cmd.Flags().GetString("account")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	recs, err := a.repos.Analytics.Recent(cmd.Context(), account, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No replies recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SENT\tACCOUNT\tCHAT\tLATENCY\tMESSAGE\tREPLY")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\t%s\n",
			r.SentAt.Local().Format("2006-01-02 15:04:05"),
			r.AccountID, r.ChatID, r.Latency.Milliseconds(),
			truncate(r.UserMessage, 30), truncate(r.BotResponse, 30))
	}
	return w.Flush()
}

func runAnalyticsPrune(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ret := analytics.NewRetention(a.cfg.Analytics.Retention, map[string]analytics.Pruner{
		"analytics": a.repos.Analytics,
		"messages":  a.repos.Messages,
	}, a.logger)
	deleted := ret.RunOnce(cmd.Context())

	names := make([]string, 0, len(deleted))
	for name := range deleted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %d deleted\n", name, deleted[name])
	}
	return nil
}
