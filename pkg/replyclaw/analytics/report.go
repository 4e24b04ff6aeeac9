package analytics

import (
	"context"
	"fmt"
	"time"
)

// ReportDays is the length of the daily report.
const ReportDays = 30

// DayCount is the number of replies sent on one UTC day.
type DayCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// TimestampSource lists the received times of records since a point in
// time, optionally restricted to one account ("" means all).
type TimestampSource interface {
	ReceivedSince(ctx context.Context, accountID string, since time.Time) ([]time.Time, error)
}

// DailyCounts returns one bucket per UTC day for the last days days ending
// today, newest first. Days without records are present with a zero count.
func DailyCounts(ctx context.Context, src TimestampSource, accountID string, days int, now time.Time) ([]DayCount, error) {
	if days <= 0 {
		days = ReportDays
	}
	today := now.UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	stamps, err := src.ReceivedSince(ctx, accountID, start)
	if err != nil {
		return nil, fmt.Errorf("load analytics: %w", err)
	}

	counts := make(map[string]int, days)
	for _, ts := range stamps {
		counts[ts.UTC().Format(time.DateOnly)]++
	}

	out := make([]DayCount, 0, days)
	for i := 0; i < days; i++ {
		d := today.AddDate(0, 0, -i).Format(time.DateOnly)
		out = append(out, DayCount{Date: d, Count: counts[d]})
	}
	return out, nil
}
