package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
)

// AnalyticsRepo stores analytics records.
type AnalyticsRepo struct {
	db *database.DB
}

// NewAnalyticsRepo creates the repository.
func NewAnalyticsRepo(db *database.DB) *AnalyticsRepo {
	return &AnalyticsRepo{db: db}
}

var (
	_ analytics.Sink            = (*AnalyticsRepo)(nil)
	_ analytics.TimestampSource = (*AnalyticsRepo)(nil)
	_ analytics.Pruner          = (*AnalyticsRepo)(nil)
)

// Append inserts rec.
func (r *AnalyticsRepo) Append(ctx context.Context, rec analytics.Record) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO analytics (id, account_id, chat_id, message_id, user_message, bot_response,
			received_at, sent_at, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.AccountID, rec.ChatID, rec.MessageID, rec.UserMessage, rec.BotResponse,
		toMillis(rec.ReceivedAt), toMillis(rec.SentAt), rec.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

// ReceivedSince returns received_at of records at or after since.
func (r *AnalyticsRepo) ReceivedSince(ctx context.Context, accountID string, since time.Time) ([]time.Time, error) {
	q := `SELECT received_at FROM analytics WHERE received_at >= ?`
	args := []any{toMillis(since)}
	if accountID != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		out = append(out, fromMillis(ms))
	}
	return out, rows.Err()
}

// Recent returns the newest records, newest first.
func (r *AnalyticsRepo) Recent(ctx context.Context, accountID string, limit int) ([]analytics.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, account_id, chat_id, message_id, user_message, bot_response,
		received_at, sent_at, response_time_ms FROM analytics`
	var args []any
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer rows.Close()

	var out []analytics.Record
	for rows.Next() {
		var (
			rec                     analytics.Record
			received, sent, latency int64
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ChatID, &rec.MessageID, &rec.UserMessage,
			&rec.BotResponse, &received, &sent, &latency); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		rec.ReceivedAt = fromMillis(received)
		rec.SentAt = fromMillis(sent)
		rec.Latency = time.Duration(latency) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBefore removes records received before cutoff.
func (r *AnalyticsRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM analytics WHERE received_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune analytics: %w", err)
	}
	return res.RowsAffected()
}
