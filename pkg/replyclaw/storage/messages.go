package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
)

// MessageLog keeps recent messages for platforms that cannot fetch chat
// history (WhatsApp linked devices).
type MessageLog struct {
	db *database.DB
}

// NewMessageLog creates the log.
func NewMessageLog(db *database.DB) *MessageLog {
	return &MessageLog{db: db}
}

// Append records msg for accountID. Re-recording the same message is a
// no-op.
func (l *MessageLog) Append(ctx context.Context, accountID string, msg channels.HistoryMessage) error {
	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO wa_messages (account_id, chat_id, message_id, sender, body, kind, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, chat_id, message_id) DO NOTHING`),
		accountID, msg.ChatID, msg.ID, msg.From, msg.Text, string(msg.Type), toMillis(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages of chatID, newest first.
func (l *MessageLog) Recent(ctx context.Context, accountID, chatID string, limit int) ([]channels.HistoryMessage, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT message_id, chat_id, sender, body, kind, sent_at
		FROM wa_messages
		WHERE account_id = ? AND chat_id = ?
		ORDER BY sent_at DESC, message_id DESC
		LIMIT ?`), accountID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer rows.Close()

	var out []channels.HistoryMessage
	for rows.Next() {
		var (
			m    channels.HistoryMessage
			kind string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.From, &m.Text, &kind, &ts); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		m.Type = channels.MessageType(kind)
		m.Timestamp = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChatActivity summarizes one chat in the log.
type ChatActivity struct {
	ChatID       string    `json:"chat_id"`
	LastActivity time.Time `json:"last_activity"`
	Messages     int       `json:"messages"`
}

// Chats lists the chats seen for accountID, most recently active first.
func (l *MessageLog) Chats(ctx context.Context, accountID string, limit int) ([]ChatActivity, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT chat_id, MAX(sent_at), COUNT(*)
		FROM wa_messages WHERE account_id = ?
		GROUP BY chat_id
		ORDER BY MAX(sent_at) DESC
		LIMIT ?`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer rows.Close()

	var out []ChatActivity
	for rows.Next() {
		var (
			c    ChatActivity
			last int64
		)
		if err := rows.Scan(&c.ChatID, &last, &c.Messages); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		c.LastActivity = fromMillis(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteBefore prunes messages sent before cutoff.
func (l *MessageLog) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM wa_messages WHERE sent_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune message log: %w", err)
	}
	return res.RowsAffected()
}
