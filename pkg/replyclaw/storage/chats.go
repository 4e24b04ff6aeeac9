package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
)

// ChatRepo stores per-chat settings. Rows with an empty account_id apply to
// the chat on every account.
type ChatRepo struct {
	db *database.DB
}

// NewChatRepo creates the repository.
func NewChatRepo(db *database.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

var _ prefs.ChatSource = (*ChatRepo)(nil)

const chatColumns = `account_id, chat_id, auto_reply_on, custom_prompt, response_delay_ms, updated_at`

// EnabledChats returns every row with auto-reply on.
func (r *ChatRepo) EnabledChats(ctx context.Context) ([]prefs.ChatSettings, error) {
	return r.query(ctx, r.db.Rebind(`SELECT `+chatColumns+` FROM chat_settings WHERE auto_reply_on = ?`), true)
}

// List returns the rows that apply to accountID, including account-wide
// rows. An empty accountID lists everything.
func (r *ChatRepo) List(ctx context.Context, accountID string) ([]prefs.ChatSettings, error) {
	if accountID == "" {
		return r.query(ctx, `SELECT `+chatColumns+` FROM chat_settings ORDER BY account_id, chat_id`)
	}
	return r.query(ctx, r.db.Rebind(`SELECT `+chatColumns+` FROM chat_settings
		WHERE account_id = ? OR account_id = '' ORDER BY account_id, chat_id`), accountID)
}

// Upsert stores cs.
func (r *ChatRepo) Upsert(ctx context.Context, cs prefs.ChatSettings) error {
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = time.Now()
	}
	var delay sql.NullInt64
	if cs.ResponseDelay != nil {
		delay = sql.NullInt64{Int64: cs.ResponseDelay.Milliseconds(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat_settings (`+chatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			auto_reply_on = excluded.auto_reply_on,
			custom_prompt = excluded.custom_prompt,
			response_delay_ms = excluded.response_delay_ms,
			updated_at = excluded.updated_at`),
		cs.AccountID, cs.ChatID, cs.AutoReply, cs.CustomPrompt, delay, toMillis(cs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save chat settings: %w", err)
	}
	return nil
}

// Delete removes the settings row for (accountID, chatID).
func (r *ChatRepo) Delete(ctx context.Context, accountID, chatID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM chat_settings WHERE account_id = ? AND chat_id = ?`), accountID, chatID); err != nil {
		return fmt.Errorf("delete chat settings: %w", err)
	}
	return nil
}

func (r *ChatRepo) query(ctx context.Context, q string, args ...any) ([]prefs.ChatSettings, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat settings: %w", err)
	}
	defer rows.Close()

	var out []prefs.ChatSettings
	for rows.Next() {
		var (
			cs      prefs.ChatSettings
			delay   sql.NullInt64
			updated int64
		)
		if err := rows.Scan(&cs.AccountID, &cs.ChatID, &cs.AutoReply, &cs.CustomPrompt, &delay, &updated); err != nil {
			return nil, fmt.Errorf("scan chat settings: %w", err)
		}
		if delay.Valid {
			d := time.Duration(delay.Int64) * time.Millisecond
			cs.ResponseDelay = &d
		}
		cs.UpdatedAt = fromMillis(updated)
		out = append(out, cs)
	}
	return out, rows.Err()
}
