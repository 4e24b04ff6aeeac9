package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
)

// PreferencesRepo stores the bot_preferences singleton.
type PreferencesRepo struct {
	db *database.DB
}

// NewPreferencesRepo creates the repository.
func NewPreferencesRepo(db *database.DB) *PreferencesRepo {
	return &PreferencesRepo{db: db}
}

var _ prefs.SettingsSource = (*PreferencesRepo)(nil)

// GlobalPreferences loads the singleton. It returns nil, nil when no
// preferences were ever saved.
func (r *PreferencesRepo) GlobalPreferences(ctx context.Context) (*prefs.GlobalPreferences, error) {
	var (
		p               prefs.GlobalPreferences
		delayMs, update int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT is_on, general_prompt, response_delay_ms, max_tokens, temperature,
		       analyze_images, analyze_voices, updated_at
		FROM bot_preferences WHERE id = 1`,
	).Scan(&p.Enabled, &p.SystemPrompt, &delayMs, &p.MaxTokens, &p.Temperature,
		&p.AnalyzeImages, &p.AnalyzeVoices, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	p.ResponseDelay = time.Duration(delayMs) * time.Millisecond
	p.UpdatedAt = fromMillis(update)
	return &p, nil
}

// Save replaces the singleton.
func (r *PreferencesRepo) Save(ctx context.Context, p prefs.GlobalPreferences) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO bot_preferences (id, is_on, general_prompt, response_delay_ms, max_tokens,
			temperature, analyze_images, analyze_voices, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_on = excluded.is_on,
			general_prompt = excluded.general_prompt,
			response_delay_ms = excluded.response_delay_ms,
			max_tokens = excluded.max_tokens,
			temperature = excluded.temperature,
			analyze_images = excluded.analyze_images,
			analyze_voices = excluded.analyze_voices,
			updated_at = excluded.updated_at`),
		p.Enabled, p.SystemPrompt, p.ResponseDelay.Milliseconds(), p.MaxTokens,
		p.Temperature, p.AnalyzeImages, p.AnalyzeVoices, toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
