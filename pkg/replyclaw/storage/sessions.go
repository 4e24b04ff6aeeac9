package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

// Sealer encrypts credential blobs at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// SessionRepo persists session credentials in account_sessions.
type SessionRepo struct {
	db     *database.DB
	sealer Sealer
}

// NewSessionRepo creates the repository.
func NewSessionRepo(db *database.DB, sealer Sealer) *SessionRepo {
	return &SessionRepo{db: db, sealer: sealer}
}

var _ session.Persister = (*SessionRepo)(nil)

// Upsert stores rec, keeping the original created_at on update.
func (r *SessionRepo) Upsert(ctx context.Context, rec session.Record) error {
	blob, err := r.sealer.Seal(rec.Credentials)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO account_sessions (account_id, platform, credential, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			platform = excluded.platform,
			credential = excluded.credential,
			updated_at = excluded.updated_at`),
		rec.AccountID, rec.Platform, blob, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Find loads the record for accountID, or session.ErrNotFound.
func (r *SessionRepo) Find(ctx context.Context, accountID string) (*session.Record, error) {
	var (
		rec              session.Record
		blob             []byte
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT account_id, platform, credential, created_at, updated_at
		FROM account_sessions WHERE account_id = ?`), accountID,
	).Scan(&rec.AccountID, &rec.Platform, &blob, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	rec.Credentials, err = r.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("open credentials for %s: %w", accountID, err)
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (r *SessionRepo) Delete(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM account_sessions WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListAccounts returns every persisted account, ordered.
func (r *SessionRepo) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_id FROM account_sessions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionSummary is a persisted session without its credentials.
type SessionSummary struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// List returns every persisted session without credentials.
func (r *SessionRepo) List(ctx context.Context) ([]SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, platform, created_at, updated_at
		FROM account_sessions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.AccountID, &s.Platform, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
