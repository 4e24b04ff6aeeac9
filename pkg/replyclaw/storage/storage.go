// Package storage implements the persistence collaborators over the
// replyclaw database: session credentials, bot preferences, chat settings,
// analytics and the local message log. Queries are written with '?'
// placeholders and rebound for the active backend.
package storage

import (
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
)

// Repos bundles every repository over one database.
type Repos struct {
	Sessions    *SessionRepo
	Preferences *PreferencesRepo
	Chats       *ChatRepo
	Analytics   *AnalyticsRepo
	Messages    *MessageLog
}

// New builds all repositories. Session credentials are sealed with sealer.
func New(db *database.DB, sealer Sealer) *Repos {
	return &Repos{
		Sessions:    NewSessionRepo(db, sealer),
		Preferences: NewPreferencesRepo(db),
		Chats:       NewChatRepo(db),
		Analytics:   NewAnalyticsRepo(db),
		Messages:    NewMessageLog(db),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
