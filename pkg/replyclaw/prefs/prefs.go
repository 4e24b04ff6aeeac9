// Package prefs holds the bot configuration the reply pipeline reads on
// every message: the global preferences singleton and the set of chats opted
// into auto-reply, served from a time-bounded cache.
package prefs

import (
	"context"
	"time"
)

// Defaults for a freshly created preferences record.
const (
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
)

// GlobalPreferences is the singleton bot configuration.
type GlobalPreferences struct {
	Enabled       bool          `json:"is_on"`
	SystemPrompt  string        `json:"general_prompt"`
	ResponseDelay time.Duration `json:"-"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float64       `json:"temperature"`
	AnalyzeImages bool          `json:"analyze_images"`
	AnalyzeVoices bool          `json:"analyze_voices"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DefaultPreferences returns a disabled configuration with provider defaults.
func DefaultPreferences() GlobalPreferences {
	return GlobalPreferences{
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// ChatKey identifies a chat of an account. An empty AccountID matches the
// chat on every account.
type ChatKey struct {
	AccountID string
	ChatID    string
}

// ChatSettings is the per-chat opt-in record.
type ChatSettings struct {
	AccountID string `json:"account_id"`
	ChatID    string `json:"chat_id"`
	AutoReply bool   `json:"auto_reply_on"`

	// CustomPrompt replaces the global system prompt for this chat when set.
	CustomPrompt string `json:"custom_prompt,omitempty"`

	// ResponseDelay overrides the global delay when non-nil.
	ResponseDelay *time.Duration `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EnabledChatSet is an immutable set of chats with auto-reply turned on.
type EnabledChatSet struct {
	chats map[ChatKey]ChatSettings
}

// NewEnabledChatSet builds a set from settings rows, keeping only those with
// AutoReply on.
func NewEnabledChatSet(settings ...ChatSettings) EnabledChatSet {
	m := make(map[ChatKey]ChatSettings, len(settings))
	for _, s := range settings {
		if !s.AutoReply {
			continue
		}
		m[ChatKey{AccountID: s.AccountID, ChatID: s.ChatID}] = s
	}
	return EnabledChatSet{chats: m}
}

// Lookup returns the settings that enable chatID for accountID. An
// account-scoped row wins over an account-wide one.
func (s EnabledChatSet) Lookup(accountID, chatID string) (ChatSettings, bool) {
	if cs, ok := s.chats[ChatKey{AccountID: accountID, ChatID: chatID}]; ok {
		return cs, true
	}
	cs, ok := s.chats[ChatKey{ChatID: chatID}]
	return cs, ok
}

// Contains reports whether auto-reply is on for chatID of accountID.
func (s EnabledChatSet) Contains(accountID, chatID string) bool {
	_, ok := s.Lookup(accountID, chatID)
	return ok
}

// Len returns the number of enabled entries.
func (s EnabledChatSet) Len() int { return len(s.chats) }

// SettingsSource provides the global preferences. A nil result with a nil
// error means no preferences exist (bot disabled).
type SettingsSource interface {
	GlobalPreferences(ctx context.Context) (*GlobalPreferences, error)
}

// ChatSource provides the chats with auto-reply turned on.
type ChatSource interface {
	EnabledChats(ctx context.Context) ([]ChatSettings, error)
}

// Snapshot is a consistent view of preferences and enabled chats.
type Snapshot struct {
	// Preferences is nil when none exist.
	Preferences *GlobalPreferences
	Chats       EnabledChatSet
	RefreshedAt time.Time
}

// Enabled reports whether the bot is globally on.
func (s Snapshot) Enabled() bool {
	return s.Preferences != nil && s.Preferences.Enabled
}

// Policy is the effective configuration for replying in one chat.
type Policy struct {
	SystemPrompt  string
	ResponseDelay time.Duration
	MaxTokens     int
	Temperature   float64
	AnalyzeImages bool
	AnalyzeVoices bool
}

// Policy resolves the effective reply policy for a chat. ok is false when the
// bot is off or the chat is not enabled.
func (s Snapshot) Policy(accountID, chatID string) (Policy, bool) {
	if !s.Enabled() {
		return Policy{}, false
	}
	cs, ok := s.Chats.Lookup(accountID, chatID)
	if !ok {
		return Policy{}, false
	}

	p := s.Preferences
	pol := Policy{
		SystemPrompt:  p.SystemPrompt,
		ResponseDelay: p.ResponseDelay,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		AnalyzeImages: p.AnalyzeImages,
		AnalyzeVoices: p.AnalyzeVoices,
	}
	if cs.CustomPrompt != "" {
		pol.SystemPrompt = cs.CustomPrompt
	}
	if cs.ResponseDelay != nil {
		pol.ResponseDelay = *cs.ResponseDelay
	}
	if pol.ResponseDelay < 0 {
		pol.ResponseDelay = 0
	}
	return pol, true
}
