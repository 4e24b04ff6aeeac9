// Package conversation turns a chat's recent history into the role-tagged
// entries sent to the completion provider.
package conversation

import (
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// Role is the author role of a context entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultWindow is the number of recent messages included as history.
const DefaultWindow = 10

// NonTextPlaceholder stands in for history messages without text.
const NonTextPlaceholder = "[Non-text message]"

// Entry is one role-tagged unit of conversation. Exactly one of Text or
// ImageURL is set.
type Entry struct {
	Role Role

	Text string

	// ImageURL is a data: URL carrying an encoded image.
	ImageURL string
}

// TextEntry returns a text entry.
func TextEntry(role Role, text string) Entry {
	return Entry{Role: role, Text: text}
}

// ImageEntry returns a user entry carrying an image data URL.
func ImageEntry(dataURL string) Entry {
	return Entry{Role: RoleUser, ImageURL: dataURL}
}

// IsImage reports whether the entry carries an image.
func (e Entry) IsImage() bool { return e.ImageURL != "" }

// Builder assembles conversation context from recent history.
type Builder struct {
	// Window is the maximum number of history messages used
	// (default: DefaultWindow).
	Window int
}

// NewBuilder returns a builder with the given window; window <= 0 selects
// DefaultWindow.
func NewBuilder(window int) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Builder{Window: window}
}

// Build converts recent (newest first) into entries, oldest first. Messages
// authored by selfID become assistant entries, everything else user entries.
// A non-empty systemPrompt is prepended as a system entry. The message with
// ID excludeID, typically the one being answered, is left out so the caller
// can append its extracted content separately.
func (b *Builder) Build(recent []channels.HistoryMessage, selfID, systemPrompt, excludeID string) []Entry {
	window := b.Window
	if window <= 0 {
		window = DefaultWindow
	}

	picked := make([]channels.HistoryMessage, 0, min(window, len(recent)))
	for _, m := range recent {
		if len(picked) == window {
			break
		}
		if excludeID != "" && m.ID == excludeID {
			continue
		}
		picked = append(picked, m)
	}

	entries := make([]Entry, 0, len(picked)+1)
	if systemPrompt != "" {
		entries = append(entries, TextEntry(RoleSystem, systemPrompt))
	}
	for i := len(picked) - 1; i >= 0; i-- {
		m := picked[i]
		role := RoleUser
		if selfID != "" && m.From == selfID {
			role = RoleAssistant
		}
		text := m.Text
		if text == "" {
			text = NonTextPlaceholder
		}
		entries = append(entries, TextEntry(role, text))
	}
	return entries
}

// HasContent reports whether entries contains anything besides system
// entries.
func HasContent(entries []Entry) bool {
	for _, e := range entries {
		if e.Role != RoleSystem {
			return true
		}
	}
	return false
}
