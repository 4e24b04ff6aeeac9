package conversation

import (
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

func history(msgs ...channels.HistoryMessage) []channels.HistoryMessage { return msgs }

func TestBuilder_Build(t *testing.T) {
	now := time.Now()
	// Newest first, as transports return them.
	recent := history(
		channels.HistoryMessage{ID: "4", From: "peer", Text: "fourth", Timestamp: now},
		channels.HistoryMessage{ID: "3", From: "me", Text: "third", Timestamp: now.Add(-time.Minute)},
		channels.HistoryMessage{ID: "2", From: "peer", Text: "", Type: channels.MessageSticker, Timestamp: now.Add(-2 * time.Minute)},
		channels.HistoryMessage{ID: "1", From: "peer", Text: "first", Timestamp: now.Add(-3 * time.Minute)},
	)

	t.Run("ordering and roles", func(t *testing.T) {
		entries := NewBuilder(10).Build(recent, "me", "", "")
		if len(entries) != 4 {
			t.Fatalf("expected 4 entries, got %d", len(entries))
		}
		want := []Entry{
			{Role: RoleUser, Text: "first"},
			{Role: RoleUser, Text: NonTextPlaceholder},
			{Role: RoleAssistant, Text: "third"},
			{Role: RoleUser, Text: "fourth"},
		}
		for i, w := range want {
			if entries[i] != w {
				t.Errorf("entry %d = %+v, want %+v", i, entries[i], w)
			}
		}
	})

	t.Run("system prompt prepended", func(t *testing.T) {
		entries := NewBuilder(10).Build(recent, "me", "You are helpful.", "")
		if len(entries) != 5 {
			t.Fatalf("expected 5 entries, got %d", len(entries))
		}
		if entries[0].Role != RoleSystem || entries[0].Text != "You are helpful." {
			t.Errorf("unexpected first entry %+v", entries[0])
		}
	})

	t.Run("excluded trigger", func(t *testing.T) {
		entries := NewBuilder(10).Build(recent, "me", "", "4")
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[len(entries)-1].Text != "third" {
			t.Errorf("last entry = %+v", entries[len(entries)-1])
		}
	})

	t.Run("window bounds history", func(t *testing.T) {
		entries := NewBuilder(2).Build(recent, "me", "", "")
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Text != "third" || entries[1].Text != "fourth" {
			t.Errorf("expected the two newest messages oldest-first, got %+v", entries)
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		NewBuilder(10).Build(recent, "me", "", "")
		if recent[0].ID != "4" {
			t.Error("Build must not reorder its input")
		}
	})
}

func TestBuilder_DefaultWindow(t *testing.T) {
	var recent []channels.HistoryMessage
	for i := 0; i < 25; i++ {
		recent = append(recent, channels.HistoryMessage{ID: string(rune('a' + i)), From: "peer", Text: "x"})
	}
	entries := NewBuilder(0).Build(recent, "me", "", "")
	if len(entries) != DefaultWindow {
		t.Errorf("expected %d entries, got %d", DefaultWindow, len(entries))
	}
}

func TestHasContent(t *testing.T) {
	if HasContent(nil) {
		t.Error("nil has no content")
	}
	if HasContent([]Entry{TextEntry(RoleSystem, "prompt")}) {
		t.Error("system-only has no content")
	}
	if !HasContent([]Entry{TextEntry(RoleSystem, "prompt"), ImageEntry("data:image/jpeg;base64,AA==")}) {
		t.Error("image entry is content")
	}
}
