package prefs

import (
	"testing"
	"time"
)

func TestEnabledChatSet(t *testing.T) {
	set := NewEnabledChatSet(
		ChatSettings{ChatID: "100", AutoReply: true},
		ChatSettings{AccountID: "+1555", ChatID: "200", AutoReply: true},
		ChatSettings{AccountID: "+1555", ChatID: "300", AutoReply: false},
	)

	tests := []struct {
		account, chat string
		want          bool
	}{
		{"+1555", "100", true},
		{"+1777", "100", true},
		{"+1555", "200", true},
		{"+1777", "200", false},
		{"+1555", "300", false},
		{"+1555", "999", false},
	}
	for _, tt := range tests {
		if got := set.Contains(tt.account, tt.chat); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", tt.account, tt.chat, got, tt.want)
		}
	}
	if set.Len() != 2 {
		t.Errorf("Len = %d, want 2", set.Len())
	}
}

func TestSnapshotPolicy(t *testing.T) {
	delay := 3 * time.Second
	snap := Snapshot{
		Preferences: &GlobalPreferences{
			Enabled:       true,
			SystemPrompt:  "global",
			ResponseDelay: time.Second,
			MaxTokens:     200,
			Temperature:   0,
			AnalyzeVoices: true,
		},
		Chats: NewEnabledChatSet(
			ChatSettings{ChatID: "plain", AutoReply: true},
			ChatSettings{AccountID: "a", ChatID: "custom", AutoReply: true, CustomPrompt: "chat prompt", ResponseDelay: &delay},
		),
	}

	t.Run("global values", func(t *testing.T) {
		p, ok := snap.Policy("a", "plain")
		if !ok {
			t.Fatal("expected policy")
		}
		if p.SystemPrompt != "global" || p.ResponseDelay != time.Second || p.MaxTokens != 200 || !p.AnalyzeVoices {
			t.Errorf("unexpected policy %+v", p)
		}
		if p.Temperature != 0 {
			t.Errorf("temperature 0 must be preserved, got %v", p.Temperature)
		}
	})

	t.Run("chat overrides", func(t *testing.T) {
		p, ok := snap.Policy("a", "custom")
		if !ok {
			t.Fatal("expected policy")
		}
		if p.SystemPrompt != "chat prompt" || p.ResponseDelay != delay {
			t.Errorf("overrides not applied: %+v", p)
		}
	})

	t.Run("disabled chat", func(t *testing.T) {
		if _, ok := snap.Policy("a", "other"); ok {
			t.Error("expected no policy for disabled chat")
		}
	})

	t.Run("bot off", func(t *testing.T) {
		off := snap
		off.Preferences = &GlobalPreferences{Enabled: false}
		if _, ok := off.Policy("a", "plain"); ok {
			t.Error("expected no policy when bot is off")
		}
	})
}
