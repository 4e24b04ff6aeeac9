package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/secrets"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "replyclaw.db")

	db, err := database.Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestSessionRepo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sealer, err := secrets.NewAEADSealer("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSessionRepo(db, sealer)

	if _, err := repo.Find(ctx, "+1555"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := session.Record{
		AccountID:   "+1555",
		Platform:    "telegram",
		Credentials: []byte("mtproto-session-bytes"),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Credentials are sealed at rest.
	var raw []byte
	if err := db.QueryRow(`SELECT credential FROM account_sessions WHERE account_id = ?`, "+1555").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("mtproto-session-bytes")) {
		t.Error("credential stored in plaintext")
	}

	got, err := repo.Find(ctx, "+1555")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if string(got.Credentials) != "mtproto-session-bytes" || got.Platform != "telegram" {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	rec.Credentials = []byte("rotated")
	rec.CreatedAt = created.Add(time.Hour)
	rec.UpdatedAt = created.Add(time.Hour)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, _ = repo.Find(ctx, "+1555")
	if string(got.Credentials) != "rotated" {
		t.Errorf("credentials not updated: %q", got.Credentials)
	}
	if !got.CreatedAt.Equal(created) {
		t.Error("created_at must survive updates")
	}

	_ = repo.Upsert(ctx, session.Record{AccountID: "+1444", Platform: "whatsapp", Credentials: []byte("jid")})
	ids, err := repo.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "+1444" || ids[1] != "+1555" {
		t.Errorf("ListAccounts = %v", ids)
	}

	if err := repo.Delete(ctx, "+1555"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, "+1555"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := repo.Find(ctx, "+1555"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPreferencesRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewPreferencesRepo(openTestDB(t))

	p, err := repo.GlobalPreferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected no preferences, got %+v", p)
	}

	want := prefs.DefaultPreferences()
	want.Enabled = true
	want.SystemPrompt = "be brief"
	want.ResponseDelay = 2500 * time.Millisecond
	want.AnalyzeVoices = true
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.GlobalPreferences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.SystemPrompt != "be brief" || got.ResponseDelay != want.ResponseDelay {
		t.Errorf("unexpected preferences %+v", got)
	}
	if got.MaxTokens != prefs.DefaultMaxTokens || got.Temperature != prefs.DefaultTemperature {
		t.Errorf("provider defaults lost: %+v", got)
	}
	if got.AnalyzeImages || !got.AnalyzeVoices {
		t.Errorf("flags = images:%v voices:%v", got.AnalyzeImages, got.AnalyzeVoices)
	}

	want.Enabled = false
	if err := repo.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.GlobalPreferences(ctx)
	if got.Enabled {
		t.Error("update not applied")
	}
}

func TestChatRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewChatRepo(openTestDB(t))

	delay := 3 * time.Second
	rows := []prefs.ChatSettings{
		{AccountID: "acc", ChatID: "c1", AutoReply: true, CustomPrompt: "pirate voice", ResponseDelay: &delay},
		{AccountID: "acc", ChatID: "c2", AutoReply: false},
		{AccountID: "", ChatID: "c3", AutoReply: true},
		{AccountID: "other", ChatID: "c4", AutoReply: true},
	}
	for _, r := range rows {
		if err := repo.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	enabled, err := repo.EnabledChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 3 {
		t.Errorf("expected 3 enabled chats, got %d", len(enabled))
	}

	set := prefs.NewEnabledChatSet(enabled...)
	cs, ok := set.Lookup("acc", "c1")
	if !ok || cs.CustomPrompt != "pirate voice" || cs.ResponseDelay == nil || *cs.ResponseDelay != delay {
		t.Errorf("c1 = %+v, %v", cs, ok)
	}
	if !set.Contains("anyone", "c3") {
		t.Error("account-wide row should match every account")
	}
	if set.Contains("acc", "c2") {
		t.Error("disabled chat must not be in the set")
	}

	list, err := repo.List(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Errorf("List(acc) = %d rows, want 3", len(list))
	}

	if err := repo.Upsert(ctx, prefs.ChatSettings{AccountID: "acc", ChatID: "c1", AutoReply: false}); err != nil {
		t.Fatal(err)
	}
	enabled, _ = repo.EnabledChats(ctx)
	if prefs.NewEnabledChatSet(enabled...).Contains("acc", "c1") {
		t.Error("c1 should be disabled after update")
	}

	if err := repo.Delete(ctx, "other", "c4"); err != nil {
		t.Fatal(err)
	}
	all, _ := repo.List(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 rows after delete, got %d", len(all))
	}
}

func TestAnalyticsRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewAnalyticsRepo(openTestDB(t))

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{time.Hour, 26 * time.Hour, 40 * 24 * time.Hour} {
		rec := analytics.Record{
			ID:          string(rune('a' + i)),
			AccountID:   "acc",
			ChatID:      "c1",
			MessageID:   "m",
			UserMessage: "hello",
			BotResponse: "hi",
			ReceivedAt:  now.Add(-age),
			SentAt:      now.Add(-age + time.Second),
			Latency:     time.Second,
		}
		if err := repo.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	counts, err := analytics.DailyCounts(ctx, repo, "", 30, now)
	if err != nil {
		t.Fatal(err)
	}
	if counts[0].Count != 1 || counts[1].Count != 1 {
		t.Errorf("counts = %+v", counts[:2])
	}

	recent, err := repo.Recent(ctx, "acc", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "a" || recent[0].Latency != time.Second {
		t.Errorf("Recent = %+v", recent)
	}

	n, err := repo.DeleteBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}

func TestMessageLog(t *testing.T) {
	ctx := context.Background()
	log := NewMessageLog(openTestDB(t))

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		msg := channels.HistoryMessage{
			ID:        string(rune('a' + i)),
			ChatID:    "chat@s.whatsapp.net",
			From:      "peer@s.whatsapp.net",
			Text:      "msg",
			Type:      channels.MessageText,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := log.Append(ctx, "acc", msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Duplicate is ignored.
	if err := log.Append(ctx, "acc", channels.HistoryMessage{ID: "a", ChatID: "chat@s.whatsapp.net", Timestamp: base}); err != nil {
		t.Errorf("duplicate Append: %v", err)
	}

	recent, err := log.Recent(ctx, "acc", "chat@s.whatsapp.net", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(recent))
	}
	if recent[0].ID != "l" || recent[9].ID != "c" {
		t.Errorf("order = %s..%s, want l..c", recent[0].ID, recent[9].ID)
	}

	other, _ := log.Recent(ctx, "other", "chat@s.whatsapp.net", 10)
	if len(other) != 0 {
		t.Error("message log must be scoped per account")
	}

	chats, err := log.Chats(ctx, "acc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Messages != 12 {
		t.Errorf("Chats = %+v", chats)
	}

	n, err := log.DeleteBefore(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("pruned %d, want 5", n)
	}
}
