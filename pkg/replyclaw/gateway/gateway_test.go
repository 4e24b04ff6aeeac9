package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/channeltest"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/secrets"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/storage"
)

const testToken = "secret-token"

type testEnv struct {
	srv      *httptest.Server
	repos    *storage.Repos
	platform *channeltest.Platform
	store    *session.Store
	cache    *prefs.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	dbCfg := database.DefaultConfig()
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "replyclaw.db")
	db, err := database.Open(dbCfg, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	repos := storage.New(db, secrets.PlainSealer{})
	platform := channeltest.NewPlatform("12345")

	sessCfg := session.DefaultConfig()
	sessCfg.DefaultPlatform = platform.Name()
	store := session.NewStore(sessCfg, repos.Sessions, []channels.Platform{platform}, logger)
	t.Cleanup(store.Close)

	cache := prefs.NewCache(repos.Preferences, repos.Chats, prefs.DefaultConfig(), logger)

	gw := New(Config{AuthToken: testToken}, Deps{
		Sessions:  store,
		Stored:    repos.Sessions,
		Prefs:     repos.Preferences,
		Chats:     repos.Chats,
		Activity:  repos.Messages,
		Analytics: repos.Analytics,
		Cache:     cache,
		Gatherer:  metrics.NewRegistry(),
		Version:   "test",
	}, logger)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, repos: repos, platform: platform, store: store, cache: cache}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("health is public", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("missing security headers")
		}
	})

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + testToken},
		{"wrong token", "Bearer nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/preferences", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}

	t.Run("metrics require token", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if code, _ := env.do(t, http.MethodGet, "/metrics", nil); code != http.StatusOK {
			t.Errorf("authorized status = %d", code)
		}
	})
}

func TestCompareTokens(t *testing.T) {
	if !compareTokens("abc", "abc") {
		t.Error("equal tokens should match")
	}
	if compareTokens("abc", "abcd") {
		t.Error("different tokens should not match")
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	const account = "+15550001"

	code, body := env.do(t, http.MethodPost, "/api/sessions/"+account+"/auth", map[string]string{})
	if code != http.StatusAccepted {
		t.Fatalf("auth status = %d: %s", code, body)
	}
	ch := decode[session.Challenge](t, body)
	if ch.AccountID != account || ch.Platform != "fake" {
		t.Errorf("challenge = %+v", ch)
	}

	// A second login while the first awaits its code conflicts.
	if code, _ := env.do(t, http.MethodPost, "/api/sessions/"+account+"/auth", nil); code != http.StatusConflict {
		t.Errorf("duplicate auth status = %d, want 409", code)
	}

	code, body = env.do(t, http.MethodPost, "/api/sessions/"+account+"/verify", map[string]string{"code": "99999"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong code status = %d: %s", code, body)
	}

	// The failed submission consumed the challenge.
	if code, _ := env.do(t, http.MethodPost, "/api/sessions/"+account+"/verify", map[string]string{"code": "12345"}); code != http.StatusUnprocessableEntity {
		t.Errorf("verify without challenge status = %d, want 422", code)
	}

	if code, body := env.do(t, http.MethodPost, "/api/sessions/"+account+"/auth", nil); code != http.StatusAccepted {
		t.Fatalf("retry auth status = %d: %s", code, body)
	}
	code, body = env.do(t, http.MethodPost, "/api/sessions/"+account+"/verify", map[string]string{"code": "12345"})
	if code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", code, body)
	}
	view := decode[sessionView](t, body)
	if !view.Live || !view.Connected || view.SelfID != "self-"+account {
		t.Errorf("session = %+v", view)
	}

	code, body = env.do(t, http.MethodGet, "/api/sessions/", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	list := decode[struct {
		Sessions []sessionView `json:"sessions"`
	}](t, body)
	if len(list.Sessions) != 1 || list.Sessions[0].AccountID != account || list.Sessions[0].CreatedAt.IsZero() {
		t.Errorf("sessions = %+v", list.Sessions)
	}

	code, body = env.do(t, http.MethodGet, "/api/sessions/"+account+"/status", nil)
	status := decode[map[string]any](t, body)
	if code != http.StatusOK || status["valid"] != true || status["live"] != true {
		t.Errorf("status = %d %v", code, status)
	}

	_, body = env.do(t, http.MethodGet, "/health", nil)
	health := decode[map[string]any](t, body)
	accounts, _ := health["accounts"].(map[string]any)
	if accounts[account] != "connected" {
		t.Errorf("health accounts = %v", health["accounts"])
	}

	if code, _ := env.do(t, http.MethodDelete, "/api/sessions/"+account+"/", nil); code != http.StatusNoContent {
		t.Errorf("remove status = %d, want 204", code)
	}
	// Removing an unknown account is a no-op.
	if code, _ := env.do(t, http.MethodDelete, "/api/sessions/"+account+"/", nil); code != http.StatusNoContent {
		t.Errorf("second remove status = %d, want 204", code)
	}
	if got := env.platform.Forgotten(); len(got) != 1 || got[0] != account {
		t.Errorf("forgotten = %v", got)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/sessions/"+account+"/restore", nil); code != http.StatusNotFound {
		t.Errorf("restore removed status = %d, want 404", code)
	}
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodPost, "/api/sessions/+1/auth", map[string]string{"platform": "carrier-pigeon"}); code != http.StatusBadRequest {
		t.Errorf("unknown platform status = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/sessions/+1/verify", map[string]string{"code": " "}); code != http.StatusBadRequest {
		t.Errorf("blank code status = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/sessions/+1/auth", map[string]any{"unexpected": 1}); code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodDelete, "/api/sessions/+1/auth", nil); code != http.StatusNoContent {
		t.Errorf("cancel without challenge status = %d, want 204", code)
	}
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/preferences", nil)
	if code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	v := decode[preferencesView](t, body)
	if v.Configured || v.IsOn || v.MaxTokens != prefs.DefaultMaxTokens {
		t.Errorf("defaults = %+v", v)
	}

	code, body = env.do(t, http.MethodPut, "/api/preferences", map[string]any{
		"is_on":             true,
		"general_prompt":    "Be brief.",
		"response_delay_ms": 1500,
	})
	if code != http.StatusOK {
		t.Fatalf("put status = %d: %s", code, body)
	}
	v = decode[preferencesView](t, body)
	if !v.IsOn || !v.Configured || v.ResponseDelayMS != 1500 || v.MaxTokens != prefs.DefaultMaxTokens {
		t.Errorf("saved = %+v", v)
	}

	// The cache sees the write without waiting for its refresh interval.
	snap := env.cache.Get(context.Background())
	if !snap.Enabled() || snap.Preferences.ResponseDelay != 1500*time.Millisecond {
		t.Errorf("snapshot = %+v", snap.Preferences)
	}

	// A partial update keeps the other fields.
	_, body = env.do(t, http.MethodPut, "/api/preferences", map[string]any{"temperature": 0.2})
	v = decode[preferencesView](t, body)
	if v.GeneralPrompt != "Be brief." || v.Temperature != 0.2 || !v.IsOn {
		t.Errorf("patched = %+v", v)
	}

	for _, bad := range []map[string]any{
		{"temperature": 3},
		{"max_tokens": 0},
		{"response_delay_ms": -1},
		{"is_on": "yes"},
	} {
		if code, _ := env.do(t, http.MethodPut, "/api/preferences", bad); code != http.StatusBadRequest {
			t.Errorf("PUT %v status = %d, want 400", bad, code)
		}
	}
}

func TestChats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const account = "+15550002"

	now := time.Now().UTC()
	for i, chat := range []string{"chat-a", "chat-b"} {
		err := env.repos.Messages.Append(ctx, account, channels.HistoryMessage{
			ID:        chat + "-1",
			ChatID:    chat,
			Text:      "hi",
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if code, body := env.do(t, http.MethodPut, "/api/chats/chat-a", map[string]any{"account_id": account}); code != http.StatusBadRequest || !strings.Contains(string(body), "auto_reply_on") {
		t.Errorf("missing flag = %d %s", code, body)
	}
	if code, _ := env.do(t, http.MethodPut, "/api/chats/chat-a", map[string]any{"account_id": account, "auto_reply_on": true, "response_delay_ms": -5}); code != http.StatusBadRequest {
		t.Errorf("negative delay status = %d", code)
	}

	code, body := env.do(t, http.MethodPut, "/api/chats/chat-a", map[string]any{
		"account_id":        account,
		"auto_reply_on":     true,
		"custom_prompt":     "Speak like a pirate.",
		"response_delay_ms": 0,
	})
	if code != http.StatusOK {
		t.Fatalf("put status = %d: %s", code, body)
	}
	if code, _ := env.do(t, http.MethodPut, "/api/chats/chat-c", map[string]any{"auto_reply_on": true}); code != http.StatusOK {
		t.Fatalf("put global status = %d", code)
	}

	if !env.cache.Get(ctx).Chats.Contains(account, "chat-a") {
		t.Error("enabled chat not visible to the cache")
	}

	code, body = env.do(t, http.MethodGet, "/api/chats?account="+url.QueryEscape(account), nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	list := decode[struct {
		Chats []chatView `json:"chats"`
	}](t, body)

	got := make(map[string]chatView)
	for _, c := range list.Chats {
		if _, dup := got[c.ChatID]; dup {
			t.Errorf("chat %s listed twice", c.ChatID)
		}
		got[c.ChatID] = c
	}
	if a := got["chat-a"]; !a.AutoReply || !a.Configured || a.CustomPrompt == "" || a.ResponseDelayMS == nil || *a.ResponseDelayMS != 0 {
		t.Errorf("chat-a = %+v", a)
	}
	if b := got["chat-b"]; b.Configured || b.AutoReply || b.LastActivity.IsZero() {
		t.Errorf("chat-b = %+v", b)
	}
	if c := got["chat-c"]; !c.AutoReply || c.AccountID != "" {
		t.Errorf("chat-c = %+v", c)
	}

	if code, _ := env.do(t, http.MethodDelete, "/api/chats/chat-a?account="+url.QueryEscape(account), nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d", code)
	}
	if env.cache.Get(ctx).Chats.Contains(account, "chat-a") {
		t.Error("deleted chat still enabled")
	}
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := range 3 {
		err := env.repos.Analytics.Append(ctx, analytics.Record{
			ID:          string(rune('a' + i)),
			AccountID:   "+1",
			ChatID:      "chat",
			MessageID:   string(rune('a' + i)),
			UserMessage: "hello",
			BotResponse: "hi",
			ReceivedAt:  now.Add(-time.Duration(i) * time.Minute),
			SentAt:      now,
			Latency:     250 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	code, body := env.do(t, http.MethodGet, "/api/analytics/daily?days=7", nil)
	if code != http.StatusOK {
		t.Fatalf("daily status = %d: %s", code, body)
	}
	days := decode[[]analytics.DayCount](t, body)
	if len(days) != 7 {
		t.Fatalf("days = %d, want 7", len(days))
	}
	total := 0
	for _, d := range days {
		total += d.Count
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	if code, _ := env.do(t, http.MethodGet, "/api/analytics/daily?days=400", nil); code != http.StatusBadRequest {
		t.Errorf("days=400 status = %d, want 400", code)
	}

	_, body = env.do(t, http.MethodGet, "/api/analytics/recent?limit=2", nil)
	recs := decode[[]recordView](t, body)
	if len(recs) != 2 || recs[0].LatencyMS != 250 {
		t.Errorf("recent = %+v", recs)
	}
}

func TestNilDepsReturnNotImplemented(t *testing.T) {
	gw := New(Config{}, Deps{}, nil)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	for _, path := range []string{"/api/sessions/", "/api/preferences", "/api/chats", "/api/analytics/daily"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("GET %s = %d, want 501", path, resp.StatusCode)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:8085": true,
		"localhost:8085": true,
		"[::1]:8085":     true,
		"0.0.0.0:8085":   false,
		":8085":          false,
		"10.0.0.5:80":    false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", tc.header)
		got, ok := bearerToken(r)
		if got != tc.want || ok != tc.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCORS(t *testing.T) {
	gw := New(Config{CORSOrigins: []string{"https://dash.example"}}, Deps{}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	h := gw.Handler()

	t.Run("preflight from allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/preferences", nil)
		r.Header.Set("Origin", "https://dash.example")
		r.Header.Set("Access-Control-Request-Method", http.MethodPut)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
			t.Errorf("allow origin = %q", got)
		}
	})

	t.Run("other origin gets no grant", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow origin = %q, want none", got)
		}
	})
}
