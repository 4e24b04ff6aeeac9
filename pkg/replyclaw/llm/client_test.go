package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/conversation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: 5 * time.Second}, logger)
}

func TestClient_Complete(t *testing.T) {
	var got chatRequest
	var rawMessages []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		var raw struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.Unmarshal(body, &raw)
		rawMessages = raw.Messages
		w.Write([]byte(`{"choices":[{"message":{"content":"  hi there \n"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3}}`))
	})

	entries := []conversation.Entry{
		conversation.TextEntry(conversation.RoleSystem, "be brief"),
		conversation.TextEntry(conversation.RoleUser, "hello"),
		conversation.ImageEntry("data:image/jpeg;base64,AAAA"),
	}
	reply, err := c.Complete(context.Background(), entries, Options{MaxTokens: 42, Temperature: 0})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}
	if got.Model != "gpt-4o-mini" || got.MaxTokens != 42 || got.Temperature != 0 {
		t.Errorf("unexpected request %+v", got)
	}
	if len(rawMessages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(rawMessages))
	}
	if rawMessages[1]["content"] != "hello" {
		t.Errorf("text content = %v", rawMessages[1]["content"])
	}
	parts, ok := rawMessages[2]["content"].([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("image content = %v", rawMessages[2]["content"])
	}
	part := parts[0].(map[string]any)
	if part["type"] != "image_url" || part["image_url"].(map[string]any)["url"] != "data:image/jpeg;base64,AAAA" {
		t.Errorf("unexpected image part %v", part)
	}
}

func TestClient_CompleteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"rate limit", 429, `{"error":{"message":"slow down"}}`, ErrorRateLimit},
		{"auth", 401, `{"error":{"message":"bad key"}}`, ErrorAuth},
		{"server", 503, `oops`, ErrorRetryable},
		{"empty reply", 200, `{"choices":[{"message":{"content":"   "}}]}`, ErrorEmpty},
		{"no choices", 200, `{"choices":[]}`, ErrorEmpty},
		{"context", 400, `{"error":{"code":"context_length_exceeded"}}`, ErrorContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status == 429 {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Complete(context.Background(), []conversation.Entry{conversation.TextEntry(conversation.RoleUser, "x")}, Options{})
			if !errors.Is(err, ErrProvider) {
				t.Fatalf("expected provider error, got %v", err)
			}
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ProviderError, got %T", err)
			}
			if perr.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", perr.Kind, tt.kind)
			}
			if tt.status == 429 && perr.RetryAfter != 7 {
				t.Errorf("RetryAfter = %d", perr.RetryAfter)
			}
		})
	}
}

func TestClient_CompleteTransportError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, logger)
	_, err := c.Complete(context.Background(), []conversation.Entry{conversation.TextEntry(conversation.RoleUser, "x")}, Options{})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if perr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", perr.StatusCode)
	}
}

func TestClient_CompleteText(t *testing.T) {
	var got completionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"text":"\nOnce upon a time"}]}`))
	})

	text, err := c.CompleteText(context.Background(), "Tell a story", Options{})
	if err != nil {
		t.Fatalf("CompleteText: %v", err)
	}
	if text != "Once upon a time" {
		t.Errorf("text = %q", text)
	}
	if got.MaxTokens != DefaultMaxTokens || got.Temperature != DefaultTemperature || got.Prompt != "Tell a story" {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestClient_Transcribe(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(audio, []byte("OggS fake audio"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("json response", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/audio/transcriptions" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse form: %v", err)
				return
			}
			if r.FormValue("model") != "whisper-1" {
				t.Errorf("model = %q", r.FormValue("model"))
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				return
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if hdr.Filename != "voice.ogg" || string(data) != "OggS fake audio" {
				t.Errorf("unexpected upload %s %q", hdr.Filename, data)
			}
			w.Write([]byte(`{"text":" hello world "}`))
		})
		text, ok := c.Transcribe(context.Background(), audio)
		if !ok || text != "hello world" {
			t.Errorf("Transcribe = %q, %v", text, ok)
		}
	})

	t.Run("plain text response", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("plain words\n"))
		})
		text, ok := c.Transcribe(context.Background(), audio)
		if !ok || text != "plain words" {
			t.Errorf("Transcribe = %q, %v", text, ok)
		}
	})

	t.Run("empty transcript is no content", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"text":""}`))
		})
		if _, ok := c.Transcribe(context.Background(), audio); ok {
			t.Error("expected ok=false for empty transcript")
		}
	})

	t.Run("provider failure is no content", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		})
		if _, ok := c.Transcribe(context.Background(), audio); ok {
			t.Error("expected ok=false on failure")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		})
		if _, err := c.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "nope.ogg")); err == nil || !strings.Contains(err.Error(), "opening audio file") {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{402, "", ErrorBilling},
		{429, "", ErrorRateLimit},
		{529, "", ErrorOverloaded},
		{400, "bad", ErrorBadRequest},
		{403, "", ErrorAuth},
		{502, "", ErrorRetryable},
		{404, "", ErrorFatal},
		{500, "insufficient_quota", ErrorBilling},
	}
	for _, tt := range tests {
		if got := classifyAPIError(tt.status, tt.body); got != tt.want {
			t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
		}
	}
}
