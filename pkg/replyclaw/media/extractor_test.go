package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, msg *channels.IncomingMessage, w io.Writer) error {
	if len(f.data) > 0 {
		if _, err := w.Write(f.data); err != nil {
			return err
		}
	}
	return f.err
}

type fakeTranscriber struct {
	text     string
	ok       bool
	paths    []string
	contents []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string) (string, bool) {
	f.paths = append(f.paths, path)
	data, _ := os.ReadFile(path)
	f.contents = append(f.contents, string(data))
	return f.text, f.ok
}

func voiceMessage() *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:     "42",
		ChatID: "C1",
		Type:   channels.MessageAudio,
		Media:  &channels.MediaInfo{Type: channels.MessageAudio, MimeType: "audio/ogg", Voice: true},
	}
}

func newTestExtractor(t *testing.T, tr Transcriber) (*Extractor, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewExtractor(Config{TempDir: dir, MaxAudioSize: 1024, MaxImageSize: 1024}, tr, nil, logger), dir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestExtractVoice(t *testing.T) {
	t.Run("success removes temp file", func(t *testing.T) {
		tr := &fakeTranscriber{text: "hello there", ok: true}
		ex, dir := newTestExtractor(t, tr)

		text, ok := ex.ExtractVoice(context.Background(), &fakeDownloader{data: []byte("OggS...")}, voiceMessage())
		if !ok || text != "hello there" {
			t.Fatalf("ExtractVoice = %q, %v", text, ok)
		}
		if len(tr.paths) != 1 || filepath.Ext(tr.paths[0]) != ".ogg" {
			t.Errorf("unexpected transcribed path %v", tr.paths)
		}
		if tr.contents[0] != "OggS..." {
			t.Errorf("transcriber saw %q", tr.contents[0])
		}
		assertEmptyDir(t, dir)
	})

	t.Run("empty transcript removes temp file", func(t *testing.T) {
		tr := &fakeTranscriber{ok: false}
		ex, dir := newTestExtractor(t, tr)

		if _, ok := ex.ExtractVoice(context.Background(), &fakeDownloader{data: []byte("x")}, voiceMessage()); ok {
			t.Error("expected no content")
		}
		assertEmptyDir(t, dir)
	})

	t.Run("download failure removes temp file", func(t *testing.T) {
		tr := &fakeTranscriber{text: "x", ok: true}
		ex, dir := newTestExtractor(t, tr)

		dl := &fakeDownloader{data: []byte("partial"), err: errors.New("network reset")}
		if _, ok := ex.ExtractVoice(context.Background(), dl, voiceMessage()); ok {
			t.Error("expected no content")
		}
		if len(tr.paths) != 0 {
			t.Error("transcriber must not be called after a failed download")
		}
		assertEmptyDir(t, dir)
	})

	t.Run("oversized download rejected", func(t *testing.T) {
		tr := &fakeTranscriber{text: "x", ok: true}
		ex, dir := newTestExtractor(t, tr)

		dl := &fakeDownloader{data: []byte(strings.Repeat("a", 2048))}
		if _, ok := ex.ExtractVoice(context.Background(), dl, voiceMessage()); ok {
			t.Error("expected no content for oversized audio")
		}
		assertEmptyDir(t, dir)
	})

	t.Run("not a voice note", func(t *testing.T) {
		tr := &fakeTranscriber{text: "x", ok: true}
		ex, _ := newTestExtractor(t, tr)

		msg := voiceMessage()
		msg.Media.Voice = false
		if _, ok := ex.ExtractVoice(context.Background(), &fakeDownloader{data: []byte("x")}, msg); ok {
			t.Error("audio files are not voice notes")
		}
		if len(tr.paths) != 0 {
			t.Error("transcriber must not be called")
		}
	})
}

func TestExtractImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	t.Run("declared mime", func(t *testing.T) {
		ex, _ := newTestExtractor(t, &fakeTranscriber{})
		msg := &channels.IncomingMessage{ID: "1", Media: &channels.MediaInfo{Type: channels.MessageImage, MimeType: "image/jpeg"}}

		img, ok := ex.ExtractImage(context.Background(), &fakeDownloader{data: []byte{0xff, 0xd8, 0xff}}, msg)
		if !ok {
			t.Fatal("expected image")
		}
		if img.DataURL() != "data:image/jpeg;base64,/9j/" {
			t.Errorf("DataURL = %q", img.DataURL())
		}
	})

	t.Run("sniffed mime", func(t *testing.T) {
		ex, _ := newTestExtractor(t, &fakeTranscriber{})
		msg := &channels.IncomingMessage{ID: "1", Media: &channels.MediaInfo{Type: channels.MessageImage}}

		img, ok := ex.ExtractImage(context.Background(), &fakeDownloader{data: png}, msg)
		if !ok {
			t.Fatal("expected image")
		}
		if img.MimeType != "image/png" {
			t.Errorf("MimeType = %q", img.MimeType)
		}
	})

	t.Run("download failure", func(t *testing.T) {
		ex, _ := newTestExtractor(t, &fakeTranscriber{})
		msg := &channels.IncomingMessage{ID: "1", Media: &channels.MediaInfo{Type: channels.MessageImage, MimeType: "image/jpeg"}}

		if _, ok := ex.ExtractImage(context.Background(), &fakeDownloader{err: channels.ErrMediaDownloadFailed}, msg); ok {
			t.Error("expected no content")
		}
	})

	t.Run("no image", func(t *testing.T) {
		ex, _ := newTestExtractor(t, &fakeTranscriber{})
		if _, ok := ex.ExtractImage(context.Background(), &fakeDownloader{data: png}, &channels.IncomingMessage{ID: "1"}); ok {
			t.Error("expected no content for text message")
		}
	})
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
		want     string
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, "", "image/jpeg"},
		{"ogg container", []byte("OggS\x00\x02"), "", "audio/ogg"},
		{"extension fallback", []byte{0x00, 0x01}, "voice.opus", "audio/ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMimeType(tt.data, tt.filename); got != tt.want {
				t.Errorf("DetectMimeType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAudioExtension(t *testing.T) {
	tests := map[string]string{
		"audio/ogg; codecs=opus": ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/mp4":              ".m4a",
		"":                       ".ogg",
	}
	for in, want := range tests {
		if got := AudioExtension(in); got != want {
			t.Errorf("AudioExtension(%q) = %q, want %q", in, got, want)
		}
	}
}
