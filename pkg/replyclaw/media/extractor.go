// Package media extracts model-ready content from message attachments:
// voice notes become transcripts, photos become base64 data URLs. Both are
// best-effort; a failure yields "no content" rather than an error.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
)

var (
	// ErrExtraction wraps every attachment download or decode failure.
	ErrExtraction = errors.New("attachment extraction failed")

	ErrTooLarge = errors.New("attachment exceeds size limit")
)

// Downloader streams the media of an incoming message.
type Downloader interface {
	Download(ctx context.Context, msg *channels.IncomingMessage, w io.Writer) error
}

// Transcriber turns an audio file into text; ok is false for an empty or
// failed transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (text string, ok bool)
}

// Image is an encoded image ready for a multimodal prompt.
type Image struct {
	MimeType string
	Data     []byte
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns the image as a data: URL.
func (i *Image) DataURL() string {
	return "data:" + i.MimeType + ";base64," + i.Base64()
}

// Extractor downloads and decodes attachments.
type Extractor struct {
	cfg         Config
	transcriber Transcriber
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewExtractor creates an extractor using transcriber for voice notes.
func NewExtractor(cfg Config, transcriber Transcriber, m *metrics.Metrics, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = def.MaxImageSize
	}
	if cfg.MaxAudioSize <= 0 {
		cfg.MaxAudioSize = def.MaxAudioSize
	}
	return &Extractor{
		cfg:         cfg,
		transcriber: transcriber,
		logger:      logger.With("component", "extractor"),
		metrics:     m,
	}
}

// ExtractVoice downloads the voice note of msg to a temporary file,
// transcribes it and removes the file on every path. ok is false when there
// is no voice note, the download fails or the transcript is empty.
func (e *Extractor) ExtractVoice(ctx context.Context, dl Downloader, msg *channels.IncomingMessage) (string, bool) {
	if !msg.HasVoice() {
		return "", false
	}

	path, cleanup, err := e.downloadToTemp(ctx, dl, msg)
	if err != nil {
		e.logger.Warn("voice download failed", "message_id", msg.ID, "chat", msg.ChatID, "error", err)
		e.metrics.IncExtractionFailure("voice")
		return "", false
	}
	defer cleanup()

	text, ok := e.transcriber.Transcribe(ctx, path)
	if !ok {
		e.logger.Info("empty or failed transcription", "message_id", msg.ID, "chat", msg.ChatID)
		return "", false
	}
	e.logger.Debug("voice transcribed", "message_id", msg.ID, "chars", len(text))
	return text, true
}

func (e *Extractor) downloadToTemp(ctx context.Context, dl Downloader, msg *channels.IncomingMessage) (string, func(), error) {
	f, err := os.CreateTemp(e.cfg.TempDir, "replyclaw-voice-*"+AudioExtension(msg.Media.MimeType))
	if err != nil {
		return "", nil, fmt.Errorf("%w: creating temp file: %v", ErrExtraction, err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to remove temp audio file", "path", path, "error", err)
		}
	}

	if err := f.Chmod(0600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	w := &limitedWriter{w: f, remaining: e.cfg.MaxAudioSize}
	dlErr := dl.Download(ctx, msg, w)
	closeErr := f.Close()
	if dlErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: %w", ErrExtraction, dlErr)
	}
	if closeErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: %v", ErrExtraction, closeErr)
	}
	if w.written == 0 {
		cleanup()
		return "", nil, fmt.Errorf("%w: empty download", ErrExtraction)
	}
	return path, cleanup, nil
}

// ExtractImage downloads the photo of msg and returns it encoded. ok is false
// when there is no photo or the download fails.
func (e *Extractor) ExtractImage(ctx context.Context, dl Downloader, msg *channels.IncomingMessage) (*Image, bool) {
	if !msg.HasImage() {
		return nil, false
	}

	img, err := e.downloadImage(ctx, dl, msg)
	if err != nil {
		e.logger.Warn("image download failed", "message_id", msg.ID, "chat", msg.ChatID, "error", err)
		e.metrics.IncExtractionFailure("image")
		return nil, false
	}
	e.logger.Debug("image encoded", "message_id", msg.ID, "mime", img.MimeType, "bytes", len(img.Data))
	return img, true
}

func (e *Extractor) downloadImage(ctx context.Context, dl Downloader, msg *channels.IncomingMessage) (*Image, error) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: e.cfg.MaxImageSize}
	if err := dl.Download(ctx, msg, w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: empty download", ErrExtraction)
	}

	mimeType := msg.Media.MimeType
	if !IsImage(mimeType) {
		mimeType = DetectMimeType(buf.Bytes(), msg.Media.Filename)
	}
	if !IsImage(mimeType) {
		return nil, fmt.Errorf("%w: not an image (%s)", ErrExtraction, mimeType)
	}
	return &Image{MimeType: mimeType, Data: buf.Bytes()}, nil
}

// limitedWriter fails once more than remaining bytes are written.
type limitedWriter struct {
	w         io.Writer
	remaining int64
	written   int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, ErrTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	l.written += int64(n)
	return n, err
}
