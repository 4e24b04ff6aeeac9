package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TranscribeFile sends the audio file at path to the transcription endpoint
// and returns the trimmed text.
func (c *Client) TranscribeFile(ctx context.Context, path string) (string, error) {
	const op = "transcription"

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	size, err := io.Copy(part, f)
	if err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.cfg.TranscriptionModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if c.cfg.TranscriptionLanguage != "" {
		_ = w.WriteField("language", c.cfg.TranscriptionLanguage)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending audio transcription request",
		"filename", filepath.Base(path),
		"size_bytes", size,
		"model", c.cfg.TranscriptionModel,
	)

	start := time.Now()
	respBody, err := c.do(req, op)
	c.metrics.ObserveProvider(op, time.Since(start))
	if err != nil {
		return "", err
	}

	// JSON {"text": "..."} or plain text, depending on response_format.
	var result struct {
		Text string `json:"text"`
	}
	text := string(respBody)
	if err := json.Unmarshal(respBody, &result); err == nil {
		text = result.Text
	}
	text = strings.TrimSpace(text)

	c.logger.Debug("transcription done",
		"duration_ms", time.Since(start).Milliseconds(),
		"chars", len(text),
	)
	return text, nil
}

// Transcribe is the best-effort form of TranscribeFile: failures are logged
// and reported as ok=false, as is an empty transcript.
func (c *Client) Transcribe(ctx context.Context, path string) (string, bool) {
	text, err := c.TranscribeFile(ctx, path)
	if err != nil {
		c.logger.Warn("transcription failed", "error", err)
		return "", false
	}
	if text == "" {
		return "", false
	}
	return text, true
}
