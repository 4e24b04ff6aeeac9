// Package llm talks to an OpenAI-compatible provider: chat completions,
// legacy text completions and audio transcription.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/conversation"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
)

// Config configures the provider client.
type Config struct {
	// BaseURL of the OpenAI-compatible API (default: https://api.openai.com/v1)
	BaseURL string `yaml:"base_url"`

	// APIKey (supports ${ENV_VAR} expansion)
	APIKey string `yaml:"api_key"`

	// Model for chat completions (default: gpt-4o-mini)
	Model string `yaml:"model"`

	// CompletionModel for text completions (default: gpt-3.5-turbo-instruct)
	CompletionModel string `yaml:"completion_model"`

	// TranscriptionModel for speech-to-text (default: whisper-1)
	TranscriptionModel string `yaml:"transcription_model"`

	// TranscriptionLanguage is an optional ISO-639-1 hint.
	TranscriptionLanguage string `yaml:"transcription_language"`

	// Timeout per request (default: 60s)
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "https://api.openai.com/v1",
		Model:              "gpt-4o-mini",
		CompletionModel:    "gpt-3.5-turbo-instruct",
		TranscriptionModel: "whisper-1",
		Timeout:            60 * time.Second,
	}
}

// Defaults applied when a caller passes zero options.
const (
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
)

// Options are per-request sampling parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client handles communication with the provider API.
type Client struct {
	baseURL    string
	apiKey     string
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records request durations and failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.CompletionModel == "" {
		cfg.CompletionModel = def.CompletionModel
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = def.TranscriptionModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		cfg:     cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		logger: logger.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------- Wire types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

// toChatMessages converts context entries into provider messages.
func toChatMessages(entries []conversation.Entry) []chatMessage {
	out := make([]chatMessage, 0, len(entries))
	for _, e := range entries {
		if e.IsImage() {
			out = append(out, chatMessage{
				Role:    string(e.Role),
				Content: []contentPart{{Type: "image_url", ImageURL: &imageURL{URL: e.ImageURL}}},
			})
			continue
		}
		out = append(out, chatMessage{Role: string(e.Role), Content: e.Text})
	}
	return out
}

// ---------- Public Methods ----------

// Complete requests a chat completion for entries and returns the trimmed
// reply text. Every failure, including an empty reply, is a *ProviderError.
func (c *Client) Complete(ctx context.Context, entries []conversation.Entry, opts Options) (string, error) {
	const op = "chat"
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    toChatMessages(entries),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	var chatResp chatResponse
	duration, err := c.postJSON(ctx, op, "/chat/completions", reqBody, &chatResp)
	if err != nil {
		return "", err
	}

	if chatResp.Error != nil {
		return "", c.fail(op, &ProviderError{Op: op, Kind: classifyAPIError(http.StatusOK, chatResp.Error.Message), Body: chatResp.Error.Message})
	}
	if len(chatResp.Choices) == 0 {
		return "", c.fail(op, &ProviderError{Op: op, Kind: ErrorEmpty, Err: fmt.Errorf("no choices in response")})
	}

	choice := chatResp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", c.fail(op, &ProviderError{Op: op, Kind: ErrorEmpty, Err: fmt.Errorf("empty reply (finish_reason=%s)", choice.FinishReason)})
	}

	c.logger.Info("chat completion done",
		"model", c.cfg.Model,
		"messages", len(entries),
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return content, nil
}

// CompleteText requests a plain text completion for prompt.
func (c *Client) CompleteText(ctx context.Context, prompt string, opts Options) (string, error) {
	const op = "completion"
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}

	var resp completionResponse
	duration, err := c.postJSON(ctx, op, "/completions", completionRequest{
		Model:       c.cfg.CompletionModel,
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", c.fail(op, &ProviderError{Op: op, Kind: ErrorEmpty, Err: fmt.Errorf("no choices in response")})
	}
	text := strings.TrimSpace(resp.Choices[0].Text)

	c.logger.Debug("text completion done",
		"model", c.cfg.CompletionModel,
		"duration_ms", duration.Milliseconds(),
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return text, nil
}

// postJSON sends body to path and decodes a 200 response into out.
func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) (time.Duration, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, c.fail(op, &ProviderError{Op: op, Kind: ErrorFatal, Err: fmt.Errorf("marshaling request: %w", err)})
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, c.fail(op, &ProviderError{Op: op, Kind: ErrorFatal, Err: fmt.Errorf("creating request: %w", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending provider request", "op", op, "endpoint", endpoint)

	start := time.Now()
	respBody, err := c.do(req, op)
	duration := time.Since(start)
	c.metrics.ObserveProvider(op, duration)
	if err != nil {
		return duration, err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return duration, c.fail(op, &ProviderError{Op: op, Kind: ErrorFatal, Err: fmt.Errorf("parsing response: %w", err)})
	}
	return duration, nil
}

// do executes req and returns the body of a 200 response.
func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(op, &ProviderError{Op: op, Kind: classifyTransportError(err), Err: err})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(op, &ProviderError{Op: op, Kind: ErrorNetwork, Err: fmt.Errorf("reading response: %w", err)})
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := string(respBody)
		perr := &ProviderError{
			Op:         op,
			Kind:       classifyAPIError(resp.StatusCode, bodyStr),
			StatusCode: resp.StatusCode,
			Body:       truncate(bodyStr, 500),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
				perr.RetryAfter = sec
			}
		}
		c.logger.Error("API error",
			"op", op,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return nil, c.fail(op, perr)
	}
	return respBody, nil
}

func (c *Client) fail(op string, err *ProviderError) error {
	c.metrics.IncProviderError(op, err.Kind.String())
	return err
}
