// Package pipeline turns incoming messages into replies. Each message walks
// a fixed state machine: it is filtered against the preference snapshot,
// its attachments are extracted, a bounded conversation context is built,
// a completion is requested, the configured delay is applied, the reply is
// sent threaded to the trigger and an analytics record is written. Any step
// may end the walk in Dropped; failures never leave Handle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/conversation"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/llm"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/media"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
)

// State is a step of the per-message state machine.
type State string

const (
	StateReceived            State = "received"
	StateFiltered            State = "filtered"
	StateContentExtracted    State = "content_extracted"
	StateContextBuilt        State = "context_built"
	StateCompletionRequested State = "completion_requested"
	StateDelayApplied        State = "delay_applied"
	StateSent                State = "sent"
	StateRecorded            State = "recorded"
	StateDropped             State = "dropped"
)

// Drop reasons.
const (
	ReasonSelf          = "self"
	ReasonDuplicate     = "duplicate"
	ReasonDisabled      = "bot_disabled"
	ReasonChatDisabled  = "chat_not_enabled"
	ReasonNoContent     = "no_content"
	ReasonProviderError = "provider_error"
	ReasonSendFailed    = "send_failed"
)

// Outcome describes how a message left the state machine.
type Outcome struct {
	State  State
	Reason string // set when State is StateDropped
	Reply  string

	// Latency is send time minus receive time, set once the reply is sent.
	Latency time.Duration
}

// Preferences serves preference snapshots.
type Preferences interface {
	Get(ctx context.Context) prefs.Snapshot
}

// Extractor pulls usable content out of attachments.
type Extractor interface {
	ExtractVoice(ctx context.Context, dl media.Downloader, msg *channels.IncomingMessage) (string, bool)
	ExtractImage(ctx context.Context, dl media.Downloader, msg *channels.IncomingMessage) (*media.Image, bool)
}

// Completer produces reply text for a context.
type Completer interface {
	Complete(ctx context.Context, entries []conversation.Entry, opts llm.Options) (string, error)
}

// Recorder persists analytics records.
type Recorder interface {
	Record(ctx context.Context, rec analytics.Record) bool
}

// Config configures the pipeline.
type Config struct {
	// HistoryWindow is the number of prior messages in the context
	// (default: 10).
	HistoryWindow int `yaml:"history_window"`

	// HistoryTimeout bounds the history fetch (default: 10s).
	HistoryTimeout time.Duration `yaml:"history_timeout"`

	// CompletionTimeout bounds the completion request (default: 90s).
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	// SendTimeout bounds the reply send, after the delay (default: 30s).
	SendTimeout time.Duration `yaml:"send_timeout"`

	// ChatQueueSize is the per-chat backlog; messages beyond it are
	// dropped (default: 32).
	ChatQueueSize int `yaml:"chat_queue_size"`

	// ChatIdleTimeout stops a chat worker after this long without
	// messages (default: 2m).
	ChatIdleTimeout time.Duration `yaml:"chat_idle_timeout"`

	// DedupSize is the number of recent message keys remembered to drop
	// duplicate deliveries (default: 4096).
	DedupSize int `yaml:"dedup_size"`

	// SendRate and SendBurst limit outgoing replies per account
	// (default: 1/s, burst 3).
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:     conversation.DefaultWindow,
		HistoryTimeout:    10 * time.Second,
		CompletionTimeout: 90 * time.Second,
		SendTimeout:       30 * time.Second,
		ChatQueueSize:     32,
		ChatIdleTimeout:   2 * time.Minute,
		DedupSize:         4096,
		SendRate:          1,
		SendBurst:         3,
	}
}

// Pipeline processes messages from every live account.
type Pipeline struct {
	cfg       Config
	prefs     Preferences
	extractor Extractor
	builder   *conversation.Builder
	completer Completer
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	seen *lru.Cache[string, struct{}]

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	workersMu sync.Mutex
	workers   map[string]*accountWorker
	closed    bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports outcomes and latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline.
func New(cfg Config, preferences Preferences, extractor Extractor, completer Completer, recorder Recorder, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ChatQueueSize <= 0 {
		cfg.ChatQueueSize = def.ChatQueueSize
	}
	if cfg.ChatIdleTimeout <= 0 {
		cfg.ChatIdleTimeout = def.ChatIdleTimeout
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = def.SendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}

	seen, _ := lru.New[string, struct{}](cfg.DedupSize)

	p := &Pipeline{
		cfg:       cfg,
		prefs:     preferences,
		extractor: extractor,
		builder:   conversation.NewBuilder(cfg.HistoryWindow),
		completer: completer,
		recorder:  recorder,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
		seen:      seen,
		limiters:  make(map[string]*rate.Limiter),
		workers:   make(map[string]*accountWorker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs msg, received on conn, through the state machine.
func (p *Pipeline) Handle(ctx context.Context, conn channels.Connection, msg *channels.IncomingMessage) Outcome {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	logger := p.logger.With(
		"account", conn.AccountID(),
		"chat", msg.ChatID,
		"message_id", msg.ID,
	)
	state := func(s State) { logger.Debug("pipeline state", "state", s) }
	drop := func(reason string) Outcome {
		logger.Debug("message dropped", "reason", reason)
		p.metrics.IncMessage(conn.Platform(), reason)
		return Outcome{State: StateDropped, Reason: reason}
	}

	state(StateReceived)

	// ── Step 1: Filter ──
	if msg.FromSelf || (msg.From != "" && msg.From == conn.SelfID()) {
		return drop(ReasonSelf)
	}
	if dup, _ := p.seen.ContainsOrAdd(conn.AccountID()+"\x00"+msg.ChatID+"\x00"+msg.ID, struct{}{}); dup {
		return drop(ReasonDuplicate)
	}
	snap := p.prefs.Get(ctx)
	if !snap.Enabled() {
		return drop(ReasonDisabled)
	}
	policy, ok := snap.Policy(conn.AccountID(), msg.ChatID)
	if !ok {
		return drop(ReasonChatDisabled)
	}
	state(StateFiltered)

	// ── Step 2: Extract content ──
	var (
		transcript string
		image      *media.Image
	)
	if policy.AnalyzeVoices && msg.HasVoice() {
		if t, ok := p.extractor.ExtractVoice(ctx, conn, msg); ok {
			transcript = t
		}
	}
	if policy.AnalyzeImages && msg.HasImage() {
		if img, ok := p.extractor.ExtractImage(ctx, conn, msg); ok {
			image = img
		}
	}
	text := strings.TrimSpace(msg.Content)

	var own []conversation.Entry
	if transcript != "" {
		own = append(own, conversation.TextEntry(conversation.RoleUser, transcript))
	}
	if image != nil {
		own = append(own, conversation.ImageEntry(image.DataURL()))
	}
	if text != "" {
		own = append(own, conversation.TextEntry(conversation.RoleUser, text))
	}
	if !conversation.HasContent(own) {
		return drop(ReasonNoContent)
	}
	state(StateContentExtracted)

	// ── Step 3: Build context ──
	entries := p.builder.Build(p.history(ctx, conn, msg, logger), conn.SelfID(), policy.SystemPrompt, msg.ID)
	entries = append(entries, own...)
	state(StateContextBuilt)

	// ── Step 4: Completion ──
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout)
	reply, err := p.completer.Complete(cctx, entries, llm.Options{
		MaxTokens:   policy.MaxTokens,
		Temperature: policy.Temperature,
	})
	cancel()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = &llm.ProviderError{Op: "chat", Kind: llm.ErrorEmpty, Err: errors.New("empty completion")}
	}
	if err != nil {
		logger.Warn("completion failed, no reply sent", "error", err)
		return drop(ReasonProviderError)
	}
	state(StateCompletionRequested)

	// ── Step 5: Delay and send ──
	// Past this point the reply goes out even if the listener is stopping.
	detached := context.WithoutCancel(ctx)
	if policy.ResponseDelay > 0 {
		time.Sleep(policy.ResponseDelay)
	}
	state(StateDelayApplied)

	if err := p.send(detached, conn, msg, reply); err != nil {
		logger.Error("reply not sent", "error", err)
		return drop(ReasonSendFailed)
	}
	sentAt := p.now()
	latency := sentAt.Sub(msg.ReceivedAt)
	state(StateSent)
	p.metrics.IncMessage(conn.Platform(), "replied")
	p.metrics.ObserveReplyLatency(latency)
	logger.Info("reply sent", "latency_ms", latency.Milliseconds(), "delay_ms", policy.ResponseDelay.Milliseconds())

	// ── Step 6: Record ──
	p.recorder.Record(detached, analytics.Record{
		AccountID:   conn.AccountID(),
		ChatID:      msg.ChatID,
		MessageID:   msg.ID,
		UserMessage: userMessage(text, transcript, image != nil),
		BotResponse: reply,
		ReceivedAt:  msg.ReceivedAt,
		SentAt:      sentAt,
	})
	state(StateRecorded)

	return Outcome{State: StateRecorded, Reply: reply, Latency: latency}
}

// history fetches the chat's recent messages. The trigger is usually among
// them and is excluded by the builder, so one extra is requested. A failed
// fetch yields an empty history.
func (p *Pipeline) history(ctx context.Context, conn channels.Connection, msg *channels.IncomingMessage, logger *slog.Logger) []channels.HistoryMessage {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HistoryTimeout)
	defer cancel()

	recent, err := conn.RecentMessages(hctx, msg.ChatID, p.cfg.HistoryWindow+1)
	if err != nil {
		logger.Warn("history unavailable, replying without context", "error", err)
		return nil
	}
	return recent
}

func (p *Pipeline) send(ctx context.Context, conn channels.Connection, msg *channels.IncomingMessage, reply string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	if err := p.limiter(conn.AccountID()).Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return conn.SendReply(ctx, msg.ChatID, msg.ID, reply)
}

func (p *Pipeline) limiter(accountID string) *rate.Limiter {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	l, ok := p.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.SendRate), p.cfg.SendBurst)
		p.limiters[accountID] = l
	}
	return l
}

// userMessage is the analytics text for what the user sent.
func userMessage(text, transcript string, hasImage bool) string {
	switch {
	case text != "":
		return text
	case transcript != "":
		return "[voice] " + transcript
	case hasImage:
		return "[image]"
	default:
		return ""
	}
}
