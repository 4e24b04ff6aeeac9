// Package analytics records one fact per reply sent and produces the daily
// activity report. Records are immutable; only the retention job deletes
// them.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
)

// Record is one processed interaction.
type Record struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"account_id"`
	ChatID      string        `json:"chat_id"`
	MessageID   string        `json:"message_id"`
	UserMessage string        `json:"user_message"`
	BotResponse string        `json:"bot_response"`
	ReceivedAt  time.Time     `json:"received_at"`
	SentAt      time.Time     `json:"sent_at"`
	Latency     time.Duration `json:"-"`
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Recorder is the fire-and-forget front of a Sink: failures are logged and
// counted, never returned to the reply path.
type Recorder struct {
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "analytics"),
		timeout: 10 * time.Second,
	}
}

// Record fills in the ID and latency and appends rec. It reports whether
// the write succeeded.
func (r *Recorder) Record(ctx context.Context, rec Record) bool {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Latency = rec.SentAt.Sub(rec.ReceivedAt)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.Append(ctx, rec); err != nil {
		r.metrics.IncAnalyticsFailure()
		r.logger.Error("analytics record not saved",
			"account", rec.AccountID, "chat", rec.ChatID, "message_id", rec.MessageID, "error", err)
		return false
	}
	return true
}
