package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig configures the prune job.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a 5-field cron expression (default: weekly, Sunday 00:00).
	Schedule string `yaml:"schedule"`

	// MaxAge is how long records are kept (default: 30 days).
	MaxAge time.Duration `yaml:"max_age"`
}

// DefaultRetentionConfig returns the default retention settings.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:  true,
		Schedule: "0 0 * * 0",
		MaxAge:   30 * 24 * time.Hour,
	}
}

// Pruner deletes rows older than a cutoff and returns how many went.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention runs the prune job on a cron schedule. Each named pruner is
// pruned independently.
type Retention struct {
	cfg     RetentionConfig
	pruners map[string]Pruner
	logger  *slog.Logger
	now     func() time.Time

	cron *cron.Cron
}

// NewRetention creates the job. Call Start to schedule it.
func NewRetention(cfg RetentionConfig, pruners map[string]Pruner, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRetentionConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return &Retention{
		cfg:     cfg,
		pruners: pruners,
		logger:  logger.With("component", "retention"),
		now:     time.Now,
	}
}

// Start schedules the job. It is a no-op when retention is disabled.
func (r *Retention) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("retention disabled")
		return nil
	}

	r.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()

	r.logger.Info("retention scheduled", "schedule", r.cfg.Schedule, "max_age", r.cfg.MaxAge)
	return nil
}

// Stop waits for a running prune to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		r.logger.Warn("retention stop timed out")
	}
}

// RunOnce prunes everything older than MaxAge and returns the rows deleted
// per pruner. Failures are logged and leave the other pruners unaffected.
func (r *Retention) RunOnce(ctx context.Context) map[string]int64 {
	cutoff := r.now().Add(-r.cfg.MaxAge)
	deleted := make(map[string]int64, len(r.pruners))

	for name, p := range r.pruners {
		n, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			r.logger.Error("prune failed", "table", name, "error", err)
			continue
		}
		deleted[name] = n
		r.logger.Info("pruned old rows", "table", name, "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
