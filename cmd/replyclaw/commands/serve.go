package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/config"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/gateway"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/llm"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/media"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/pipeline"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

// newServeCmd creates the `replyclaw serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon: restore sessions and auto-reply",
		Long: `Start ReplyClaw as a daemon. Every stored account session is restored,
incoming messages in opted-in chats are answered, and the control API is
served when the gateway is enabled.

Examples:
  replyclaw serve
  replyclaw serve --config ./replyclaw.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config and storage ──
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	config.AuditSecrets(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return errors.New("no provider API key: set llm.api_key or " + config.EnvAPIKey)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// ── Collaborators ──
	reg := metrics.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	provider := llm.NewClient(cfg.LLM, logger, llm.WithMetrics(m))
	extractor := media.NewExtractor(cfg.Media, provider, m, logger)
	recorder := analytics.NewRecorder(a.repos.Analytics, m, logger)

	cache := prefs.NewCache(a.repos.Preferences, a.repos.Chats, cfg.Cache, logger, prefs.WithMetrics(m))
	cache.Start(ctx)

	pipe := pipeline.New(cfg.Pipeline, cache, extractor, provider, recorder, logger, pipeline.WithMetrics(m))

	store, err := a.sessionStore(ctx, session.WithListener(pipe), session.WithMetrics(m))
	if err != nil {
		cache.Stop()
		return err
	}

	retention := analytics.NewRetention(cfg.Analytics.Retention, map[string]analytics.Pruner{
		"analytics": a.repos.Analytics,
		"messages":  a.repos.Messages,
	}, logger)
	if err := retention.Start(ctx); err != nil {
		cache.Stop()
		return err
	}

	// ── Control API ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, gateway.Deps{
			Sessions:  store,
			Stored:    a.repos.Sessions,
			Prefs:     a.repos.Preferences,
			Chats:     a.repos.Chats,
			Activity:  a.repos.Messages,
			Analytics: a.repos.Analytics,
			Cache:     cache,
			Gatherer:  reg,
			Version:   version,
		}, logger)
		if err := gw.Start(ctx); err != nil {
			retention.Stop()
			cache.Stop()
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	// ── Restore sessions ──
	restored, failed, err := store.RestoreAll(ctx)
	if err != nil {
		logger.Error("listing stored sessions failed", "error", err)
	}
	for account, ferr := range failed {
		logger.Warn("session not restored", "account", account, "error", ferr)
	}

	logger.Info("ReplyClaw running. Press Ctrl+C to stop.",
		"version", version,
		"platforms", cfg.Platforms(),
		"restored", len(restored),
		"failed", len(failed),
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if gw != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := gw.Stop(stopCtx); err != nil {
				logger.Warn("gateway shutdown", "error", err)
			}
			stopCancel()
		}
		pipe.Close()
		store.Close()
		retention.Stop()
		cache.Stop()
		cancel()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
