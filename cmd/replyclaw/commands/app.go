package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/telegram"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/whatsapp"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/config"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/secrets"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/storage"
)

// app is the state shared by commands that touch the database.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	repos  *storage.Repos
}

// loadConfig resolves --config (or the default candidates) and builds the
// logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.LoadDefault(configPath)
	if err != nil {
		return nil, nil, err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := config.NewLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	if found != "" {
		logger.Debug("config loaded", "path", found)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// openApp loads the config, opens and migrates the database, and builds
// the repositories with the resolved credential sealer.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(cmd.Context()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	sealer, err := secrets.NewSealer(cfg.Secrets.SessionKey, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("session key: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		repos:  storage.New(db, sealer),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}

// platforms builds every enabled platform.
func (a *app) platforms(ctx context.Context) ([]channels.Platform, error) {
	var out []channels.Platform
	if a.cfg.Telegram.Enabled {
		tg, err := telegram.New(a.cfg.Telegram.Config, a.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	if a.cfg.WhatsApp.Enabled {
		wa, err := whatsapp.New(ctx, a.cfg.WhatsApp.Config, a.db, a.repos.Messages, a.logger)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		out = append(out, wa)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no platform enabled: enable telegram or whatsapp in the config")
	}
	return out, nil
}

// sessionStore builds a session store over the enabled platforms.
func (a *app) sessionStore(ctx context.Context, opts ...session.Option) (*session.Store, error) {
	platforms, err := a.platforms(ctx)
	if err != nil {
		return nil, err
	}
	return session.NewStore(a.cfg.Sessions, a.repos.Sessions, platforms, a.logger, opts...), nil
}
