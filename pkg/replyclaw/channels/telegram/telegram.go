// Package telegram signs Telegram user accounts in over MTProto and exposes
// them as channels.Connection values. Login is phone + one-time code, with
// the two-step verification password when the account has one.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// Config holds the Telegram application credentials and client options.
type Config struct {
	// APIID and APIHash identify the application (my.telegram.org).
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	// DeviceModel is shown in the account's active sessions list.
	DeviceModel string `yaml:"device_model"`

	// DialogWarmup is the number of dialogs fetched at connect to resolve
	// chat access hashes (default: 100).
	DialogWarmup int `yaml:"dialog_warmup"`

	// LogoutOnRemove terminates the authorization server-side when an
	// account is removed (default: true).
	LogoutOnRemove bool `yaml:"logout_on_remove"`
}

// DefaultConfig returns the default Telegram configuration.
func DefaultConfig() Config {
	return Config{
		DeviceModel:    "replyclaw",
		DialogWarmup:   100,
		LogoutOnRemove: true,
	}
}

// Platform is the Telegram user-account platform.
type Platform struct {
	cfg    Config
	logger *slog.Logger
}

var _ channels.Platform = (*Platform)(nil)

// New creates the platform.
func New(cfg Config, logger *slog.Logger) (*Platform, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("telegram: api_id and api_hash are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DeviceModel == "" {
		cfg.DeviceModel = def.DeviceModel
	}
	if cfg.DialogWarmup <= 0 {
		cfg.DialogWarmup = def.DialogWarmup
	}
	return &Platform{cfg: cfg, logger: logger.With("platform", "telegram")}, nil
}

func (p *Platform) Name() string { return "telegram" }

func (p *Platform) newClient(storage *memorySession, handler telegram.UpdateHandler) *telegram.Client {
	return telegram.NewClient(p.cfg.APIID, p.cfg.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  handler,
		Device: telegram.DeviceConfig{
			DeviceModel:   p.cfg.DeviceModel,
			SystemVersion: runtime.GOOS,
			AppVersion:    "replyclaw",
		},
	})
}

// StartLogin connects with an empty session and asks Telegram to send a
// login code to the account.
func (p *Platform) StartLogin(ctx context.Context, accountID, password string) (channels.LoginAttempt, error) {
	c := p.newConn(accountID, &memorySession{})
	if err := c.start(ctx); err != nil {
		return nil, err
	}

	sent, err := c.client.Auth().SendCode(ctx, accountID, auth.SendCodeOptions{})
	if err != nil {
		_ = c.Disconnect()
		if tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED") {
			return nil, fmt.Errorf("%w: %v", channels.ErrCredentialsRejected, err)
		}
		return nil, fmt.Errorf("send code: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		_ = c.Disconnect()
		return nil, fmt.Errorf("send code: unexpected response %T", sent)
	}

	p.logger.Info("login code sent", "account", accountID, "type", fmt.Sprintf("%T", code.Type))
	return &loginAttempt{conn: c, phone: accountID, password: password, hash: code.PhoneCodeHash}, nil
}

// Restore reconnects using MTProto session bytes.
func (p *Platform) Restore(ctx context.Context, accountID string, credentials []byte) (channels.Connection, error) {
	c := p.newConn(accountID, &memorySession{data: credentials})
	if err := c.start(ctx); err != nil {
		return nil, err
	}

	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		_ = c.Disconnect()
		if isRevoked(err) {
			return nil, fmt.Errorf("%w: %v", channels.ErrCredentialsRejected, err)
		}
		return nil, fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized || status.User == nil {
		_ = c.Disconnect()
		return nil, channels.ErrCredentialsRejected
	}

	if err := c.activate(ctx, status.User); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	return c, nil
}

// Forget logs the authorization out when LogoutOnRemove is set.
func (p *Platform) Forget(ctx context.Context, accountID string, credentials []byte) error {
	if !p.cfg.LogoutOnRemove || len(credentials) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	c := p.newConn(accountID, &memorySession{data: credentials})
	if err := c.start(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if _, err := c.client.API().AuthLogOut(ctx); err != nil && !isRevoked(err) {
		return fmt.Errorf("log out: %w", err)
	}
	p.logger.Info("telegram authorization logged out", "account", accountID)
	return nil
}

func isRevoked(err error) bool {
	return tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN")
}

// loginAttempt is a connected client waiting for the login code.
type loginAttempt struct {
	conn     *conn
	phone    string
	password string
	hash     string

	once sync.Once
}

func (a *loginAttempt) DisplayCode() string { return "" }

func (a *loginAttempt) Complete(ctx context.Context, code string) (channels.Connection, []byte, error) {
	authz, err := a.conn.client.Auth().SignIn(ctx, a.phone, code, a.hash)
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		if a.password == "" {
			return nil, nil, channels.ErrPasswordRequired
		}
		authz, err = a.conn.client.Auth().Password(ctx, a.password)
		if err != nil {
			if errors.Is(err, auth.ErrPasswordInvalid) {
				return nil, nil, fmt.Errorf("%w: %v", channels.ErrCodeRejected, err)
			}
			return nil, nil, fmt.Errorf("check password: %w", err)
		}
	case err != nil:
		if tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY") {
			return nil, nil, fmt.Errorf("%w: %v", channels.ErrCodeRejected, err)
		}
		return nil, nil, fmt.Errorf("sign in: %w", err)
	}

	user, ok := authz.User.(*tg.User)
	if !ok {
		return nil, nil, fmt.Errorf("sign in: unexpected user %T", authz.User)
	}
	if err := a.conn.activate(ctx, user); err != nil {
		return nil, nil, err
	}
	return a.conn, a.conn.storage.Bytes(), nil
}

// Cancel disconnects unless the attempt completed successfully.
func (a *loginAttempt) Cancel() {
	a.once.Do(func() {
		if !a.conn.active() {
			_ = a.conn.Disconnect()
		}
	})
}
