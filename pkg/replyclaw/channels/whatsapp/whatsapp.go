// Package whatsapp links WhatsApp accounts as companion devices using
// whatsmeow and exposes them as channels.Connection values.
//
// Login uses phone-number pairing: the platform issues an 8-character code
// that the owner types on their phone (Linked devices > Link with phone
// number). Device keys are kept in whatsmeow's sqlstore tables inside the
// replyclaw database; the credentials persisted by the session store are
// just the device JID.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
)

// Config holds WhatsApp platform configuration.
type Config struct {
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// LogoutOnRemove unlinks the device from the phone when an account is
	// removed. When false only the local device keys are deleted.
	LogoutOnRemove bool `yaml:"logout_on_remove"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeviceName:           "ReplyClaw",
		LogoutOnRemove:       true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// History records and serves recent messages. WhatsApp linked devices
// cannot fetch chat history on demand, so the platform keeps its own log.
type History interface {
	Append(ctx context.Context, accountID string, msg channels.HistoryMessage) error
	Recent(ctx context.Context, accountID, chatID string, limit int) ([]channels.HistoryMessage, error)
}

// Platform is the WhatsApp linked-device platform.
type Platform struct {
	cfg       Config
	container *sqlstore.Container
	history   History
	logger    *slog.Logger
}

var _ channels.Platform = (*Platform)(nil)

// New prepares the whatsmeow device store inside db and returns the
// platform.
func New(ctx context.Context, cfg Config, db *database.DB, history History, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		return nil, errors.New("whatsapp: message history is required")
	}
	def := DefaultConfig()
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}

	dialect := "sqlite3"
	if db.Type == database.BackendPostgreSQL {
		dialect = "postgres"
	}
	container := sqlstore.NewWithDB(db.DB, dialect, waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading whatsapp device store: %w", err)
	}

	store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})

	return &Platform{
		cfg:       cfg,
		container: container,
		history:   history,
		logger:    logger.With("platform", "whatsapp"),
	}, nil
}

func (p *Platform) Name() string { return "whatsapp" }

// StartLogin creates a fresh device, connects it and requests a pairing
// code for the phone number accountID.
func (p *Platform) StartLogin(ctx context.Context, accountID, _ string) (channels.LoginAttempt, error) {
	phone := digitsOnly(accountID)
	if len(phone) < 10 {
		return nil, fmt.Errorf("%w: invalid phone number %q", channels.ErrCredentialsRejected, accountID)
	}

	c := p.newConn(accountID, p.container.NewDevice())

	// The pairing outlives StartLogin's context; it ends with Complete or
	// Cancel.
	pairCtx, cancel := context.WithCancel(context.Background())
	qrChan, err := c.client.GetQRChannel(pairCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("getting pairing channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting for pairing: %w", err)
	}

	// PairPhone is only accepted once the server has issued the first QR
	// ref.
	select {
	case evt, ok := <-qrChan:
		if !ok || evt.Event != whatsmeow.QRChannelEventCode {
			cancel()
			c.client.Disconnect()
			return nil, fmt.Errorf("pairing: unexpected event %q: %v", evt.Event, evt.Error)
		}
	case <-ctx.Done():
		cancel()
		c.client.Disconnect()
		return nil, fmt.Errorf("pairing: %w", ctx.Err())
	}

	code, err := c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		cancel()
		c.client.Disconnect()
		return nil, fmt.Errorf("requesting pairing code: %w", err)
	}

	a := &loginAttempt{
		conn:   c,
		code:   code,
		cancel: cancel,
		result: make(chan error, 1),
	}
	go a.watch(qrChan)

	p.logger.Info("pairing code issued", "account", accountID)
	return a, nil
}

// Restore reconnects the device whose JID is stored in credentials.
func (p *Platform) Restore(ctx context.Context, accountID string, credentials []byte) (channels.Connection, error) {
	device, err := p.device(ctx, credentials)
	if err != nil {
		return nil, err
	}

	c := p.newConn(accountID, device)
	if err := c.client.Connect(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	select {
	case err := <-c.first:
		if err != nil {
			c.client.Disconnect()
			return nil, err
		}
	case <-ctx.Done():
		c.client.Disconnect()
		return nil, fmt.Errorf("connecting: %w", ctx.Err())
	}

	c.activate()
	return c, nil
}

// Forget unlinks the device (or just deletes its keys when LogoutOnRemove
// is off).
func (p *Platform) Forget(ctx context.Context, accountID string, credentials []byte) error {
	device, err := p.device(ctx, credentials)
	if errors.Is(err, channels.ErrCredentialsRejected) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if p.cfg.LogoutOnRemove {
		client := whatsmeow.NewClient(device, waLog.Noop)
		if err := client.Connect(); err == nil {
			err := client.Logout(ctx)
			if err == nil {
				p.logger.Info("whatsapp device unlinked", "account", accountID)
				return nil
			}
			p.logger.Warn("whatsapp logout failed, deleting device keys", "account", accountID, "error", err)
			client.Disconnect()
		}
	}

	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

func (p *Platform) device(ctx context.Context, credentials []byte) (*store.Device, error) {
	jid, err := types.ParseJID(string(credentials))
	if err != nil || jid.IsEmpty() {
		return nil, fmt.Errorf("%w: invalid device id", channels.ErrCredentialsRejected)
	}
	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: device %s not found", channels.ErrCredentialsRejected, jid)
	}
	return device, nil
}

// loginAttempt is a connected, unpaired device waiting for the owner to
// enter the pairing code on their phone.
type loginAttempt struct {
	conn   *conn
	code   string
	cancel context.CancelFunc
	result chan error

	once sync.Once
}

func (a *loginAttempt) DisplayCode() string { return a.code }

// watch forwards the outcome of the pairing.
func (a *loginAttempt) watch(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			continue
		case whatsmeow.QRChannelSuccess.Event:
			a.result <- nil
		case whatsmeow.QRChannelTimeout.Event:
			a.result <- fmt.Errorf("%w: pairing timed out", channels.ErrCodeRejected)
		default:
			a.result <- fmt.Errorf("pairing failed: %s: %v", evt.Event, evt.Error)
		}
		return
	}
	a.result <- errors.New("pairing channel closed")
}

// Complete confirms the owner typed the issued code and waits for the phone
// to finish pairing.
func (a *loginAttempt) Complete(ctx context.Context, code string) (channels.Connection, []byte, error) {
	if normalizeCode(code) != normalizeCode(a.code) {
		return nil, nil, channels.ErrCodeRejected
	}

	select {
	case err := <-a.result:
		if err != nil {
			return nil, nil, err
		}
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for pairing: %w", ctx.Err())
	}

	// whatsmeow reconnects after pairing; wait until the session is usable.
	select {
	case err := <-a.conn.first:
		if err != nil {
			return nil, nil, err
		}
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for connection: %w", ctx.Err())
	}

	id := a.conn.client.Store.ID
	if id == nil {
		return nil, nil, errors.New("pairing finished without a device id")
	}
	a.conn.activate()
	return a.conn, []byte(id.String()), nil
}

func (a *loginAttempt) Cancel() {
	a.once.Do(func() {
		a.cancel()
		if !a.conn.active.Load() {
			_ = a.conn.Disconnect()
		}
	})
}

func normalizeCode(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, s)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
