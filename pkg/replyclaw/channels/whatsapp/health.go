package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// HealthMonitorConfig configures the watchdog that detects linked devices
// which stopped receiving events without a disconnect.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval between watchdog checks (default: 30s).
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration without any event before the socket is suspect
	// (default: 5m).
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter this much silence the device reconnects even if
	// the socket claims to be up. 0 disables it.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PingInterval between presence updates that keep the socket busy
	// (default: 2m).
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultHealthMonitorConfig returns the watchdog defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
		PingInterval:        2 * time.Minute,
	}
}

func (cfg HealthMonitorConfig) withDefaults() HealthMonitorConfig {
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = def.MaxSilentDuration
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return cfg
}

// needsReconnect decides whether a connected device that has been silent
// for silent should be reconnected. reason is empty when it should not.
func (cfg HealthMonitorConfig) needsReconnect(silent time.Duration, socketUp bool) (reason string) {
	switch {
	case silent <= cfg.MaxSilentDuration:
		return ""
	case !socketUp:
		return "socket closed"
	case cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter:
		return "silent too long"
	}
	return ""
}

// StartHealthMonitor runs the watchdog until ctx is cancelled.
func (c *conn) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	cfg = cfg.withDefaults()
	go c.watchdog(ctx, cfg)
}

func (c *conn) watchdog(ctx context.Context, cfg HealthMonitorConfig) {
	check := time.NewTicker(cfg.CheckInterval)
	defer check.Stop()
	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if c.getState() != StateConnected {
				continue
			}
			if err := c.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
				c.logger.Warn("whatsapp: presence ping failed", "error", err)
				continue
			}
			c.UpdateLastMsgTime()

		case <-check.C:
			if c.getState() != StateConnected {
				continue
			}
			silent := time.Since(c.getLastMsgTime())
			reason := cfg.needsReconnect(silent, c.client.IsConnected())
			if reason == "" {
				continue
			}
			c.logger.Warn("whatsapp: reconnecting silent device", "reason", reason, "silent", silent.Round(time.Second))
			c.setState(StateReconnecting)
			c.connected.Store(false)
			go c.attemptReconnect()
		}
	}
}

func (c *conn) getLastMsgTime() time.Time {
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// UpdateLastMsgTime records activity on the connection.
func (c *conn) UpdateLastMsgTime() {
	c.lastMsg.Store(time.Now())
}
