package prefs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
)

// Config configures the preference cache.
type Config struct {
	// MaxStaleness is the age after which Get refetches before returning
	// (default: 10s).
	MaxStaleness time.Duration `yaml:"max_staleness"`

	// RefreshInterval is the background refresh period (default: 30s).
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// FetchTimeout bounds a single refresh (default: 5s).
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultConfig returns the default cache timings.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:    10 * time.Second,
		RefreshInterval: 30 * time.Second,
		FetchTimeout:    5 * time.Second,
	}
}

// Cache serves preference snapshots no older than MaxStaleness. Refresh
// failures are logged and counted; the previous value of the failing source
// keeps being served.
type Cache struct {
	settings SettingsSource
	chats    ChatSource
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	snap        atomic.Pointer[Snapshot]
	lastAttempt atomic.Int64 // unix nanos, 0 = never
	group       singleflight.Group

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithMetrics reports refresh failures to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache over the two sources. Nothing is fetched until the
// first Get, Refresh or Start.
func NewCache(settings SettingsSource, chats ChatSource, cfg Config, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = def.MaxStaleness
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	c := &Cache{
		settings: settings,
		chats:    chats,
		cfg:      cfg,
		logger:   logger.With("component", "prefs"),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&Snapshot{Chats: NewEnabledChatSet()})
	return c
}

// Get returns the current snapshot, refreshing first when the last refresh
// attempt is older than MaxStaleness.
func (c *Cache) Get(ctx context.Context) Snapshot {
	last := c.lastAttempt.Load()
	if last == 0 || c.now().Sub(time.Unix(0, last)) > c.cfg.MaxStaleness {
		return c.Refresh(ctx)
	}
	return *c.snap.Load()
}

// Refresh fetches both sources concurrently and publishes the result.
// Concurrent callers share one fetch.
func (c *Cache) Refresh(ctx context.Context) Snapshot {
	v, _, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx)), nil
	})
	return v.(Snapshot)
}

func (c *Cache) refresh(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	prev := c.snap.Load()
	next := *prev

	var (
		prefs    *GlobalPreferences
		chats    []ChatSettings
		prefsErr error
		chatsErr error
	)

	// Each source fails independently, so the group never cancels a sibling.
	var g errgroup.Group
	g.Go(func() error {
		prefs, prefsErr = c.settings.GlobalPreferences(ctx)
		return nil
	})
	g.Go(func() error {
		chats, chatsErr = c.chats.EnabledChats(ctx)
		return nil
	})
	_ = g.Wait()

	if prefsErr != nil {
		c.logger.Warn("preferences refresh failed, serving cached value", "error", prefsErr)
		c.metrics.IncCacheRefreshFailure("settings")
	} else {
		next.Preferences = prefs
	}
	if chatsErr != nil {
		c.logger.Warn("enabled chats refresh failed, serving cached value", "error", chatsErr)
		c.metrics.IncCacheRefreshFailure("chats")
	} else {
		next.Chats = NewEnabledChatSet(chats...)
	}

	now := c.now()
	if prefsErr == nil && chatsErr == nil {
		next.RefreshedAt = now
		c.metrics.SetCacheRefreshed(now)
	}

	c.snap.Store(&next)
	c.lastAttempt.Store(now.UnixNano())

	c.logger.Debug("preferences refreshed",
		"enabled", next.Enabled(),
		"chats", next.Chats.Len(),
	)
	return next
}

// Start runs the background refresh loop until Stop or ctx is done. The
// first refresh happens immediately.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.loop(ctx)
	})
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.done)

	c.Refresh(ctx)

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Stop halts the background loop and waits for it to exit. Safe to call
// without Start.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
}
