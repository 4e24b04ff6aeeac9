// Package gateway exposes the replyclaw control API over HTTP: account
// login and session management, bot preferences, per-chat settings and
// analytics, plus /health and /metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/storage"
)

// Config configures the HTTP gateway.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: "127.0.0.1:8085").
	Address string `yaml:"address"`

	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every route except /health.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Address: "127.0.0.1:8085",
	}
}

// SessionManager is the subset of *session.Store the API drives.
type SessionManager interface {
	AuthenticateOn(ctx context.Context, platformName, accountID, password string) (*session.Challenge, error)
	SubmitCode(ctx context.Context, accountID, code string) (*session.Session, error)
	CancelChallenge(accountID string) error
	Restore(ctx context.Context, accountID string) (*session.Session, error)
	Remove(ctx context.Context, accountID string) error
	IsValid(ctx context.Context, accountID string) bool
	Session(accountID string) (*session.Session, bool)
	Sessions() []*session.Session
	Pending() []session.Challenge
}

// SessionLister lists persisted sessions without their credentials.
type SessionLister interface {
	List(ctx context.Context) ([]storage.SessionSummary, error)
}

// PreferenceStore reads and writes the global preferences.
type PreferenceStore interface {
	GlobalPreferences(ctx context.Context) (*prefs.GlobalPreferences, error)
	Save(ctx context.Context, p prefs.GlobalPreferences) error
}

// ChatStore reads and writes per-chat settings.
type ChatStore interface {
	List(ctx context.Context, accountID string) ([]prefs.ChatSettings, error)
	Upsert(ctx context.Context, cs prefs.ChatSettings) error
	Delete(ctx context.Context, accountID, chatID string) error
}

// ActivitySource lists chats seen in the local message log.
type ActivitySource interface {
	Chats(ctx context.Context, accountID string, limit int) ([]storage.ChatActivity, error)
}

// AnalyticsSource serves analytics records.
type AnalyticsSource interface {
	analytics.TimestampSource
	Recent(ctx context.Context, accountID string, limit int) ([]analytics.Record, error)
}

// Refresher reloads the preference cache after a write.
type Refresher interface {
	Refresh(ctx context.Context) prefs.Snapshot
}

// Deps are the collaborators behind the API. Nil collaborators disable
// their routes (501).
type Deps struct {
	Sessions  SessionManager
	Stored    SessionLister
	Prefs     PreferenceStore
	Chats     ChatStore
	Activity  ActivitySource
	Analytics AnalyticsSource
	Cache     Refresher
	Gatherer  prometheus.Gatherer
	Version   string
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	cfg       Config
	deps      Deps
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time
}

// New creates a new Gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Gateway{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(g.accessLog)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(chiMiddleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(chiMiddleware.SetHeader("Cache-Control", "no-store"))
	r.Use(g.cors)

	r.Get("/health", g.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(g.requireToken)

		if g.deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(g.deps.Gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", g.handleListSessions)
				r.Route("/{account}", func(r chi.Router) {
					r.Post("/auth", g.handleAuthStart)
					r.Delete("/auth", g.handleAuthCancel)
					r.Post("/verify", g.handleAuthVerify)
					r.Get("/status", g.handleSessionStatus)
					r.Post("/restore", g.handleRestore)
					r.Delete("/", g.handleRemove)
				})
			})

			r.Get("/preferences", g.handleGetPreferences)
			r.Put("/preferences", g.handlePutPreferences)

			r.Get("/chats", g.handleListChats)
			r.Put("/chats/{chat}", g.handlePutChat)
			r.Delete("/chats/{chat}", g.handleDeleteChat)

			r.Get("/analytics/daily", g.handleDailyCounts)
			r.Get("/analytics/recent", g.handleRecentAnalytics)
		})
	})

	return r
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = g.now()
	g.server = &http.Server{
		Addr:              g.cfg.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return err
	}

	if g.cfg.AuthToken == "" && !isLoopback(g.cfg.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.cfg.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
