// Package session owns the registry of live account connections. It runs
// the one-time-code login flow, persists credentials, restores accounts at
// startup and guarantees at most one live connection per account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/metrics"
)

// Config configures the session store.
type Config struct {
	// DefaultPlatform is used by Authenticate (default: "telegram").
	DefaultPlatform string `yaml:"default_platform"`

	// ChallengeTimeout bounds how long a one-time code stays valid
	// (default: 5m).
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`

	// ConnectTimeout bounds connection setup for login, restore and
	// validity checks (default: 30s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RestoreConcurrency limits parallel restores at startup (default: 4).
	RestoreConcurrency int `yaml:"restore_concurrency"`

	// ConfirmationText is sent to the account's self-chat after login.
	ConfirmationText string `yaml:"confirmation_text"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		DefaultPlatform:    "telegram",
		ChallengeTimeout:   5 * time.Minute,
		ConnectTimeout:     30 * time.Second,
		RestoreConcurrency: 4,
		ConfirmationText:   "replyclaw session started. Auto-replies are now active for this account.",
	}
}

// Record is a persisted session credential.
type Record struct {
	AccountID   string
	Platform    string
	Credentials []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Persister stores session credentials. Find returns ErrNotFound when the
// account has no record.
type Persister interface {
	Upsert(ctx context.Context, rec Record) error
	Find(ctx context.Context, accountID string) (*Record, error)
	Delete(ctx context.Context, accountID string) error
	ListAccounts(ctx context.Context) ([]string, error)
}

// Listener is told when a session becomes live or stops. Calls for one
// account never overlap, and a replaced session is always stopped before
// its successor starts.
type Listener interface {
	SessionStarted(s *Session)
	SessionStopped(s *Session)
}

// Session is a live, registered account connection.
type Session struct {
	AccountID string
	Platform  string
	SelfID    string
	StartedAt time.Time

	conn channels.Connection
}

// NewSession wraps a live connection.
func NewSession(conn channels.Connection, startedAt time.Time) *Session {
	return &Session{
		AccountID: conn.AccountID(),
		Platform:  conn.Platform(),
		SelfID:    conn.SelfID(),
		StartedAt: startedAt,
		conn:      conn,
	}
}

// Conn returns the live connection.
func (s *Session) Conn() channels.Connection { return s.conn }

// Challenge describes an outstanding one-time-code request.
type Challenge struct {
	AccountID string    `json:"account_id"`
	Platform  string    `json:"platform"`
	ExpiresAt time.Time `json:"expires_at"`

	// DisplayCode is set for platforms where the owner types a code issued
	// by us on their device instead of receiving one.
	DisplayCode string `json:"display_code,omitempty"`
}

type pendingChallenge struct {
	id         uint64
	platform   string
	attempt    channels.LoginAttempt // nil while the login request is in flight
	expiresAt  time.Time
	timer      *time.Timer
	completing bool
}

// Store is the account → connection registry.
type Store struct {
	cfg       Config
	platforms map[string]channels.Platform
	persister Persister
	listener  Listener
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	live    map[string]*Session
	pending map[string]*pendingChallenge
	busy    map[string]string // account → operation holding it
	nextID  uint64
}

// Option customizes a Store.
type Option func(*Store)

// WithListener registers the session lifecycle listener.
func WithListener(l Listener) Option {
	return func(s *Store) { s.listener = l }
}

// WithMetrics reports live session counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store for the given platforms.
func NewStore(cfg Config, persister Persister, platforms []channels.Platform, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultPlatform == "" {
		cfg.DefaultPlatform = def.DefaultPlatform
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = def.ChallengeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = def.RestoreConcurrency
	}
	if cfg.ConfirmationText == "" {
		cfg.ConfirmationText = def.ConfirmationText
	}

	s := &Store{
		cfg:       cfg,
		platforms: make(map[string]channels.Platform, len(platforms)),
		persister: persister,
		logger:    logger.With("component", "sessions"),
		now:       time.Now,
		live:      make(map[string]*Session),
		pending:   make(map[string]*pendingChallenge),
		busy:      make(map[string]string),
	}
	for _, p := range platforms {
		s.platforms[p.Name()] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) platform(name string) (channels.Platform, error) {
	if name == "" {
		name = s.cfg.DefaultPlatform
	}
	p, ok := s.platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPlatform, name)
	}
	return p, nil
}

// ---------- Authentication ----------

// Authenticate starts a login on the default platform.
func (s *Store) Authenticate(ctx context.Context, accountID, password string) (*Challenge, error) {
	return s.AuthenticateOn(ctx, "", accountID, password)
}

// AuthenticateOn starts a login for accountID on the named platform and
// returns the outstanding challenge, to be resolved with SubmitCode. It
// fails with ErrConflict while another challenge or operation for the same
// account is outstanding.
func (s *Store) AuthenticateOn(ctx context.Context, platformName, accountID, password string) (*Challenge, error) {
	const op = "authenticate"

	platform, err := s.platform(platformName)
	if err != nil {
		return nil, &Error{Op: op, AccountID: accountID, Err: err}
	}

	s.mu.Lock()
	if _, ok := s.pending[accountID]; ok {
		s.mu.Unlock()
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: errors.New("a login is already awaiting its code")}
	}
	if holder, ok := s.busy[accountID]; ok {
		s.mu.Unlock()
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: fmt.Errorf("%s in progress", holder)}
	}
	s.nextID++
	p := &pendingChallenge{id: s.nextID, platform: platform.Name()}
	s.pending[accountID] = p
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	attempt, err := platform.StartLogin(startCtx, accountID, password)
	cancel()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, accountID)
		s.mu.Unlock()
		s.logger.Warn("login request failed", "account", accountID, "platform", platform.Name(), "error", err)
		return nil, &Error{Op: op, AccountID: accountID, Kind: classify(err), Err: err}
	}

	s.mu.Lock()
	p.attempt = attempt
	p.expiresAt = s.now().Add(s.cfg.ChallengeTimeout)
	id := p.id
	p.timer = time.AfterFunc(s.cfg.ChallengeTimeout, func() { s.expire(accountID, id) })
	ch := &Challenge{
		AccountID:   accountID,
		Platform:    p.platform,
		ExpiresAt:   p.expiresAt,
		DisplayCode: attempt.DisplayCode(),
	}
	s.mu.Unlock()

	s.logger.Info("login code requested", "account", accountID, "platform", p.platform, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// expire drops a challenge that was never resolved.
func (s *Store) expire(accountID string, id uint64) {
	s.mu.Lock()
	p, ok := s.pending[accountID]
	if !ok || p.id != id || p.completing {
		s.mu.Unlock()
		return
	}
	delete(s.pending, accountID)
	s.mu.Unlock()

	p.attempt.Cancel()
	s.logger.Info("login challenge expired", "account", accountID)
}

// CancelChallenge abandons an outstanding challenge. It is a no-op when none
// exists.
func (s *Store) CancelChallenge(accountID string) error {
	s.mu.Lock()
	p, ok := s.pending[accountID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if p.attempt == nil || p.completing {
		s.mu.Unlock()
		return &Error{Op: "cancel", AccountID: accountID, Kind: ErrConflict}
	}
	delete(s.pending, accountID)
	s.mu.Unlock()

	p.timer.Stop()
	p.attempt.Cancel()
	return nil
}

// SubmitCode resolves the outstanding challenge for accountID. On success
// the credentials are persisted, the connection is registered (replacing
// any previous one) and a confirmation is sent to the account's self-chat.
// Any failure consumes the challenge; the caller retries with a fresh
// Authenticate.
func (s *Store) SubmitCode(ctx context.Context, accountID, code string) (*Session, error) {
	const op = "submit_code"

	s.mu.Lock()
	p, ok := s.pending[accountID]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrAuthentication, Err: errors.New("no pending challenge")}
	case p.attempt == nil || p.completing:
		s.mu.Unlock()
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrConflict}
	case !s.now().Before(p.expiresAt):
		delete(s.pending, accountID)
		s.mu.Unlock()
		p.timer.Stop()
		p.attempt.Cancel()
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrAuthentication, Err: errors.New("challenge expired")}
	}
	p.completing = true
	s.mu.Unlock()

	p.timer.Stop()
	completeCtx, cancel := context.WithDeadline(ctx, p.expiresAt)
	conn, creds, err := p.attempt.Complete(completeCtx, code)
	deadlineHit := errors.Is(completeCtx.Err(), context.DeadlineExceeded)
	cancel()

	// The pending slot hands over to a busy marker so Remove and Restore
	// stay out until the session is registered.
	s.mu.Lock()
	delete(s.pending, accountID)
	s.busy[accountID] = op
	s.mu.Unlock()
	defer s.release(accountID)

	if err != nil {
		p.attempt.Cancel()
		kind := classify(err)
		if deadlineHit {
			kind = ErrAuthentication
			err = fmt.Errorf("challenge expired: %w", err)
		}
		s.logger.Warn("login failed", "account", accountID, "error", err)
		return nil, &Error{Op: op, AccountID: accountID, Kind: kind, Err: err}
	}

	now := s.now()
	rec := Record{
		AccountID:   accountID,
		Platform:    p.platform,
		Credentials: creds,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.persister.Upsert(ctx, rec); err != nil {
		_ = conn.Disconnect()
		return nil, &Error{Op: op, AccountID: accountID, Err: fmt.Errorf("persisting session: %w", err)}
	}

	sess := s.register(accountID, p.platform, conn)
	s.logger.Info("session authenticated", "account", accountID, "platform", p.platform, "self", sess.SelfID)

	s.sendConfirmation(ctx, sess)
	return sess, nil
}

func (s *Store) sendConfirmation(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
	defer cancel()

	text := fmt.Sprintf("%s\n%s", s.cfg.ConfirmationText, s.now().UTC().Format(time.RFC1123))
	if err := sess.conn.SendSelf(ctx, text); err != nil {
		s.logger.Warn("session confirmation not sent", "account", sess.AccountID, "error", err)
	}
}

// ---------- Registry ----------

// register installs conn as the live connection for accountID, stopping any
// previous one first.
func (s *Store) register(accountID, platform string, conn channels.Connection) *Session {
	sess := NewSession(conn, s.now())
	sess.AccountID = accountID
	sess.Platform = platform

	s.mu.Lock()
	old := s.live[accountID]
	s.live[accountID] = sess
	s.mu.Unlock()

	if old != nil {
		s.stop(old)
	}
	s.metrics.SessionStarted(platform)
	if s.listener != nil {
		s.listener.SessionStarted(sess)
	}
	return sess
}

// stop detaches the listener before disconnecting, so replies already past
// their completion are sent on a live connection.
func (s *Store) stop(sess *Session) {
	if s.listener != nil {
		s.listener.SessionStopped(sess)
	}
	if err := sess.conn.Disconnect(); err != nil {
		s.logger.Warn("disconnect failed", "account", sess.AccountID, "error", err)
	}
	s.metrics.SessionStopped(sess.Platform)
}

// acquire marks accountID busy with op. It fails with ErrConflict while a
// challenge or another operation is outstanding.
func (s *Store) acquire(op, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[accountID]; ok {
		return &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: errors.New("a login is awaiting its code")}
	}
	if holder, ok := s.busy[accountID]; ok {
		return &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: fmt.Errorf("%s in progress", holder)}
	}
	s.busy[accountID] = op
	return nil
}

func (s *Store) release(accountID string) {
	s.mu.Lock()
	delete(s.busy, accountID)
	s.mu.Unlock()
}

// Restore reconnects accountID from its persisted credentials and registers
// the connection. Credentials the platform reports as revoked are deleted.
func (s *Store) Restore(ctx context.Context, accountID string) (*Session, error) {
	const op = "restore"
	if err := s.acquire(op, accountID); err != nil {
		return nil, err
	}
	defer s.release(accountID)

	rec, platform, err := s.load(ctx, op, accountID)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := platform.Restore(connCtx, accountID, rec.Credentials)
	cancel()
	if err != nil {
		if errors.Is(err, channels.ErrCredentialsRejected) {
			s.logger.Warn("stored credentials revoked, deleting session", "account", accountID)
			s.forget(ctx, platform, rec)
		}
		return nil, &Error{Op: op, AccountID: accountID, Kind: ErrConnection, Err: err}
	}

	sess := s.register(accountID, rec.Platform, conn)
	s.logger.Info("session restored", "account", accountID, "platform", rec.Platform, "self", sess.SelfID)
	return sess, nil
}

func (s *Store) load(ctx context.Context, op, accountID string) (*Record, channels.Platform, error) {
	rec, err := s.persister.Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, &Error{Op: op, AccountID: accountID, Kind: ErrNotFound}
		}
		return nil, nil, &Error{Op: op, AccountID: accountID, Err: fmt.Errorf("loading session: %w", err)}
	}
	platform, err := s.platform(rec.Platform)
	if err != nil {
		return nil, nil, &Error{Op: op, AccountID: accountID, Kind: ErrConnection, Err: err}
	}
	return rec, platform, nil
}

func (s *Store) forget(ctx context.Context, platform channels.Platform, rec *Record) {
	if err := platform.Forget(ctx, rec.AccountID, rec.Credentials); err != nil {
		s.logger.Warn("platform cleanup failed", "account", rec.AccountID, "error", err)
	}
	if err := s.persister.Delete(ctx, rec.AccountID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("deleting session record failed", "account", rec.AccountID, "error", err)
	}
}

// RestoreAll restores every persisted account concurrently. Individual
// failures are logged and reported in failed; they do not stop the others.
func (s *Store) RestoreAll(ctx context.Context) (restored []string, failed map[string]error, err error) {
	accounts, err := s.persister.ListAccounts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing sessions: %w", err)
	}

	var mu sync.Mutex
	failed = make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RestoreConcurrency)
	for _, id := range accounts {
		g.Go(func() error {
			_, err := s.Restore(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("session restore failed", "account", id, "error", err)
				failed[id] = err
				return nil
			}
			restored = append(restored, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(restored)
	s.logger.Info("sessions restored", "restored", len(restored), "failed", len(failed))
	return restored, failed, nil
}

// Remove disconnects accountID if live and deletes its persisted
// credentials. Removing an unknown account is not an error.
func (s *Store) Remove(ctx context.Context, accountID string) error {
	const op = "remove"

	s.mu.Lock()
	if holder, ok := s.busy[accountID]; ok {
		s.mu.Unlock()
		return &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: fmt.Errorf("%s in progress", holder)}
	}
	p := s.pending[accountID]
	if p != nil && (p.attempt == nil || p.completing) {
		s.mu.Unlock()
		return &Error{Op: op, AccountID: accountID, Kind: ErrConflict, Err: errors.New("login in progress")}
	}
	delete(s.pending, accountID)
	sess := s.live[accountID]
	delete(s.live, accountID)
	s.busy[accountID] = op
	s.mu.Unlock()
	defer s.release(accountID)

	if p != nil {
		p.timer.Stop()
		p.attempt.Cancel()
	}
	if sess != nil {
		s.stop(sess)
	}

	rec, err := s.persister.Find(ctx, accountID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return &Error{Op: op, AccountID: accountID, Err: fmt.Errorf("loading session: %w", err)}
	default:
		if platform, perr := s.platform(rec.Platform); perr == nil {
			if err := platform.Forget(ctx, accountID, rec.Credentials); err != nil {
				s.logger.Warn("platform cleanup failed", "account", accountID, "error", err)
			}
		}
		if err := s.persister.Delete(ctx, accountID); err != nil && !errors.Is(err, ErrNotFound) {
			return &Error{Op: op, AccountID: accountID, Err: fmt.Errorf("deleting session: %w", err)}
		}
	}

	s.logger.Info("session removed", "account", accountID, "was_live", sess != nil)
	return nil
}

// IsValid reports whether accountID can talk to its platform: the live
// connection is pinged, or a throwaway connection is opened from the stored
// credentials. The registry is never modified.
func (s *Store) IsValid(ctx context.Context, accountID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if sess, ok := s.Session(accountID); ok {
		if err := sess.conn.Ping(ctx); err != nil {
			s.logger.Debug("live session ping failed", "account", accountID, "error", err)
			return false
		}
		return true
	}

	rec, platform, err := s.load(ctx, "is_valid", accountID)
	if err != nil {
		return false
	}
	conn, err := platform.Restore(ctx, accountID, rec.Credentials)
	if err != nil {
		s.logger.Debug("stored session invalid", "account", accountID, "error", err)
		return false
	}
	defer conn.Disconnect()
	return conn.Ping(ctx) == nil
}

// Session returns the live session for accountID.
func (s *Store) Session(accountID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.live[accountID]
	return sess, ok
}

// Sessions returns all live sessions ordered by account.
func (s *Store) Sessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.live))
	for _, sess := range s.live {
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Pending returns the outstanding challenges.
func (s *Store) Pending() []Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Challenge, 0, len(s.pending))
	for id, p := range s.pending {
		if p.attempt == nil {
			continue
		}
		out = append(out, Challenge{AccountID: id, Platform: p.platform, ExpiresAt: p.expiresAt, DisplayCode: p.attempt.DisplayCode()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Close disconnects every live session and abandons pending challenges.
// Persisted credentials are kept.
func (s *Store) Close() {
	s.mu.Lock()
	live := s.live
	pending := s.pending
	s.live = make(map[string]*Session)
	s.pending = make(map[string]*pendingChallenge)
	s.mu.Unlock()

	for _, p := range pending {
		if p.attempt != nil {
			p.timer.Stop()
			p.attempt.Cancel()
		}
	}
	for _, sess := range live {
		s.stop(sess)
	}
}

// classify maps transport errors to a session error kind.
func classify(err error) error {
	switch {
	case errors.Is(err, channels.ErrCodeRejected),
		errors.Is(err, channels.ErrPasswordRequired),
		errors.Is(err, channels.ErrCredentialsRejected):
		return ErrAuthentication
	default:
		return ErrConnection
	}
}
